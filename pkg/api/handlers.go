package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shao3d/experts-panel/pkg/llm"
	"github.com/shao3d/experts-panel/pkg/models"
)

// expertsHandler serves GET /api/v1/experts.
func (s *Server) expertsHandler(c *gin.Context) {
	experts, err := s.store.Experts(c.Request.Context())
	if err != nil {
		s.logger.Error("Listing experts failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}

	type expertEntry struct {
		ExpertID        string             `json:"expert_id"`
		DisplayName     string             `json:"display_name"`
		ChannelUsername string             `json:"channel_username"`
		Stats           models.ExpertStats `json:"stats"`
	}

	out := make([]expertEntry, 0, len(experts))
	for _, e := range experts {
		stats, err := s.store.ExpertStats(c.Request.Context(), e.ExpertID)
		if err != nil {
			s.logger.Warn("Expert stats failed", "expert_id", e.ExpertID, "error", err)
		}
		out = append(out, expertEntry{
			ExpertID:        e.ExpertID,
			DisplayName:     e.DisplayName,
			ChannelUsername: e.ChannelUsername,
			Stats:           stats,
		})
	}
	c.JSON(http.StatusOK, out)
}

// getPostHandler serves GET /api/v1/posts/:post_id. The expert_id query
// parameter is mandatory — posts are never addressable across experts.
// With translate=true and an English query, the post text is translated
// on demand through the gateway.
func (s *Server) getPostHandler(c *gin.Context) {
	postID, err := strconv.ParseInt(c.Param("post_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "bad post id"})
		return
	}
	expertID := c.Query("expert_id")
	if expertID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": "expert_id is required"})
		return
	}

	post, err := s.store.GetPost(c.Request.Context(), expertID, postID)
	if err != nil {
		s.logger.Error("Post lookup failed", "post_id", postID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	if post == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	comments, err := s.store.CommentsForPost(c.Request.Context(), expertID, postID)
	if err != nil {
		s.logger.Warn("Comment lookup failed", "post_id", postID, "error", err)
	}

	out := gin.H{"post": post, "comments": comments}

	translate, _ := strconv.ParseBool(c.Query("translate"))
	if translate && llm.DetectLanguage(c.Query("query")) == models.LanguageEnglish {
		if translated := s.translatePost(c, post.MessageText); translated != "" {
			out["translation"] = translated
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) translatePost(c *gin.Context, text string) string {
	resp, err := s.llm.Complete(c.Request.Context(), s.cfg.Models.Analysis, llm.Request{
		System:      "Translate the following channel post to English. Preserve markdown. Output only the translation.",
		User:        text,
		Temperature: 0.2,
	})
	if err != nil {
		s.logger.Warn("On-demand translation failed", "error", err)
		return ""
	}
	return resp.Text
}

// clientLogEntry is one event from the UI's log batch.
type clientLogEntry struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Timestamp string         `json:"timestamp,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// logBatchHandler serves POST /api/v1/log-batch: client-side log events
// are replayed into the server log for debugging UI sessions.
func (s *Server) logBatchHandler(c *gin.Context) {
	var batch struct {
		Events []clientLogEntry `json:"events" binding:"required"`
	}
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input"})
		return
	}

	for _, entry := range batch.Events {
		attrs := []any{"source", "client", "client_ts", entry.Timestamp}
		for k, v := range entry.Context {
			attrs = append(attrs, "ctx_"+k, v)
		}
		switch entry.Level {
		case "error":
			s.logger.Error(entry.Message, attrs...)
		case "warn":
			s.logger.Warn(entry.Message, attrs...)
		default:
			s.logger.Info(entry.Message, attrs...)
		}
	}
	c.JSON(http.StatusAccepted, gin.H{
		"accepted":  len(batch.Events),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
