// Package models defines the domain and runtime types shared across the
// query pipeline, the store, and the API layer.
package models

import "time"

// Relevance labels a post's relationship to the current query.
type Relevance string

const (
	RelevanceHigh   Relevance = "HIGH"
	RelevanceMedium Relevance = "MEDIUM"
	RelevanceLow    Relevance = "LOW"
	// RelevanceContext marks posts pulled in by link expansion rather than
	// by the ranking phase itself.
	RelevanceContext Relevance = "CONTEXT"
)

// LinkType is the kind of directed relation between two posts.
type LinkType string

const (
	LinkReply   LinkType = "reply"
	LinkForward LinkType = "forward"
	LinkMention LinkType = "mention"
)

// Expert is a tracked channel corpus. ExpertID is the top-level isolation
// boundary: every post, comment, and drift row carries it.
type Expert struct {
	ExpertID        string `json:"expert_id"`
	DisplayName     string `json:"display_name"`
	ChannelUsername string `json:"channel_username"`
}

// ExpertStats holds corpus counters for the experts listing.
type ExpertStats struct {
	PostsCount    int `json:"posts_count"`
	CommentsCount int `json:"comments_count"`
}

// Post is one channel message, the atomic unit of retrieval.
// (TelegramMessageID, ChannelID) is unique per channel but not globally.
type Post struct {
	PostID            int64     `json:"post_id"`
	ExpertID          string    `json:"expert_id"`
	ChannelID         int64     `json:"channel_id"`
	TelegramMessageID int64     `json:"telegram_message_id"`
	ChannelUsername   string    `json:"channel_username"`
	AuthorName        string    `json:"author_name"`
	CreatedAt         time.Time `json:"created_at"`
	MessageText       string    `json:"message_text"`
}

// Comment is a user reply attached to exactly one post.
// (TelegramCommentID, PostID) is unique; the raw numeric id may repeat
// across channels.
type Comment struct {
	CommentID         int64     `json:"comment_id"`
	PostID            int64     `json:"post_id"`
	TelegramCommentID int64     `json:"telegram_comment_id"`
	AuthorName        string    `json:"author_name"`
	CreatedAt         time.Time `json:"created_at"`
	Text              string    `json:"text"`
}

// RankedPost is a post with the relevance label assigned by the ranking
// phases. Score is only populated for MEDIUM posts that went through
// numeric scoring.
type RankedPost struct {
	Post
	Relevance Relevance `json:"relevance"`
	Reason    string    `json:"reason,omitempty"`
	Score     float64   `json:"score,omitempty"`
}

// DriftTopic is one pre-computed thematic summary of a comment group.
type DriftTopic struct {
	Topic      string   `json:"topic"`
	Keywords   []string `json:"keywords"`
	KeyPhrases []string `json:"key_phrases"`
	Context    string   `json:"context"`
}

// DriftGroup is the stored drift analysis for one comment group, joined
// with its anchor post. AnalyzedBy == "pending" means the offline analyzer
// has not processed the group yet; such rows never reach the pipeline.
type DriftGroup struct {
	PostID     int64        `json:"post_id"`
	ExpertID   string       `json:"expert_id"`
	HasDrift   bool         `json:"has_drift"`
	Topics     []DriftTopic `json:"drift_topics"`
	AnalyzedBy string       `json:"analyzed_by"`
	Anchor     Post         `json:"anchor"`
}
