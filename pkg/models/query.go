package models

// QueryRequest is the validated body of POST /api/v1/query.
// Boolean options that default to true are pointers so that "absent" and
// "explicitly false" can be told apart at bind time.
type QueryRequest struct {
	Query                string   `json:"query" binding:"required,min=3,max=1000"`
	ExpertFilter         []string `json:"expert_filter,omitempty"`
	IncludeCommentGroups bool     `json:"include_comment_groups,omitempty"`
	IncludeReddit        *bool    `json:"include_reddit,omitempty"`
	UseRecentOnly        bool     `json:"use_recent_only,omitempty"`
	StreamProgress       *bool    `json:"stream_progress,omitempty"`
	MaxPosts             int      `json:"max_posts,omitempty" binding:"omitempty,min=1"`
}

// RedditEnabled reports the effective include_reddit value (default true).
func (r *QueryRequest) RedditEnabled() bool {
	return r.IncludeReddit == nil || *r.IncludeReddit
}

// Streaming reports the effective stream_progress value (default true).
func (r *QueryRequest) Streaming() bool {
	return r.StreamProgress == nil || *r.StreamProgress
}

// Confidence is the model-declared confidence of a synthesized answer.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// Language is the detected or enforced response language.
type Language string

const (
	LanguageRussian Language = "ru"
	LanguageEnglish Language = "en"
)

// CommentGroupResult is one drift group that survived comment-group mapping.
type CommentGroupResult struct {
	PostID            int64        `json:"post_id"`
	TelegramMessageID int64        `json:"telegram_message_id"`
	Relevance         Relevance    `json:"relevance"`
	Reason            string       `json:"reason,omitempty"`
	Topics            []DriftTopic `json:"drift_topics"`
}

// ExpertResponse is the per-expert pipeline output. Answer text carries
// inline [post:ID] citations; MainSources lists the telegram message ids
// the model leaned on most.
type ExpertResponse struct {
	ExpertID         string               `json:"expert_id"`
	ExpertName       string               `json:"expert_name"`
	Answer           string               `json:"answer"`
	MainSources      []int64              `json:"main_sources"`
	Confidence       Confidence           `json:"confidence"`
	Language         Language             `json:"language"`
	PostsAnalyzed    int                  `json:"posts_analyzed"`
	ProcessingTimeMS int64                `json:"processing_time_ms"`
	CommentGroups    []CommentGroupResult `json:"comment_groups,omitempty"`
	CommentSynthesis string               `json:"comment_synthesis,omitempty"`
}

// RedditSource is one community post referenced in the Reddit digest.
type RedditSource struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Score         int    `json:"score"`
	CommentsCount int    `json:"commentsCount"`
	Subreddit     string `json:"subreddit"`
}

// RedditResponse is the sidecar's aggregated community digest.
type RedditResponse struct {
	Markdown         string         `json:"markdown"`
	FoundCount       int            `json:"foundCount"`
	Sources          []RedditSource `json:"sources"`
	Query            string         `json:"query"`
	ProcessingTimeMS int64          `json:"processingTimeMs"`
}

// MultiExpertResponse is the terminal payload of one query: every expert
// that succeeded, the optional Reddit digest, and timing.
type MultiExpertResponse struct {
	ExpertResponses       []ExpertResponse `json:"expert_responses"`
	RedditResponse        *RedditResponse  `json:"reddit_response"`
	TotalProcessingTimeMS int64            `json:"total_processing_time_ms"`
	RequestID             string           `json:"request_id"`
}
