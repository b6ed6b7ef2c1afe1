package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shao3d/experts-panel/pkg/models"
	"github.com/shao3d/experts-panel/pkg/sanitize"
)

// Aggregation tuning.
const (
	minPostScore     = 5   // posts below this score are noise
	detailEnrichTop  = 5   // how many top posts get comment enrichment
	detailCommentCap = 50  // comment_limit for get_post_details
	detailDepth      = 3   // comment tree depth
	bodyRenderCap    = 500 // max body chars in the markdown digest
)

// ToolExecutor is the watchdog surface the aggregator needs.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// SearchParams is the normalized POST /search request.
type SearchParams struct {
	Query      string   `json:"query" binding:"required,min=1,max=500"`
	Limit      int      `json:"limit,omitempty" binding:"omitempty,min=1,max=25"`
	Subreddits []string `json:"subreddits,omitempty"`
	Sort       string   `json:"sort,omitempty" binding:"omitempty,oneof=relevance hot new top"`
	Time       string   `json:"time,omitempty" binding:"omitempty,oneof=hour day week month year all"`
}

// applyDefaults fills unset fields with their documented defaults.
func (p *SearchParams) applyDefaults() {
	if p.Limit == 0 {
		p.Limit = 10
	}
	if p.Sort == "" {
		p.Sort = "relevance"
	}
	if p.Time == "" {
		p.Time = "all"
	}
}

// CacheKey is the normalized request identity used by the LRU.
func (p *SearchParams) CacheKey() string {
	return strings.Join([]string{
		strings.ToLower(strings.TrimSpace(p.Query)),
		fmt.Sprint(p.Limit),
		strings.ToLower(strings.Join(p.Subreddits, "+")),
		p.Sort,
		p.Time,
	}, "|")
}

// redditPost is the unified record both tool response shapes map onto.
type redditPost struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Permalink   string `json:"permalink"`
	Selftext    string `json:"selftext"`
	Subreddit   string `json:"subreddit"`
	Score       int    `json:"score"`
	NumComments int    `json:"num_comments"`

	Comments []redditComment `json:"comments,omitempty"`
}

type redditComment struct {
	Author string `json:"author"`
	Body   string `json:"body"`
	Score  int    `json:"score"`
}

// browseResponse is the browse_subreddit tool shape.
type browseResponse struct {
	Posts      []redditPost `json:"posts"`
	TotalPosts int          `json:"total_posts"`
}

// searchResponse is the search_reddit tool shape.
type searchResponse struct {
	Results      []redditPost `json:"results"`
	TotalResults int          `json:"total_results"`
}

// Aggregator runs the smart search/browse pipeline over the watchdog.
type Aggregator struct {
	exec   ToolExecutor
	logger *slog.Logger
}

// NewAggregator creates an aggregator over the given tool executor.
func NewAggregator(exec ToolExecutor) *Aggregator {
	return &Aggregator{exec: exec, logger: slog.Default()}
}

// Search runs the full aggregation: fetch, normalize, filter, rank,
// enrich, sanitize, render.
func (a *Aggregator) Search(ctx context.Context, params SearchParams) (*models.RedditResponse, error) {
	started := time.Now()
	params.applyDefaults()

	posts, err := a.fetch(ctx, params)
	if err != nil {
		return nil, err
	}

	// Filter out low-signal posts, rank by engagement, keep the top.
	filtered := posts[:0]
	for _, p := range posts {
		if p.Score >= minPostScore {
			filtered = append(filtered, p)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return engagement(filtered[i]) > engagement(filtered[j])
	})
	if len(filtered) > params.Limit {
		filtered = filtered[:params.Limit]
	}

	a.enrichTop(ctx, filtered)

	for i := range filtered {
		sanitizePost(&filtered[i])
	}

	resp := &models.RedditResponse{
		Markdown:   renderMarkdown(filtered),
		FoundCount: len(filtered),
		Query:      params.Query,
	}
	for _, p := range filtered {
		resp.Sources = append(resp.Sources, models.RedditSource{
			Title:         p.Title,
			URL:           canonicalURL(p),
			Score:         p.Score,
			CommentsCount: p.NumComments,
			Subreddit:     p.Subreddit,
		})
	}
	resp.ProcessingTimeMS = time.Since(started).Milliseconds()
	return resp, nil
}

// fetch picks the tool: browse_subreddit when subreddits are pinned
// (its sort vocabulary lacks "relevance", which degrades to "hot"),
// search_reddit otherwise. The two response shapes normalize into one
// record list.
func (a *Aggregator) fetch(ctx context.Context, params SearchParams) ([]redditPost, error) {
	if len(params.Subreddits) > 0 {
		sortArg := params.Sort
		if sortArg == "relevance" {
			sortArg = "hot"
		}
		var all []redditPost
		for _, sub := range params.Subreddits {
			raw, err := a.exec.ExecuteTool(ctx, "browse_subreddit", map[string]any{
				"subreddit": sub,
				"sort":      sortArg,
				"time":      params.Time,
				"limit":     params.Limit,
			})
			if err != nil {
				return nil, fmt.Errorf("browse r/%s: %w", sub, err)
			}
			var br browseResponse
			if err := json.Unmarshal(raw, &br); err != nil {
				return nil, fmt.Errorf("browse r/%s: malformed response: %w", sub, err)
			}
			all = append(all, br.Posts...)
		}
		return all, nil
	}

	raw, err := a.exec.ExecuteTool(ctx, "search_reddit", map[string]any{
		"query": params.Query,
		"sort":  params.Sort,
		"time":  params.Time,
		"limit": params.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("search reddit: %w", err)
	}
	var sr searchResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, fmt.Errorf("search reddit: malformed response: %w", err)
	}
	return sr.Results, nil
}

// enrichTop fetches comment details for the leading posts in parallel.
// Enrichment failures leave the original record untouched.
//
// The watchdog serializes the underlying tool calls; the parallelism here
// overlaps the queue wait, it does not defeat the single-flight invariant.
func (a *Aggregator) enrichTop(ctx context.Context, posts []redditPost) {
	n := len(posts)
	if n > detailEnrichTop {
		n = detailEnrichTop
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := a.exec.ExecuteTool(ctx, "get_post_details", map[string]any{
				"url":           canonicalURL(posts[i]),
				"comment_limit": detailCommentCap,
				"depth":         detailDepth,
			})
			if err != nil {
				a.logger.Warn("Post enrichment failed", "url", canonicalURL(posts[i]), "error", err)
				return
			}
			var detailed redditPost
			if err := json.Unmarshal(raw, &detailed); err != nil {
				a.logger.Warn("Post enrichment returned malformed detail", "error", err)
				return
			}
			if len(detailed.Comments) > 0 {
				posts[i].Comments = detailed.Comments
			}
			if detailed.Selftext != "" && posts[i].Selftext == "" {
				posts[i].Selftext = detailed.Selftext
			}
		}(i)
	}
	wg.Wait()
}

func engagement(p redditPost) int {
	return p.Score + 2*p.NumComments
}

// sanitizePost cleans every textual field. Fenced code blocks inside
// bodies and comments survive byte-for-byte.
func sanitizePost(p *redditPost) {
	p.Title = sanitize.Clean(p.Title)
	p.Selftext = sanitize.Clean(p.Selftext)
	for i := range p.Comments {
		p.Comments[i].Body = sanitize.Clean(p.Comments[i].Body)
	}
}

// canonicalURL prefers the absolute URL; relative permalinks get the
// reddit.com prefix.
func canonicalURL(p redditPost) string {
	if strings.HasPrefix(p.URL, "http") {
		return p.URL
	}
	if p.Permalink != "" {
		if strings.HasPrefix(p.Permalink, "http") {
			return p.Permalink
		}
		return "https://reddit.com" + p.Permalink
	}
	if p.URL != "" {
		return "https://reddit.com" + p.URL
	}
	return ""
}

// renderMarkdown builds the digest: numbered sections, engagement line,
// truncated body, and a read-more link.
func renderMarkdown(posts []redditPost) string {
	if len(posts) == 0 {
		return "No relevant Reddit discussions found."
	}
	var b strings.Builder
	for i, p := range posts {
		fmt.Fprintf(&b, "### %d. %s\n\n", i+1, p.Title)
		fmt.Fprintf(&b, "r/%s · %d points · %d comments\n\n", p.Subreddit, p.Score, p.NumComments)
		if body := truncateBody(p.Selftext); body != "" {
			b.WriteString(body)
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[Read on Reddit](%s)\n\n", canonicalURL(p))
	}
	return strings.TrimSpace(b.String())
}

func truncateBody(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= bodyRenderCap {
		return s
	}
	cut := s[:bodyRenderCap]
	for len(cut) > 0 && cut[len(cut)-1] >= 0x80 && cut[len(cut)-1] < 0xC0 {
		cut = cut[:len(cut)-1]
	}
	if len(cut) > 0 && cut[len(cut)-1] >= 0xC0 {
		cut = cut[:len(cut)-1]
	}
	return cut + "…"
}
