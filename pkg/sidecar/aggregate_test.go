package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecutor records tool calls and serves scripted responses.
type fakeExecutor struct {
	mu        sync.Mutex
	calls     []string // tool names in call order
	argsSeen  []map[string]any
	responses map[string]json.RawMessage
	errors    map[string]error
}

func (f *fakeExecutor) ExecuteTool(_ context.Context, name string, args map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.argsSeen = append(f.argsSeen, args)
	f.mu.Unlock()

	if err, ok := f.errors[name]; ok {
		return nil, err
	}
	if resp, ok := f.responses[name]; ok {
		return resp, nil
	}
	return nil, fmt.Errorf("no scripted response for %s", name)
}

func (f *fakeExecutor) callsFor(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func searchResults(posts ...redditPost) json.RawMessage {
	raw, _ := json.Marshal(searchResponse{Results: posts, TotalResults: len(posts)})
	return raw
}

func browseResults(posts ...redditPost) json.RawMessage {
	raw, _ := json.Marshal(browseResponse{Posts: posts, TotalPosts: len(posts)})
	return raw
}

func TestSearchFiltersAndRanks(t *testing.T) {
	exec := &fakeExecutor{
		responses: map[string]json.RawMessage{
			"search_reddit": searchResults(
				redditPost{Title: "low signal", Score: 2, NumComments: 100, Subreddit: "golang", URL: "https://reddit.com/a"},
				redditPost{Title: "high score", Score: 50, NumComments: 5, Subreddit: "golang", URL: "https://reddit.com/b"},
				redditPost{Title: "high engagement", Score: 10, NumComments: 40, Subreddit: "golang", URL: "https://reddit.com/c"},
			),
			"get_post_details": json.RawMessage(`{}`),
		},
	}
	agg := NewAggregator(exec)

	resp, err := agg.Search(context.Background(), SearchParams{Query: "test"})
	require.NoError(t, err)

	// score < 5 dropped; sorted by score + 2×comments.
	require.Len(t, resp.Sources, 2)
	assert.Equal(t, "high engagement", resp.Sources[0].Title) // 10 + 80 = 90
	assert.Equal(t, "high score", resp.Sources[1].Title)      // 50 + 10 = 60
	assert.Equal(t, 2, resp.FoundCount)
}

func TestSearchHonorsLimit(t *testing.T) {
	var posts []redditPost
	for i := 0; i < 20; i++ {
		posts = append(posts, redditPost{
			Title: fmt.Sprintf("post %d", i), Score: 10 + i, Subreddit: "golang",
			URL: fmt.Sprintf("https://reddit.com/%d", i),
		})
	}
	exec := &fakeExecutor{
		responses: map[string]json.RawMessage{
			"search_reddit":    searchResults(posts...),
			"get_post_details": json.RawMessage(`{}`),
		},
	}
	agg := NewAggregator(exec)

	resp, err := agg.Search(context.Background(), SearchParams{Query: "test", Limit: 3})
	require.NoError(t, err)
	assert.Len(t, resp.Sources, 3)
}

func TestBrowseSubredditDegradesRelevanceSort(t *testing.T) {
	exec := &fakeExecutor{
		responses: map[string]json.RawMessage{
			"browse_subreddit": browseResults(
				redditPost{Title: "from sub", Score: 30, Subreddit: "golang", Permalink: "/r/golang/x"},
			),
			"get_post_details": json.RawMessage(`{}`),
		},
	}
	agg := NewAggregator(exec)

	resp, err := agg.Search(context.Background(), SearchParams{
		Query:      "test",
		Subreddits: []string{"golang"},
		Sort:       "relevance",
	})
	require.NoError(t, err)
	require.Len(t, resp.Sources, 1)

	// browse_subreddit was used, not search_reddit, and relevance became hot.
	assert.Equal(t, 0, exec.callsFor("search_reddit"))
	require.GreaterOrEqual(t, exec.callsFor("browse_subreddit"), 1)
	assert.Equal(t, "hot", exec.argsSeen[0]["sort"])
}

func TestEnrichmentFailureKeepsOriginal(t *testing.T) {
	exec := &fakeExecutor{
		responses: map[string]json.RawMessage{
			"search_reddit": searchResults(
				redditPost{Title: "survivor", Score: 20, Subreddit: "golang", URL: "https://reddit.com/s", Selftext: "original body"},
			),
		},
		errors: map[string]error{
			"get_post_details": errors.New("detail fetch broke"),
		},
	}
	agg := NewAggregator(exec)

	resp, err := agg.Search(context.Background(), SearchParams{Query: "test"})
	require.NoError(t, err)
	require.Len(t, resp.Sources, 1)
	assert.Contains(t, resp.Markdown, "original body")
}

func TestMarkdownRendering(t *testing.T) {
	exec := &fakeExecutor{
		responses: map[string]json.RawMessage{
			"search_reddit": searchResults(
				redditPost{
					Title: "Absolute URL", Score: 42, NumComments: 7,
					Subreddit: "golang", URL: "https://example.com/thread",
				},
				redditPost{
					Title: "Relative permalink", Score: 9, NumComments: 1,
					Subreddit: "rust", Permalink: "/r/rust/comments/abc",
				},
			),
			"get_post_details": json.RawMessage(`{}`),
		},
	}
	agg := NewAggregator(exec)

	resp, err := agg.Search(context.Background(), SearchParams{Query: "urls"})
	require.NoError(t, err)

	assert.Contains(t, resp.Markdown, "### 1. Absolute URL")
	assert.Contains(t, resp.Markdown, "### 2. Relative permalink")
	assert.Contains(t, resp.Markdown, "r/golang · 42 points · 7 comments")
	assert.Contains(t, resp.Markdown, "[Read on Reddit](https://example.com/thread)")
	assert.Contains(t, resp.Markdown, "[Read on Reddit](https://reddit.com/r/rust/comments/abc)")
}

func TestMarkdownBodyTruncated(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "0123456789"
	}
	exec := &fakeExecutor{
		responses: map[string]json.RawMessage{
			"search_reddit": searchResults(
				redditPost{Title: "long body", Score: 10, Subreddit: "golang", URL: "https://reddit.com/x", Selftext: long},
			),
			"get_post_details": json.RawMessage(`{}`),
		},
	}
	agg := NewAggregator(exec)

	resp, err := agg.Search(context.Background(), SearchParams{Query: "long"})
	require.NoError(t, err)
	assert.NotContains(t, resp.Markdown, long)
	assert.Contains(t, resp.Markdown, "…")
}

func TestSanitizationAppliedToFields(t *testing.T) {
	exec := &fakeExecutor{
		responses: map[string]json.RawMessage{
			"search_reddit": searchResults(
				redditPost{Title: "z̀álgo title", Score: 10, Subreddit: "golang", URL: "https://reddit.com/z",
					Selftext: "body    with     runs"},
			),
			"get_post_details": json.RawMessage(`{}`),
		},
	}
	agg := NewAggregator(exec)

	resp, err := agg.Search(context.Background(), SearchParams{Query: "zalgo"})
	require.NoError(t, err)
	assert.Contains(t, resp.Markdown, "zalgo title")
	assert.Contains(t, resp.Markdown, "body with runs")
}

func TestSearchToolFailureSurfaces(t *testing.T) {
	exec := &fakeExecutor{
		errors: map[string]error{"search_reddit": ErrToolTimeout},
	}
	agg := NewAggregator(exec)

	_, err := agg.Search(context.Background(), SearchParams{Query: "boom"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolTimeout)
}

func TestEmptyResultsMarkdown(t *testing.T) {
	exec := &fakeExecutor{
		responses: map[string]json.RawMessage{"search_reddit": searchResults()},
	}
	agg := NewAggregator(exec)

	resp, err := agg.Search(context.Background(), SearchParams{Query: "nothing"})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.FoundCount)
	assert.Contains(t, resp.Markdown, "No relevant Reddit discussions")
}
