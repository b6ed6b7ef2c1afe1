package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shao3d/experts-panel/pkg/config"
	"github.com/shao3d/experts-panel/pkg/llm"
	"github.com/shao3d/experts-panel/pkg/models"
	"github.com/shao3d/experts-panel/pkg/progress"
)

// fakeStore serves a fixed corpus across several experts.
type fakeStore struct {
	experts []models.Expert
	posts   map[string][]models.Post // expert_id → posts
}

func (s *fakeStore) ExpertsWithPosts(_ context.Context, _ *time.Time) ([]models.Expert, error) {
	return s.experts, nil
}

func (s *fakeStore) PostsForExpert(_ context.Context, expertID string, _ *time.Time) ([]models.Post, error) {
	return s.posts[expertID], nil
}

func (s *fakeStore) ExpandLinks(context.Context, string, []int64, int, *time.Time) ([]models.Post, error) {
	return nil, nil
}

func (s *fakeStore) DriftGroupsForExpert(context.Context, string, []int64, *time.Time) ([]models.DriftGroup, error) {
	return nil, nil
}

// scriptedGateway answers the pipeline's calls generically, failing for
// experts whose posts carry the poison marker.
type scriptedGateway struct {
	delay time.Duration

	mu        sync.Mutex
	inFlight  int
	maxSeen   int
}

func (g *scriptedGateway) track() func() {
	g.mu.Lock()
	g.inFlight++
	if g.inFlight > g.maxSeen {
		g.maxSeen = g.inFlight
	}
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}
}

func (g *scriptedGateway) Complete(ctx context.Context, _ string, req llm.Request) (*llm.Response, error) {
	done := g.track()
	defer done()
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if strings.Contains(req.User, "POISON") {
		return nil, errors.New("scripted failure")
	}

	switch {
	case strings.Contains(req.System, "rank channel posts"):
		// Mark the single post of the chunk as HIGH. Test posts carry
		// their telegram id in the text as id=N.
		id := extractID(req.User)
		return &llm.Response{Text: fmt.Sprintf(
			`{"relevant_posts": [{"telegram_message_id": %d, "relevance": "HIGH", "reason": "r"}], "chunk_summary": "s"}`, id)}, nil
	case strings.Contains(req.System, "expert analyst"):
		id := extractID(req.User)
		return &llm.Response{Text: fmt.Sprintf(
			`{"answer": "ответ эксперта [post:%d]", "main_sources": [%d], "confidence": "HIGH", "has_expert_comments": false, "language": "ru"}`, id, id)}, nil
	default:
		return &llm.Response{Text: "{}"}, nil
	}
}

func (g *scriptedGateway) CompleteJSON(ctx context.Context, model string, req llm.Request, out any) error {
	resp, err := g.Complete(ctx, model, req)
	if err != nil {
		return err
	}
	return llm.DecodeJSON(resp.Text, out)
}

func extractID(prompt string) int64 {
	var id int64
	if i := strings.Index(prompt, "id="); i >= 0 {
		_, _ = fmt.Sscanf(prompt[i:], "id=%d", &id)
	}
	return id
}

type fakeReddit struct {
	err  error
	resp *models.RedditResponse
}

func (r *fakeReddit) Search(context.Context, string, int) (*models.RedditResponse, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.resp, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Models: config.ModelConfig{
			Map: "t/m", Analysis: "t/a", Synthesis: "t/s", DriftAnalysis: "t/d", MediumScoring: "t/ms",
		},
		MapChunkSize:           100,
		MapMaxParallel:         4,
		MediumScoreThreshold:   0.7,
		MediumMaxSelectedPosts: 5,
		QueryDeadline:          10 * time.Second,
		RecentWindow:           90 * 24 * time.Hour,
	}
}

func corpus(experts ...string) *fakeStore {
	s := &fakeStore{posts: make(map[string][]models.Post)}
	for i, id := range experts {
		s.experts = append(s.experts, models.Expert{ExpertID: id, DisplayName: id})
		msgID := int64(100 + i)
		s.posts[id] = []models.Post{{
			PostID:            msgID,
			ExpertID:          id,
			ChannelID:         int64(i + 1),
			TelegramMessageID: msgID,
			CreatedAt:         time.Now().Add(-time.Hour),
			MessageText:       fmt.Sprintf("пост id=%d про тему", msgID),
		}}
	}
	return s
}

func collectEvents(bus *progress.Bus) []progress.Event {
	var events []progress.Event
	for evt := range bus.Events() {
		events = append(events, evt)
	}
	return events
}

func TestRunMultiExpertParallel(t *testing.T) {
	store := corpus("e1", "e2", "e3")
	gw := &scriptedGateway{delay: 50 * time.Millisecond}
	orch := New(store, gw, testConfig(), nil)
	bus := progress.NewBus(1000)

	start := time.Now()
	resp, err := orch.Run(context.Background(), models.QueryRequest{Query: "что такое embeddings?"}, "req-1", bus)
	elapsed := time.Since(start)
	bus.Close()

	require.NoError(t, err)
	require.Len(t, resp.ExpertResponses, 3)
	assert.Nil(t, resp.RedditResponse)
	assert.Equal(t, "req-1", resp.RequestID)

	ids := make(map[string]bool)
	for _, er := range resp.ExpertResponses {
		ids[er.ExpertID] = true
		assert.NotEmpty(t, er.Answer)
		assert.NotEmpty(t, er.MainSources)
	}
	assert.Len(t, ids, 3)

	// Each expert performs two delayed LLM calls (map + reduce). Serial
	// execution would need ≥ 6 × delay; parallel stays well under.
	assert.Less(t, elapsed, 250*time.Millisecond, "expert pipelines must run concurrently")
	assert.GreaterOrEqual(t, gw.maxSeen, 2, "concurrent LLM calls expected")
}

func TestRunPartialExpertFailure(t *testing.T) {
	store := corpus("e1", "e2", "e3")
	// Poison e2's corpus so its pipeline fails while the others succeed.
	store.posts["e2"][0].MessageText = "POISON id=101"

	gw := &scriptedGateway{}
	orch := New(store, gw, testConfig(), nil)
	bus := progress.NewBus(1000)

	resp, err := orch.Run(context.Background(), models.QueryRequest{Query: "вопрос"}, "req-2", bus)
	bus.Close()

	require.NoError(t, err)
	require.Len(t, resp.ExpertResponses, 2)
	for _, er := range resp.ExpertResponses {
		assert.NotEqual(t, "e2", er.ExpertID)
	}

	var expertErrors []progress.Event
	for _, evt := range collectEvents(bus) {
		if evt.EventType == progress.EventExpertError {
			expertErrors = append(expertErrors, evt)
		}
	}
	require.Len(t, expertErrors, 1)
	assert.Equal(t, "e2", expertErrors[0].ExpertID)
}

func TestRunAllExpertsFail(t *testing.T) {
	store := corpus("e1")
	store.posts["e1"][0].MessageText = "POISON id=100"

	orch := New(store, &scriptedGateway{}, testConfig(), nil)
	bus := progress.NewBus(1000)
	defer bus.Close()

	_, err := orch.Run(context.Background(), models.QueryRequest{Query: "вопрос"}, "req-3", bus)
	require.Error(t, err)

	var qerr *QueryError
	require.ErrorAs(t, err, &qerr)
	assert.NotEmpty(t, qerr.UserMessage)
}

func TestRunNoExpertsAvailable(t *testing.T) {
	store := &fakeStore{} // nobody has posts

	orch := New(store, &scriptedGateway{}, testConfig(), nil)
	bus := progress.NewBus(1000)
	defer bus.Close()

	_, err := orch.Run(context.Background(), models.QueryRequest{Query: "вопрос"}, "req-4", bus)
	var qerr *QueryError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, ErrNoExpertsAvailable, qerr.Type)
	assert.Equal(t, "service temporarily unavailable", qerr.UserMessage)
}

func TestRunExpertFilter(t *testing.T) {
	store := corpus("e1", "e2", "e3")
	orch := New(store, &scriptedGateway{}, testConfig(), nil)
	bus := progress.NewBus(1000)
	defer bus.Close()

	resp, err := orch.Run(context.Background(), models.QueryRequest{
		Query:        "вопрос",
		ExpertFilter: []string{"e2", "unknown"},
	}, "req-5", bus)
	require.NoError(t, err)
	require.Len(t, resp.ExpertResponses, 1)
	assert.Equal(t, "e2", resp.ExpertResponses[0].ExpertID)
}

func TestRunRedditFailureIsSilent(t *testing.T) {
	store := corpus("e1")
	orch := New(store, &scriptedGateway{}, testConfig(), &fakeReddit{err: errors.New("connection refused")})
	bus := progress.NewBus(1000)

	resp, err := orch.Run(context.Background(), models.QueryRequest{Query: "вопрос"}, "req-6", bus)
	bus.Close()

	require.NoError(t, err)
	assert.Nil(t, resp.RedditResponse)
	require.Len(t, resp.ExpertResponses, 1)

	// The failure surfaces as a non-terminal error event, never as a
	// request failure.
	var sawRedditError bool
	for _, evt := range collectEvents(bus) {
		if evt.EventType == progress.EventError && evt.Phase == "reddit" {
			sawRedditError = true
		}
	}
	assert.True(t, sawRedditError)
}

func TestRunRedditSuccessAttached(t *testing.T) {
	store := corpus("e1")
	reddit := &fakeReddit{resp: &models.RedditResponse{
		Markdown: "### 1. Thread", FoundCount: 1, Query: "вопрос",
	}}
	orch := New(store, &scriptedGateway{}, testConfig(), reddit)
	bus := progress.NewBus(1000)
	defer bus.Close()

	resp, err := orch.Run(context.Background(), models.QueryRequest{Query: "вопрос"}, "req-7", bus)
	require.NoError(t, err)
	require.NotNil(t, resp.RedditResponse)
	assert.Equal(t, 1, resp.RedditResponse.FoundCount)
}

func TestRunRedditDisabledByRequest(t *testing.T) {
	store := corpus("e1")
	reddit := &fakeReddit{resp: &models.RedditResponse{FoundCount: 1}}
	orch := New(store, &scriptedGateway{}, testConfig(), reddit)
	bus := progress.NewBus(1000)
	defer bus.Close()

	off := false
	resp, err := orch.Run(context.Background(), models.QueryRequest{
		Query:         "вопрос",
		IncludeReddit: &off,
	}, "req-8", bus)
	require.NoError(t, err)
	assert.Nil(t, resp.RedditResponse)
}

func TestRunUseRecentOnlyCutoff(t *testing.T) {
	store := corpus("e1")
	orch := New(store, &scriptedGateway{}, testConfig(), nil)
	bus := progress.NewBus(1000)
	defer bus.Close()

	// The fake store ignores the cutoff; this exercises the wiring and
	// the response shape under use_recent_only.
	resp, err := orch.Run(context.Background(), models.QueryRequest{
		Query:         "вопрос",
		UseRecentOnly: true,
	}, "req-9", bus)
	require.NoError(t, err)
	require.Len(t, resp.ExpertResponses, 1)
}
