// Package orchestrator owns one query request: it resolves the expert
// set, fans out one pipeline per expert plus an optional Reddit branch,
// accounts for partial failures, and assembles the terminal response.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shao3d/experts-panel/pkg/config"
	"github.com/shao3d/experts-panel/pkg/llm"
	"github.com/shao3d/experts-panel/pkg/models"
	"github.com/shao3d/experts-panel/pkg/pipeline"
	"github.com/shao3d/experts-panel/pkg/progress"
)

// Store extends the pipeline's read surface with expert resolution.
type Store interface {
	pipeline.Store
	ExpertsWithPosts(ctx context.Context, since *time.Time) ([]models.Expert, error)
}

// RedditClient fetches community insights from the sidecar. Implemented
// by pkg/reddit; nil when the proxy is not configured.
type RedditClient interface {
	Search(ctx context.Context, query string, limit int) (*models.RedditResponse, error)
}

// Orchestrator is single-use per request: create one, call Run once.
type Orchestrator struct {
	store  Store
	llm    pipeline.Gateway
	cfg    *config.Config
	reddit RedditClient
	logger *slog.Logger
}

// New creates an orchestrator. reddit may be nil.
func New(st Store, gw pipeline.Gateway, cfg *config.Config, reddit RedditClient) *Orchestrator {
	return &Orchestrator{
		store:  st,
		llm:    gw,
		cfg:    cfg,
		reddit: reddit,
		logger: slog.Default(),
	}
}

// Run executes the full fan-out and returns the assembled response.
// Progress flows through bus for the duration of the call; the terminal
// payload is the return value, not a bus event — the API layer decides
// how to deliver it. A failing expert never cancels its peers; Run fails
// outright only when the deadline is hit, the request is cancelled, or
// zero experts produce a response.
func (o *Orchestrator) Run(ctx context.Context, req models.QueryRequest, requestID string, bus *progress.Bus) (*models.MultiExpertResponse, error) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.QueryDeadline)
	defer cancel()

	var since *time.Time
	if req.UseRecentOnly {
		cutoff := time.Now().Add(-o.cfg.RecentWindow)
		since = &cutoff
	}

	experts, err := o.resolveExperts(ctx, req, since)
	if err != nil {
		return nil, err
	}
	if len(experts) == 0 {
		return nil, NewQueryError(ErrNoExpertsAvailable, errors.New("no experts match the request"))
	}

	language := llm.DetectLanguage(req.Query)
	o.logger.Info("Query accepted",
		"request_id", requestID, "experts", len(experts),
		"language", language, "include_reddit", req.RedditEnabled(),
		"use_recent_only", req.UseRecentOnly)

	var (
		mu        sync.Mutex
		responses []models.ExpertResponse // completion order
		firstFail *QueryError
		wg        sync.WaitGroup
	)

	for _, expert := range experts {
		wg.Add(1)
		go func(expert models.Expert) {
			defer wg.Done()
			resp, err := o.runExpert(ctx, req, expert, language, since, bus)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				qerr := classifyPipelineError(err)
				if firstFail == nil {
					firstFail = qerr
				}
				o.logger.Warn("Expert pipeline failed",
					"request_id", requestID, "expert_id", expert.ExpertID,
					"type", qerr.Type, "error", err)
				bus.Publish(progress.NewEvent(progress.EventExpertError, "", string(qerr.Type),
					qerr.UserMessage).WithExpert(expert.ExpertID))
				return
			}
			responses = append(responses, *resp)
		}(expert)
	}

	var (
		redditResp *models.RedditResponse
		redditWG   sync.WaitGroup
	)
	if req.RedditEnabled() && o.reddit != nil {
		redditWG.Add(1)
		go func() {
			defer redditWG.Done()
			redditResp = o.runReddit(ctx, req.Query, requestID, bus)
		}()
	}

	wg.Wait()
	redditWG.Wait()

	if ctx.Err() == context.DeadlineExceeded && len(responses) == 0 {
		return nil, NewQueryError(ErrDeadline, ctx.Err())
	}
	if len(responses) == 0 {
		if firstFail != nil {
			return nil, firstFail
		}
		return nil, NewQueryError(ErrNoExpertsAvailable, errors.New("no expert produced a response"))
	}

	return &models.MultiExpertResponse{
		ExpertResponses:       responses,
		RedditResponse:        redditResp,
		TotalProcessingTimeMS: time.Since(started).Milliseconds(),
		RequestID:             requestID,
	}, nil
}

// resolveExperts intersects the request's expert filter with the experts
// that actually have posts in range.
func (o *Orchestrator) resolveExperts(ctx context.Context, req models.QueryRequest, since *time.Time) ([]models.Expert, error) {
	experts, err := o.store.ExpertsWithPosts(ctx, since)
	if err != nil {
		return nil, NewQueryError(ErrInternal, err)
	}
	if len(req.ExpertFilter) == 0 {
		return experts, nil
	}
	wanted := make(map[string]bool, len(req.ExpertFilter))
	for _, id := range req.ExpertFilter {
		wanted[id] = true
	}
	var filtered []models.Expert
	for _, e := range experts {
		if wanted[e.ExpertID] {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

func (o *Orchestrator) runExpert(ctx context.Context, req models.QueryRequest, expert models.Expert, language models.Language, since *time.Time, bus *progress.Bus) (*models.ExpertResponse, error) {
	p := pipeline.New(o.store, o.llm, o.cfg, bus)
	return p.Run(ctx, pipeline.Params{
		Expert:               expert,
		Query:                req.Query,
		Language:             language,
		IncludeCommentGroups: req.IncludeCommentGroups,
		Since:                since,
		MaxPosts:             req.MaxPosts,
	})
}

// runReddit fetches community insights. Any failure is reported as a
// non-terminal error event and the branch yields nil — the answer
// proceeds without Reddit.
func (o *Orchestrator) runReddit(ctx context.Context, query, requestID string, bus *progress.Bus) *models.RedditResponse {
	bus.Publish(progress.NewEvent(progress.EventPhaseStart, "reddit", "running", "searching community discussions"))
	resp, err := o.reddit.Search(ctx, query, 10)
	if err != nil {
		o.logger.Warn("Reddit branch failed, proceeding without community insights",
			"request_id", requestID, "error", err)
		bus.Publish(progress.NewEvent(progress.EventError, "reddit", "failed",
			"community insights unavailable"))
		return nil
	}
	bus.Publish(progress.NewEvent(progress.EventPhaseComplete, "reddit", "done", "").
		WithData(map[string]any{"found": resp.FoundCount}))
	return resp
}
