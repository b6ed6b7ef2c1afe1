// Package pipeline implements the seven-phase per-expert query pipeline:
// Map, Medium Scoring, Resolve, Reduce, Language Validation, Comment-Group
// Map, and Comment Synthesis.
//
// One Pipeline instance handles one expert within one request. Phases are
// strictly ordered; a failed optional phase degrades gracefully while a
// failed Map or Reduce terminates this expert only.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shao3d/experts-panel/pkg/config"
	"github.com/shao3d/experts-panel/pkg/llm"
	"github.com/shao3d/experts-panel/pkg/models"
	"github.com/shao3d/experts-panel/pkg/progress"
)

// Store is the read surface the pipeline needs. Every method is scoped to
// a single expert id; nothing in this package can query across experts.
type Store interface {
	PostsForExpert(ctx context.Context, expertID string, since *time.Time) ([]models.Post, error)
	ExpandLinks(ctx context.Context, expertID string, postIDs []int64, depth int, since *time.Time) ([]models.Post, error)
	DriftGroupsForExpert(ctx context.Context, expertID string, exclude []int64, since *time.Time) ([]models.DriftGroup, error)
}

// Gateway is the LLM call surface used by the phases.
type Gateway interface {
	Complete(ctx context.Context, model string, req llm.Request) (*llm.Response, error)
	CompleteJSON(ctx context.Context, model string, req llm.Request, out any) error
}

// State names for the per-expert state machine.
type State string

const (
	StateInit       State = "INIT"
	StateMap        State = "MAP"
	StateScore      State = "SCORE"
	StateResolve    State = "RESOLVE"
	StateReduce     State = "REDUCE"
	StateValidate   State = "VALIDATE"
	StateCommentMap State = "COMMENT_MAP"
	StateCommentSyn State = "COMMENT_SYNTH"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// Link expansion depth for the Resolve phase.
const resolveDepth = 2

// Params carries the per-request inputs of one expert pipeline run.
type Params struct {
	Expert               models.Expert
	Query                string
	Language             models.Language
	IncludeCommentGroups bool
	// Since is non-nil when use_recent_only is set; every post considered
	// by any phase must satisfy created_at >= *Since.
	Since *time.Time
	// MaxPosts optionally caps the Map input (most recent first). Zero
	// means no cap.
	MaxPosts int
}

// Pipeline runs the phases for one expert.
type Pipeline struct {
	store  Store
	llm    Gateway
	cfg    *config.Config
	bus    *progress.Bus
	logger *slog.Logger

	state State
}

// New creates a pipeline bound to one request's progress bus.
func New(store Store, gw Gateway, cfg *config.Config, bus *progress.Bus) *Pipeline {
	return &Pipeline{
		store:  store,
		llm:    gw,
		cfg:    cfg,
		bus:    bus,
		logger: slog.Default(),
		state:  StateInit,
	}
}

// Run executes all phases and assembles the expert response.
func (p *Pipeline) Run(ctx context.Context, params Params) (*models.ExpertResponse, error) {
	started := time.Now()
	expertID := params.Expert.ExpertID

	// Phase 1 — Map. Fatal on failure.
	p.transition(StateMap)
	p.phaseStart(expertID, "map", "ranking posts")
	mapped, err := p.runMap(ctx, params)
	if err != nil {
		p.transition(StateFailed)
		return nil, fmt.Errorf("map phase: %w", err)
	}
	p.phaseComplete(expertID, "map", map[string]any{
		"posts_total": mapped.totalPosts,
		"high":        len(mapped.high),
		"medium":      len(mapped.medium),
	})

	// Phase 2 — Medium scoring. Degrades to keeping all MEDIUM posts.
	p.transition(StateScore)
	p.phaseStart(expertID, "medium_scoring", "scoring borderline posts")
	selected := p.runScoring(ctx, params, mapped)
	p.phaseComplete(expertID, "medium_scoring", map[string]any{"selected": len(selected)})

	if len(selected) == 0 {
		p.transition(StateFailed)
		return nil, fmt.Errorf("no relevant posts for expert %s", expertID)
	}

	// Phase 3 — Resolve. Store-only link expansion; a failure here keeps
	// the un-enriched set (the answer just loses context posts).
	p.transition(StateResolve)
	p.phaseStart(expertID, "resolve", "expanding linked posts")
	enriched := p.runResolve(ctx, params, selected)
	p.phaseComplete(expertID, "resolve", map[string]any{"posts": len(enriched)})

	// Phase 4 — Reduce. Fatal on failure.
	p.transition(StateReduce)
	p.phaseStart(expertID, "reduce", "synthesizing answer")
	reduced, err := p.runReduce(ctx, params, enriched)
	if err != nil {
		p.transition(StateFailed)
		return nil, fmt.Errorf("reduce phase: %w", err)
	}
	p.phaseComplete(expertID, "reduce", map[string]any{"main_sources": len(reduced.MainSources)})

	// Phase 5 — Language validation. Degrades to the untranslated answer.
	p.transition(StateValidate)
	p.phaseStart(expertID, "language_validation", "validating response language")
	reduced.Answer = p.runValidate(ctx, params, reduced.Answer)
	p.phaseComplete(expertID, "language_validation", nil)

	resp := &models.ExpertResponse{
		ExpertID:      expertID,
		ExpertName:    params.Expert.DisplayName,
		Answer:        reduced.Answer,
		MainSources:   reduced.MainSources,
		Confidence:    reduced.Confidence,
		Language:      reduced.Language,
		PostsAnalyzed: mapped.totalPosts,
	}

	// Phases 6–7 — comment groups, only when requested. Both degrade.
	if params.IncludeCommentGroups {
		p.transition(StateCommentMap)
		p.phaseStart(expertID, "comment_group_map", "scoring comment discussions")
		groups := p.runCommentMap(ctx, params, mapped.relevantIDs())
		p.phaseComplete(expertID, "comment_group_map", map[string]any{"groups": len(groups)})
		resp.CommentGroups = groups

		if len(groups) > 0 {
			p.transition(StateCommentSyn)
			p.phaseStart(expertID, "comment_synthesis", "summarizing discussions")
			resp.CommentSynthesis = p.runCommentSynthesis(ctx, params, reduced.Answer, groups)
			p.phaseComplete(expertID, "comment_synthesis", nil)
		}
	}

	p.transition(StateDone)
	resp.ProcessingTimeMS = time.Since(started).Milliseconds()
	return resp, nil
}

// State returns the current state (for tests and logging).
func (p *Pipeline) State() State {
	return p.state
}

func (p *Pipeline) transition(next State) {
	p.state = next
}

func (p *Pipeline) phaseStart(expertID, phase, msg string) {
	p.bus.Publish(progress.NewEvent(progress.EventPhaseStart, phase, "running", msg).WithExpert(expertID))
}

func (p *Pipeline) phaseComplete(expertID, phase string, data map[string]any) {
	evt := progress.NewEvent(progress.EventPhaseComplete, phase, "done", "").WithExpert(expertID)
	if data != nil {
		evt = evt.WithData(data)
	}
	p.bus.Publish(evt)
}
