package pipeline

import (
	"context"
	"fmt"

	"github.com/shao3d/experts-panel/pkg/llm"
	"github.com/shao3d/experts-panel/pkg/models"
)

// reduceResult is the synthesis output.
type reduceResult struct {
	Answer            string            `json:"answer"`
	MainSources       []int64           `json:"main_sources"`
	Confidence        models.Confidence `json:"confidence"`
	HasExpertComments bool              `json:"has_expert_comments"`
	Language          models.Language   `json:"language"`
}

// runReduce synthesizes the answer from the enriched post set. The
// language directive is prepended to the system prompt and is not
// negotiable; main_sources is clamped to ids that actually appeared in
// the input so a hallucinated source can never surface.
func (p *Pipeline) runReduce(ctx context.Context, params Params, enriched []models.RankedPost) (*reduceResult, error) {
	if len(enriched) == 0 {
		return nil, fmt.Errorf("empty input post set")
	}

	req := llm.Request{
		System:      llm.LanguageDirective(params.Language) + "\n\n" + reduceSystemPrompt,
		User:        buildReducePrompt(params.Query, enriched),
		Temperature: 0.3,
	}

	var result reduceResult
	if err := p.llm.CompleteJSON(ctx, p.cfg.Models.Synthesis, req, &result); err != nil {
		return nil, err
	}
	if result.Answer == "" {
		return nil, fmt.Errorf("synthesis returned empty answer")
	}

	inputIDs := make(map[int64]bool, len(enriched))
	for _, post := range enriched {
		inputIDs[post.TelegramMessageID] = true
	}
	sources := result.MainSources[:0]
	for _, id := range result.MainSources {
		if inputIDs[id] {
			sources = append(sources, id)
		}
	}
	result.MainSources = sources

	switch result.Confidence {
	case models.ConfidenceHigh, models.ConfidenceMedium, models.ConfidenceLow:
	default:
		result.Confidence = models.ConfidenceLow
	}
	switch result.Language {
	case models.LanguageRussian, models.LanguageEnglish:
	default:
		result.Language = params.Language
	}
	return &result, nil
}
