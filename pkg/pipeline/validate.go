package pipeline

import (
	"context"

	"github.com/shao3d/experts-panel/pkg/llm"
	"github.com/shao3d/experts-panel/pkg/models"
)

// Script-mismatch thresholds for the validation phase. An English answer
// is re-rendered when over half its letters are Cyrillic, and vice versa.
const scriptMismatchShare = 0.5

// runValidate checks that the answer's script matches the detected query
// language and re-renders it through the model when it does not. Any
// failure keeps the original answer — a wrong-language answer beats no
// answer.
func (p *Pipeline) runValidate(ctx context.Context, params Params, answer string) string {
	cyr := llm.CyrillicShare(answer)

	mismatch := (params.Language == models.LanguageEnglish && cyr > scriptMismatchShare) ||
		(params.Language == models.LanguageRussian && cyr < 1-scriptMismatchShare)
	if !mismatch {
		return answer
	}

	p.logger.Info("Answer language mismatch, re-rendering",
		"expert_id", params.Expert.ExpertID,
		"query_language", params.Language, "cyrillic_share", cyr)

	req := llm.Request{
		System:      llm.LanguageDirective(params.Language) + "\n\n" + validateSystemPrompt,
		User:        buildValidatePrompt(params.Language, answer),
		Temperature: 0.2,
	}
	resp, err := p.llm.Complete(ctx, p.cfg.Models.Analysis, req)
	if err != nil || resp.Text == "" {
		p.logger.Warn("Language validation failed, keeping original answer",
			"expert_id", params.Expert.ExpertID, "error", err)
		return answer
	}
	return resp.Text
}
