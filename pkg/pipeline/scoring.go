package pipeline

import (
	"context"
	"sort"

	"github.com/shao3d/experts-panel/pkg/llm"
	"github.com/shao3d/experts-panel/pkg/models"
)

// mediumScores is the JSON shape of the medium-scoring call.
type mediumScores struct {
	Scores []struct {
		TelegramMessageID int64   `json:"telegram_message_id"`
		Score             float64 `json:"score"`
	} `json:"scores"`
}

// runScoring applies the filter phase: HIGH posts pass unconditionally;
// MEDIUM posts are scored in one batched call and kept when they clear
// the threshold, capped at the configured maximum. On any scoring
// failure every MEDIUM post is kept — losing borderline posts silently
// would be worse than a slightly broader Reduce input.
func (p *Pipeline) runScoring(ctx context.Context, params Params, mapped *mapResult) []models.RankedPost {
	selected := append([]models.RankedPost(nil), mapped.high...)
	if len(mapped.medium) == 0 {
		return selected
	}

	scored, err := p.scoreMedium(ctx, params, mapped.medium)
	if err != nil {
		p.logger.Warn("Medium scoring failed, keeping all MEDIUM posts",
			"expert_id", params.Expert.ExpertID, "count", len(mapped.medium), "error", err)
		return append(selected, mapped.medium...)
	}
	return append(selected, scored...)
}

func (p *Pipeline) scoreMedium(ctx context.Context, params Params, medium []models.RankedPost) ([]models.RankedPost, error) {
	req := llm.Request{
		System:      mediumScoringSystemPrompt,
		User:        buildMediumScoringPrompt(params.Query, medium),
		Temperature: 0,
	}
	var result mediumScores
	if err := p.llm.CompleteJSON(ctx, p.cfg.Models.MediumScoring, req, &result); err != nil {
		return nil, err
	}

	byMsgID := make(map[int64]float64, len(result.Scores))
	for _, s := range result.Scores {
		byMsgID[s.TelegramMessageID] = s.Score
	}

	var kept []models.RankedPost
	for _, post := range medium {
		score, ok := byMsgID[post.TelegramMessageID]
		if !ok || score < p.cfg.MediumScoreThreshold {
			continue
		}
		post.Score = score
		kept = append(kept, post)
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	if max := p.cfg.MediumMaxSelectedPosts; max > 0 && len(kept) > max {
		kept = kept[:max]
	}
	return kept, nil
}
