package pipeline

import (
	"context"

	"github.com/shao3d/experts-panel/pkg/llm"
	"github.com/shao3d/experts-panel/pkg/models"
)

// Comment groups are scored in batches of this many per LLM call. Groups
// are far fewer than posts, so no parallel fan-out is needed here.
const commentGroupChunkSize = 20

// groupScores is the JSON shape of one comment-group scoring call.
type groupScores struct {
	Groups []struct {
		PostID    int64  `json:"post_id"`
		Relevance string `json:"relevance"`
		Reason    string `json:"reason"`
	} `json:"groups"`
}

// runCommentMap loads drift groups whose anchor post is NOT in the
// relevant set from Map (those discussions are already surfaced by the
// main answer) and scores their drift topics against the query. HIGH and
// MEDIUM groups survive. All failures degrade to an empty group list.
func (p *Pipeline) runCommentMap(ctx context.Context, params Params, relevantPostIDs []int64) []models.CommentGroupResult {
	groups, err := p.store.DriftGroupsForExpert(ctx, params.Expert.ExpertID, relevantPostIDs, params.Since)
	if err != nil {
		p.logger.Warn("Loading drift groups failed, skipping comment groups",
			"expert_id", params.Expert.ExpertID, "error", err)
		return nil
	}
	if len(groups) == 0 {
		return nil
	}

	var kept []models.CommentGroupResult
	for start := 0; start < len(groups); start += commentGroupChunkSize {
		end := start + commentGroupChunkSize
		if end > len(groups) {
			end = len(groups)
		}
		kept = append(kept, p.scoreGroupChunk(ctx, params, groups[start:end])...)
	}
	return kept
}

func (p *Pipeline) scoreGroupChunk(ctx context.Context, params Params, groups []models.DriftGroup) []models.CommentGroupResult {
	req := llm.Request{
		System:      commentMapSystemPrompt,
		User:        buildCommentMapPrompt(params.Query, groups),
		Temperature: 0.1,
	}
	var result groupScores
	if err := p.llm.CompleteJSON(ctx, p.cfg.Models.DriftAnalysis, req, &result); err != nil {
		p.logger.Warn("Comment-group scoring failed for chunk",
			"expert_id", params.Expert.ExpertID, "groups", len(groups), "error", err)
		return nil
	}

	byPostID := make(map[int64]models.DriftGroup, len(groups))
	for _, g := range groups {
		byPostID[g.PostID] = g
	}

	var kept []models.CommentGroupResult
	for _, scored := range result.Groups {
		group, ok := byPostID[scored.PostID]
		if !ok {
			continue
		}
		rel := models.Relevance(scored.Relevance)
		if rel != models.RelevanceHigh && rel != models.RelevanceMedium {
			continue
		}
		kept = append(kept, models.CommentGroupResult{
			PostID:            group.PostID,
			TelegramMessageID: group.Anchor.TelegramMessageID,
			Relevance:         rel,
			Reason:            scored.Reason,
			Topics:            group.Topics,
		})
	}
	return kept
}

// runCommentSynthesis produces the free-form markdown block describing
// how the surviving comment discussions complement the main answer.
func (p *Pipeline) runCommentSynthesis(ctx context.Context, params Params, answer string, groups []models.CommentGroupResult) string {
	req := llm.Request{
		System:      llm.LanguageDirective(params.Language) + "\n\n" + commentSynthesisSystemPrompt,
		User:        buildCommentSynthesisPrompt(params.Query, answer, groups),
		Temperature: 0.4,
	}
	resp, err := p.llm.Complete(ctx, p.cfg.Models.Synthesis, req)
	if err != nil {
		p.logger.Warn("Comment synthesis failed, omitting block",
			"expert_id", params.Expert.ExpertID, "error", err)
		return ""
	}
	return resp.Text
}
