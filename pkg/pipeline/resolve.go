package pipeline

import (
	"context"
	"sort"

	"github.com/shao3d/experts-panel/pkg/models"
)

// runResolve expands the surviving post set along inter-post links, depth
// two, within the expert's corpus and the recency cutoff. Newly reached
// posts join with the CONTEXT label; original labels are preserved. A
// store failure degrades to the un-expanded set.
func (p *Pipeline) runResolve(ctx context.Context, params Params, selected []models.RankedPost) []models.RankedPost {
	ids := make([]int64, len(selected))
	for i, post := range selected {
		ids[i] = post.PostID
	}

	linked, err := p.store.ExpandLinks(ctx, params.Expert.ExpertID, ids, resolveDepth, params.Since)
	if err != nil {
		p.logger.Warn("Link expansion failed, continuing without context posts",
			"expert_id", params.Expert.ExpertID, "error", err)
		return orderForReduce(selected)
	}

	enriched := append([]models.RankedPost(nil), selected...)
	for _, post := range linked {
		enriched = append(enriched, models.RankedPost{Post: post, Relevance: models.RelevanceContext})
	}
	return orderForReduce(enriched)
}

// orderForReduce sorts posts the way the Reduce prompt expects: HIGH
// before MEDIUM before CONTEXT, newest first within each band.
func orderForReduce(posts []models.RankedPost) []models.RankedPost {
	rank := func(r models.Relevance) int {
		switch r {
		case models.RelevanceHigh:
			return 0
		case models.RelevanceMedium:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(posts, func(i, j int) bool {
		ri, rj := rank(posts[i].Relevance), rank(posts[j].Relevance)
		if ri != rj {
			return ri < rj
		}
		return posts[i].CreatedAt.After(posts[j].CreatedAt)
	})
	return posts
}
