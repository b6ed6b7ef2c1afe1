package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/shao3d/experts-panel/pkg/llm"
	"github.com/shao3d/experts-panel/pkg/models"
	"github.com/shao3d/experts-panel/pkg/progress"
)

// Per-chunk retry budget. The gateway already retries transport errors
// and rotates rate-limited keys; these attempts mainly absorb malformed
// JSON from the model.
// The backoff here is deliberately short: the gateway's own retry loop
// already absorbs multi-second transport waits.
const (
	chunkMaxAttempts  = 3
	chunkRetryBackoff = 250 * time.Millisecond
)

// mapResult is the Map phase output: every post labelled by the model,
// bucketed by relevance. Posts from chunks that failed even the global
// retry pass are treated as LOW (dropped) rather than failing the expert.
type mapResult struct {
	totalPosts int
	high       []models.RankedPost
	medium     []models.RankedPost
}

// relevantIDs returns the post ids the ranking considered relevant
// (HIGH ∪ MEDIUM, before medium scoring). Comment-group mapping excludes
// exactly this set, not just the final main sources.
func (m *mapResult) relevantIDs() []int64 {
	ids := make([]int64, 0, len(m.high)+len(m.medium))
	for _, p := range m.high {
		ids = append(ids, p.PostID)
	}
	for _, p := range m.medium {
		ids = append(ids, p.PostID)
	}
	return ids
}

// chunkRanking is the JSON shape the Map model returns per chunk.
type chunkRanking struct {
	RelevantPosts []struct {
		TelegramMessageID int64  `json:"telegram_message_id"`
		Relevance         string `json:"relevance"`
		Reason            string `json:"reason"`
	} `json:"relevant_posts"`
	ChunkSummary string `json:"chunk_summary"`
}

// runMap loads the expert's posts and ranks them chunk by chunk with
// bounded parallelism.
func (p *Pipeline) runMap(ctx context.Context, params Params) (*mapResult, error) {
	posts, err := p.store.PostsForExpert(ctx, params.Expert.ExpertID, params.Since)
	if err != nil {
		return nil, fmt.Errorf("load posts: %w", err)
	}
	if params.MaxPosts > 0 && len(posts) > params.MaxPosts {
		posts = posts[:params.MaxPosts] // newest first per store ordering
	}
	if len(posts) == 0 {
		return nil, fmt.Errorf("expert %s has no posts in range", params.Expert.ExpertID)
	}

	chunks := chunkPosts(posts, p.cfg.MapChunkSize)
	rankings := make([]*chunkRanking, len(chunks))
	failed := p.rankChunks(ctx, params, chunks, rankings, nil)

	// Single global retry pass over the chunks that exhausted their
	// per-chunk attempts.
	if len(failed) > 0 {
		p.logger.Warn("Map phase retrying failed chunks",
			"expert_id", params.Expert.ExpertID, "failed", len(failed))
		failed = p.rankChunks(ctx, params, chunks, rankings, failed)
	}
	if len(failed) > 0 {
		// Still-failed chunks degrade: their posts count as LOW.
		p.logger.Warn("Map phase dropping unrankable chunks",
			"expert_id", params.Expert.ExpertID, "chunks", len(failed))
	}

	return collectRankings(posts, chunks, rankings), nil
}

// rankChunks ranks the chunks whose indexes are in only (nil = all) with
// bounded parallelism, writing results into rankings. Returns the indexes
// that failed.
func (p *Pipeline) rankChunks(ctx context.Context, params Params, chunks [][]models.Post, rankings []*chunkRanking, only []int) []int {
	indexes := only
	if indexes == nil {
		indexes = make([]int, len(chunks))
		for i := range chunks {
			indexes[i] = i
		}
	}

	sem := semaphore.NewWeighted(int64(p.cfg.MapMaxParallel))
	results := make(chan int, len(indexes)) // failed indexes, -1 = success

	for _, idx := range indexes {
		if err := sem.Acquire(ctx, 1); err != nil {
			results <- idx
			continue
		}
		go func(idx int) {
			defer sem.Release(1)
			ranking, err := p.rankChunk(ctx, params, chunks[idx])
			if err != nil {
				p.logger.Warn("Map chunk failed",
					"expert_id", params.Expert.ExpertID, "chunk", idx, "error", err)
				results <- idx
				return
			}
			rankings[idx] = ranking
			p.bus.Publish(progress.NewEvent(progress.EventProgress, "map", "running",
				fmt.Sprintf("ranked chunk %d/%d", idx+1, len(chunks))).
				WithExpert(params.Expert.ExpertID))
			results <- -1
		}(idx)
	}

	var failed []int
	for range indexes {
		if idx := <-results; idx >= 0 {
			failed = append(failed, idx)
		}
	}
	return failed
}

// rankChunk ranks one chunk, retrying on malformed output.
func (p *Pipeline) rankChunk(ctx context.Context, params Params, chunk []models.Post) (*chunkRanking, error) {
	req := llm.Request{
		System:      mapSystemPrompt,
		User:        buildMapPrompt(params.Query, chunk),
		Temperature: 0.1,
	}

	var lastErr error
	for attempt := 1; attempt <= chunkMaxAttempts; attempt++ {
		var ranking chunkRanking
		err := p.llm.CompleteJSON(ctx, p.cfg.Models.Map, req, &ranking)
		if err == nil {
			return &ranking, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < chunkMaxAttempts {
			select {
			case <-time.After(chunkRetryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// collectRankings merges the per-chunk rankings into relevance buckets.
// The model addresses posts by telegram_message_id; within one expert's
// chunk that id is unambiguous because a chunk never mixes channels of
// different experts.
func collectRankings(posts []models.Post, chunks [][]models.Post, rankings []*chunkRanking) *mapResult {
	result := &mapResult{totalPosts: len(posts)}

	for ci, ranking := range rankings {
		if ranking == nil {
			continue
		}
		byMsgID := make(map[int64]models.Post, len(chunks[ci]))
		for _, post := range chunks[ci] {
			byMsgID[post.TelegramMessageID] = post
		}
		for _, rp := range ranking.RelevantPosts {
			post, ok := byMsgID[rp.TelegramMessageID]
			if !ok {
				continue // hallucinated id
			}
			ranked := models.RankedPost{Post: post, Reason: rp.Reason}
			switch models.Relevance(rp.Relevance) {
			case models.RelevanceHigh:
				ranked.Relevance = models.RelevanceHigh
				result.high = append(result.high, ranked)
			case models.RelevanceMedium:
				ranked.Relevance = models.RelevanceMedium
				result.medium = append(result.medium, ranked)
			}
			// LOW and unknown labels are dropped.
		}
	}
	return result
}

func chunkPosts(posts []models.Post, size int) [][]models.Post {
	if size <= 0 {
		size = 1
	}
	var chunks [][]models.Post
	for start := 0; start < len(posts); start += size {
		end := start + size
		if end > len(posts) {
			end = len(posts)
		}
		chunks = append(chunks, posts[start:end])
	}
	return chunks
}
