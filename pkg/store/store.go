// Package store is the typed read layer over the relational store.
//
// Every accessor requires an expert id — isolation between expert corpora
// is enforced by the signatures, not by caller discipline. Variants that
// honor the recency cutoff take a non-nil since timestamp.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shao3d/experts-panel/pkg/models"
)

// Store provides typed reads over the pgx pool. All methods are safe for
// concurrent use; each call acquires its own connection from the pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const postColumns = `p.post_id, p.expert_id, p.channel_id, p.telegram_message_id,
	p.channel_username, p.author_name, p.created_at, p.message_text`

func scanPost(row pgx.CollectableRow) (models.Post, error) {
	var p models.Post
	err := row.Scan(&p.PostID, &p.ExpertID, &p.ChannelID, &p.TelegramMessageID,
		&p.ChannelUsername, &p.AuthorName, &p.CreatedAt, &p.MessageText)
	return p, err
}

// PostsForExpert returns every post owned by the expert, newest first.
// A non-nil since drops posts created before the cutoff.
func (s *Store) PostsForExpert(ctx context.Context, expertID string, since *time.Time) ([]models.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts p WHERE p.expert_id = $1`
	args := []any{expertID}
	if since != nil {
		query += ` AND p.created_at >= $2`
		args = append(args, *since)
	}
	query += ` ORDER BY p.created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query posts for expert %q: %w", expertID, err)
	}
	posts, err := pgx.CollectRows(rows, scanPost)
	if err != nil {
		return nil, fmt.Errorf("scan posts for expert %q: %w", expertID, err)
	}
	return posts, nil
}

// ExpandLinks follows outbound links from the given posts up to depth
// hops, bounded to the expert's corpus and the recency cutoff. The BFS
// keeps a visited set so each post appears at most once, and the seed
// posts themselves are never returned.
func (s *Store) ExpandLinks(ctx context.Context, expertID string, postIDs []int64, depth int, since *time.Time) ([]models.Post, error) {
	if len(postIDs) == 0 || depth <= 0 {
		return nil, nil
	}

	visited := make(map[int64]bool, len(postIDs))
	for _, id := range postIDs {
		visited[id] = true
	}

	var result []models.Post
	frontier := append([]int64(nil), postIDs...)
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		query := `SELECT DISTINCT ` + postColumns + `
			FROM links l
			JOIN posts p ON p.post_id = l.target_post_id
			WHERE l.source_post_id = ANY($1) AND p.expert_id = $2`
		args := []any{frontier, expertID}
		if since != nil {
			query += ` AND p.created_at >= $3`
			args = append(args, *since)
		}

		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("expand links (hop %d) for expert %q: %w", hop+1, expertID, err)
		}
		linked, err := pgx.CollectRows(rows, scanPost)
		if err != nil {
			return nil, fmt.Errorf("scan linked posts for expert %q: %w", expertID, err)
		}

		frontier = frontier[:0]
		for _, p := range linked {
			if visited[p.PostID] {
				continue
			}
			visited[p.PostID] = true
			result = append(result, p)
			frontier = append(frontier, p.PostID)
		}
	}
	return result, nil
}

// Experts returns all registered experts.
func (s *Store) Experts(ctx context.Context) ([]models.Expert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT expert_id, display_name, channel_username FROM expert_metadata ORDER BY expert_id`)
	if err != nil {
		return nil, fmt.Errorf("query experts: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Expert, error) {
		var e models.Expert
		err := row.Scan(&e.ExpertID, &e.DisplayName, &e.ChannelUsername)
		return e, err
	})
}

// ExpertsWithPosts returns experts that own at least one post, optionally
// only counting posts after the cutoff. Experts without any eligible
// posts are excluded so the orchestrator never starts an empty pipeline.
func (s *Store) ExpertsWithPosts(ctx context.Context, since *time.Time) ([]models.Expert, error) {
	query := `SELECT DISTINCT e.expert_id, e.display_name, e.channel_username
		FROM expert_metadata e
		JOIN posts p ON p.expert_id = e.expert_id`
	var args []any
	if since != nil {
		query += ` WHERE p.created_at >= $1`
		args = append(args, *since)
	}
	query += ` ORDER BY e.expert_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query experts with posts: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Expert, error) {
		var e models.Expert
		err := row.Scan(&e.ExpertID, &e.DisplayName, &e.ChannelUsername)
		return e, err
	})
}

// ExpertStats returns post and comment counters for one expert.
func (s *Store) ExpertStats(ctx context.Context, expertID string) (models.ExpertStats, error) {
	var stats models.ExpertStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM posts WHERE expert_id = $1),
			(SELECT count(*) FROM comments c JOIN posts p ON p.post_id = c.post_id WHERE p.expert_id = $1)`,
		expertID,
	).Scan(&stats.PostsCount, &stats.CommentsCount)
	if err != nil {
		return models.ExpertStats{}, fmt.Errorf("query stats for expert %q: %w", expertID, err)
	}
	return stats, nil
}

// GetPost fetches a single post, scoped to the expert.
func (s *Store) GetPost(ctx context.Context, expertID string, postID int64) (*models.Post, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+postColumns+` FROM posts p WHERE p.post_id = $1 AND p.expert_id = $2`,
		postID, expertID)
	if err != nil {
		return nil, fmt.Errorf("query post %d for expert %q: %w", postID, expertID, err)
	}
	post, err := pgx.CollectOneRow(rows, scanPost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan post %d for expert %q: %w", postID, expertID, err)
	}
	return &post, nil
}

// CommentsForPost returns the comment group of one post, oldest first.
// The join against posts enforces the expert scope.
func (s *Store) CommentsForPost(ctx context.Context, expertID string, postID int64) ([]models.Comment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.comment_id, c.post_id, c.telegram_comment_id, c.author_name, c.created_at, c.comment_text
		FROM comments c
		JOIN posts p ON p.post_id = c.post_id
		WHERE c.post_id = $1 AND p.expert_id = $2
		ORDER BY c.created_at ASC`,
		postID, expertID)
	if err != nil {
		return nil, fmt.Errorf("query comments for post %d: %w", postID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Comment, error) {
		var c models.Comment
		err := row.Scan(&c.CommentID, &c.PostID, &c.TelegramCommentID, &c.AuthorName, &c.CreatedAt, &c.Text)
		return c, err
	})
}
