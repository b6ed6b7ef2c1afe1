package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/shao3d/experts-panel/pkg/models"
)

// ErrLegacyDriftFormat is returned when a drift_topics column holds the
// retired raw-array shape instead of the structured object form. The core
// never guesses at legacy data; the row must be re-analyzed.
var ErrLegacyDriftFormat = errors.New("drift_topics uses legacy array format; re-run drift analysis")

// DriftEnvelope is the only accepted drift_topics shape:
// {"has_drift": bool, "drift_topics": [...]}.
type DriftEnvelope struct {
	HasDrift bool                `json:"has_drift"`
	Topics   []models.DriftTopic `json:"drift_topics"`
}

// ParseDriftTopics decodes the structured drift envelope, rejecting the
// legacy raw-array form.
func ParseDriftTopics(raw []byte) (*DriftEnvelope, error) {
	trimmed := firstNonSpace(raw)
	if trimmed == '[' {
		return nil, ErrLegacyDriftFormat
	}
	if trimmed != '{' {
		return nil, fmt.Errorf("drift_topics is not a JSON object")
	}
	var env DriftEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode drift_topics: %w", err)
	}
	return &env, nil
}

func firstNonSpace(raw []byte) byte {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}

// DriftGroupsForExpert loads analyzed drift groups for the expert, joined
// with their anchor posts. Groups whose anchor post id is in exclude are
// dropped (those posts are already surfaced by the main answer), as are
// groups whose anchor predates the recency cutoff when since is set.
//
// Rows with has_drift=false or analyzed_by='pending' never match. Rows
// whose drift_topics column holds the legacy array form fail the whole
// read with ErrLegacyDriftFormat — silently skipping them would hide data
// corruption.
func (s *Store) DriftGroupsForExpert(ctx context.Context, expertID string, exclude []int64, since *time.Time) ([]models.DriftGroup, error) {
	query := `SELECT d.post_id, d.expert_id, d.drift_topics, d.analyzed_by, ` + postColumns + `
		FROM comment_group_drift d
		JOIN posts p ON p.post_id = d.post_id
		WHERE d.expert_id = $1
		  AND d.has_drift = TRUE
		  AND d.analyzed_by <> 'pending'
		  AND NOT (d.post_id = ANY($2))`
	args := []any{expertID, exclude}
	if since != nil {
		query += ` AND p.created_at >= $3`
		args = append(args, *since)
	}
	query += ` ORDER BY p.created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query drift groups for expert %q: %w", expertID, err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.DriftGroup, error) {
		var (
			g   models.DriftGroup
			raw []byte
		)
		err := row.Scan(&g.PostID, &g.ExpertID, &raw, &g.AnalyzedBy,
			&g.Anchor.PostID, &g.Anchor.ExpertID, &g.Anchor.ChannelID, &g.Anchor.TelegramMessageID,
			&g.Anchor.ChannelUsername, &g.Anchor.AuthorName, &g.Anchor.CreatedAt, &g.Anchor.MessageText)
		if err != nil {
			return models.DriftGroup{}, err
		}
		env, err := ParseDriftTopics(raw)
		if err != nil {
			return models.DriftGroup{}, fmt.Errorf("post %d: %w", g.PostID, err)
		}
		g.HasDrift = env.HasDrift
		g.Topics = env.Topics
		return g, nil
	})
}
