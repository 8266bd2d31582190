package sessions

import (
	"context"
	"fmt"

	"github.com/haasonsaas/hermes/pkg/models"
)

// SessionExport bundles a session with its full transcript.
type SessionExport struct {
	Session  *models.Session  `json:"session"`
	Messages []models.Message `json:"messages"`
}

// ExportSession returns one session and its ordered transcript.
func (s *Store) ExportSession(ctx context.Context, id string) (*SessionExport, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.GetMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	return &SessionExport{Session: sess, Messages: msgs}, nil
}

// ExportAll exports every session, oldest first, optionally restricted to
// one source.
func (s *Store) ExportAll(ctx context.Context, source models.Source) ([]SessionExport, error) {
	q := `SELECT id FROM sessions`
	var args []any
	if source != "" {
		q += ` WHERE source = ?`
		args = append(args, string(source))
	}
	q += ` ORDER BY started_at, id`
	ids, err := s.collectIDs(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("export all: %w", err)
	}

	exports := make([]SessionExport, 0, len(ids))
	for _, id := range ids {
		exp, err := s.ExportSession(ctx, id)
		if err != nil {
			return nil, err
		}
		exports = append(exports, *exp)
	}
	return exports, nil
}
