package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MappingStore links relayed message ids back to the user who sent them.
type MappingStore struct {
	db *DB
}

func NewMappingStore(db *DB) *MappingStore {
	return &MappingStore{db: db}
}

// RecordMapping stores relayedID -> originUserID. A second insert for the same
// relayedID returns ErrDuplicateKey.
func (s *MappingStore) RecordMapping(ctx context.Context, relayedID, originUserID int64, now time.Time) error {
	q := s.db.Rebind(`
		INSERT INTO relay_mappings (relayed_message_id, origin_user_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (relayed_message_id) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, q, relayedID, originUserID, toMillis(now))
	if err != nil {
		return fmt.Errorf("record mapping %d: %w", relayedID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record mapping %d: %w", relayedID, err)
	}
	if n == 0 {
		return fmt.Errorf("record mapping %d: %w", relayedID, ErrDuplicateKey)
	}
	return nil
}

func (s *MappingStore) ResolveOrigin(ctx context.Context, relayedID int64) (int64, error) {
	var origin int64
	q := s.db.Rebind(`SELECT origin_user_id FROM relay_mappings WHERE relayed_message_id = ?`)
	if err := s.db.GetContext(ctx, &origin, q, relayedID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("resolve origin %d: %w", relayedID, err)
	}
	return origin, nil
}

// PurgeOlderThan deletes mappings created before cutoff and returns how many
// rows went away.
func (s *MappingStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	q := s.db.Rebind(`DELETE FROM relay_mappings WHERE created_at < ?`)
	res, err := s.db.ExecContext(ctx, q, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge mappings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge mappings: %w", err)
	}
	return n, nil
}

func (s *MappingStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM relay_mappings`); err != nil {
		return 0, fmt.Errorf("count mappings: %w", err)
	}
	return n, nil
}
