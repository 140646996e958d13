package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stellarlinkco/relayguard/internal/trust"
)

const trustColumns = `user_id, display_name, username, status, consecutive_clean_count,
	total_flagged_count, trusted_since, trusted_by, last_seen_at, created_at`

type trustRow struct {
	UserID                int64          `db:"user_id"`
	DisplayName           sql.NullString `db:"display_name"`
	Username              sql.NullString `db:"username"`
	Status                string         `db:"status"`
	ConsecutiveCleanCount int            `db:"consecutive_clean_count"`
	TotalFlaggedCount     int            `db:"total_flagged_count"`
	TrustedSince          sql.NullInt64  `db:"trusted_since"`
	TrustedBy             sql.NullString `db:"trusted_by"`
	LastSeenAt            sql.NullInt64  `db:"last_seen_at"`
	CreatedAt             int64          `db:"created_at"`
}

func (r trustRow) record() trust.Record {
	rec := trust.Record{
		UserID:                r.UserID,
		DisplayName:           r.DisplayName.String,
		Username:              r.Username.String,
		Status:                trust.Status(r.Status),
		ConsecutiveCleanCount: r.ConsecutiveCleanCount,
		TotalFlaggedCount:     r.TotalFlaggedCount,
		TrustedBy:             trust.Source(r.TrustedBy.String),
		CreatedAt:             fromMillis(r.CreatedAt),
	}
	if r.TrustedSince.Valid {
		t := fromMillis(r.TrustedSince.Int64)
		rec.TrustedSince = &t
	}
	if r.LastSeenAt.Valid {
		t := fromMillis(r.LastSeenAt.Int64)
		rec.LastSeenAt = &t
	}
	return rec
}

// TrustStore implements trust.Store plus the admin and CLI operations.
type TrustStore struct {
	db *DB
}

func NewTrustStore(db *DB) *TrustStore {
	return &TrustStore{db: db}
}

func (s *TrustStore) Get(ctx context.Context, userID int64) (trust.Record, error) {
	var row trustRow
	q := s.db.Rebind(`SELECT ` + trustColumns + ` FROM user_trust WHERE user_id = ?`)
	if err := s.db.GetContext(ctx, &row, q, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return trust.Record{}, ErrNotFound
		}
		return trust.Record{}, fmt.Errorf("get trust %d: %w", userID, err)
	}
	return row.record(), nil
}

// CreateIfAbsent inserts a new record. An existing row only has its names
// and last_seen_at refreshed; status and counters are left alone.
func (s *TrustStore) CreateIfAbsent(ctx context.Context, userID int64, displayName, username string, now time.Time) error {
	q := s.db.Rebind(`
		INSERT INTO user_trust (user_id, display_name, username, status, consecutive_clean_count, total_flagged_count, last_seen_at, created_at)
		VALUES (?, ?, ?, 'new', 0, 0, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			display_name = COALESCE(excluded.display_name, user_trust.display_name),
			username = COALESCE(excluded.username, user_trust.username),
			last_seen_at = excluded.last_seen_at`)
	ms := toMillis(now)
	if _, err := s.db.ExecContext(ctx, q, userID, nullString(displayName), nullString(username), ms, ms); err != nil {
		return fmt.Errorf("create trust %d: %w", userID, err)
	}
	return nil
}

func (s *TrustStore) MarkClean(ctx context.Context, userID int64, now time.Time) error {
	q := s.db.Rebind(`
		UPDATE user_trust
		SET consecutive_clean_count = consecutive_clean_count + 1,
			last_seen_at = ?
		WHERE user_id = ?`)
	return s.execOne(ctx, "mark clean", q, toMillis(now), userID)
}

// MarkFlagged resets the streak and moves the user to monitoring. A row that
// became trusted concurrently keeps its status.
func (s *TrustStore) MarkFlagged(ctx context.Context, userID int64, now time.Time) error {
	q := s.db.Rebind(`
		UPDATE user_trust
		SET consecutive_clean_count = 0,
			total_flagged_count = total_flagged_count + 1,
			status = CASE WHEN status = 'trusted' THEN status ELSE 'monitoring' END,
			last_seen_at = ?
		WHERE user_id = ?`)
	return s.execOne(ctx, "mark flagged", q, toMillis(now), userID)
}

// Promote grants trust. Automatic promotion only applies to rows that are not
// yet trusted and reports whether it changed anything. Admin promotion is an
// upsert and always succeeds.
func (s *TrustStore) Promote(ctx context.Context, userID int64, by trust.Source, now time.Time) (bool, error) {
	ms := toMillis(now)
	if by == trust.SourceAdmin {
		q := s.db.Rebind(`
			INSERT INTO user_trust (user_id, status, consecutive_clean_count, total_flagged_count, trusted_since, trusted_by, last_seen_at, created_at)
			VALUES (?, 'trusted', 0, 0, ?, 'admin', ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				status = 'trusted',
				trusted_since = excluded.trusted_since,
				trusted_by = 'admin'`)
		if _, err := s.db.ExecContext(ctx, q, userID, ms, ms, ms); err != nil {
			return false, fmt.Errorf("promote %d: %w", userID, err)
		}
		return true, nil
	}

	q := s.db.Rebind(`
		UPDATE user_trust
		SET status = 'trusted', trusted_since = ?, trusted_by = ?
		WHERE user_id = ? AND status <> 'trusted'`)
	res, err := s.db.ExecContext(ctx, q, ms, string(by), userID)
	if err != nil {
		return false, fmt.Errorf("promote %d: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("promote %d: %w", userID, err)
	}
	return n > 0, nil
}

// Demote revokes trust. The revocation counts as a flag so the user cannot
// be promoted again automatically under the default policy.
func (s *TrustStore) Demote(ctx context.Context, userID int64) error {
	q := s.db.Rebind(`
		UPDATE user_trust
		SET status = 'new',
			consecutive_clean_count = 0,
			total_flagged_count = total_flagged_count + 1,
			trusted_since = NULL,
			trusted_by = NULL
		WHERE user_id = ?`)
	return s.execOne(ctx, "demote", q, userID)
}

// ListByStatus returns up to limit records, most recently seen first. An
// empty status lists every user.
func (s *TrustStore) ListByStatus(ctx context.Context, status trust.Status, limit int) ([]trust.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows []trustRow
		err  error
	)
	if status == "" {
		q := s.db.Rebind(`SELECT ` + trustColumns + ` FROM user_trust ORDER BY last_seen_at DESC LIMIT ?`)
		err = s.db.SelectContext(ctx, &rows, q, limit)
	} else {
		q := s.db.Rebind(`SELECT ` + trustColumns + ` FROM user_trust WHERE status = ? ORDER BY last_seen_at DESC LIMIT ?`)
		err = s.db.SelectContext(ctx, &rows, q, string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list trust: %w", err)
	}
	out := make([]trust.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (s *TrustStore) CountByStatus(ctx context.Context) (map[trust.Status]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM user_trust GROUP BY status`); err != nil {
		return nil, fmt.Errorf("count trust: %w", err)
	}
	out := make(map[trust.Status]int, len(rows))
	for _, r := range rows {
		out[trust.Status(r.Status)] = r.N
	}
	return out, nil
}

func (s *TrustStore) execOne(ctx context.Context, op, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
