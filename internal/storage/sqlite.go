package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/shohag/sosrelay/internal/models"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			local_id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL UNIQUE,
			remote_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL,
			alert_type TEXT NOT NULL CHECK (alert_type IN ('POLICE', 'AMBULANCE', 'FIRE')),
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			location_source TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			resolved INTEGER NOT NULL DEFAULT 0,
			delivery_state TEXT NOT NULL DEFAULT 'pending_local'
				CHECK (delivery_state IN ('pending_local', 'delivered', 'permanently_failed')),
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL,
			CHECK ((delivery_state = 'delivered') = (remote_id <> ''))
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS leases (
			name TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_pending ON alerts(created_at, local_id) WHERE delivery_state = 'pending_local'`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_state ON alerts(delivery_state)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- Alerts ---

const alertColumns = `local_id, request_id, remote_id, user_id, alert_type, latitude, longitude, location_source,
	created_at, resolved, delivery_state, attempt_count, last_error, updated_at`

func (s *SQLiteStorage) InsertAlert(ctx context.Context, a *models.Alert) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (request_id, remote_id, user_id, alert_type, latitude, longitude, location_source,
			created_at, resolved, delivery_state, attempt_count, last_error, updated_at)
		 VALUES (?, '', ?, ?, ?, ?, ?, ?, ?, 'pending_local', 0, '', ?)`,
		a.RequestID, a.UserID, string(a.Type), a.Coordinate.Latitude, a.Coordinate.Longitude, a.LocationSource,
		a.CreatedAt.UnixNano(), boolToInt(a.Resolved), a.CreatedAt.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStorage) scanAlert(row interface{ Scan(...interface{}) error }) (*models.Alert, error) {
	var a models.Alert
	var alertType, state string
	var createdAt, updatedAt int64
	var resolved int
	err := row.Scan(&a.LocalID, &a.RequestID, &a.RemoteID, &a.UserID, &alertType, &a.Coordinate.Latitude,
		&a.Coordinate.Longitude, &a.LocationSource, &createdAt, &resolved, &state, &a.AttemptCount, &a.LastError, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.Type = models.AlertType(alertType)
	a.State = models.DeliveryState(state)
	a.Resolved = resolved == 1
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	a.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &a, nil
}

func (s *SQLiteStorage) GetAlert(ctx context.Context, localID int64) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE local_id = ?`, localID)
	a, err := s.scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// ListAlerts returns alerts oldest first. An empty state lists every row; a
// non-positive limit means no limit.
func (s *SQLiteStorage) ListAlerts(ctx context.Context, state models.DeliveryState, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + alertColumns + ` FROM alerts`
	args := []interface{}{}
	if state != "" {
		query += ` WHERE delivery_state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at ASC, local_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		a, err := s.scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

func (s *SQLiteStorage) CountAlerts(ctx context.Context, state models.DeliveryState) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts WHERE delivery_state = ?`, string(state)).Scan(&n)
	return n, err
}

func (s *SQLiteStorage) MarkDelivered(ctx context.Context, localID int64, remoteID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET delivery_state = 'delivered', remote_id = ?, last_error = '', updated_at = ?
		 WHERE local_id = ? AND delivery_state = 'pending_local'`,
		remoteID, at.UnixNano(), localID,
	)
	return affected(res, err)
}

func (s *SQLiteStorage) MarkFailed(ctx context.Context, localID int64, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET delivery_state = 'permanently_failed', last_error = ?, updated_at = ?
		 WHERE local_id = ? AND delivery_state = 'pending_local'`,
		reason, at.UnixNano(), localID,
	)
	return affected(res, err)
}

func (s *SQLiteStorage) RecordAttempt(ctx context.Context, localID int64, errMsg string, at time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`UPDATE alerts SET attempt_count = attempt_count + 1, last_error = ?, updated_at = ?
		 WHERE local_id = ? AND delivery_state = 'pending_local'
		 RETURNING attempt_count`,
		errMsg, at.UnixNano(), localID,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return count, err
}

func (s *SQLiteStorage) ResolveAlert(ctx context.Context, localID int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET resolved = 1, updated_at = ? WHERE local_id = ? AND resolved = 0`,
		at.UnixNano(), localID,
	)
	return affected(res, err)
}

func (s *SQLiteStorage) PurgeDelivered(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE delivery_state = 'delivered'`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Settings ---

func (s *SQLiteStorage) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteStorage) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().UnixNano(),
	)
	return err
}

// --- Leases ---

// AcquireLease takes or extends the named lease for owner until the given
// time. It succeeds when the lease is free, expired at now, or already held
// by owner.
func (s *SQLiteStorage) AcquireLease(ctx context.Context, name, owner string, now, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (name, owner, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		 WHERE leases.owner = excluded.owner OR leases.expires_at <= ?`,
		name, owner, until.UnixNano(), now.UnixNano(),
	)
	return affected(res, err)
}

// ReleaseLease drops the named lease if owner still holds it.
func (s *SQLiteStorage) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND owner = ?`, name, owner)
	return err
}

// --- Stats ---

func (s *SQLiteStorage) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	var oldest sql.NullInt64

	err := s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(delivery_state = 'pending_local'), 0),
			COALESCE(SUM(delivery_state = 'delivered'), 0),
			COALESCE(SUM(delivery_state = 'permanently_failed'), 0),
			COALESCE(SUM(resolved), 0),
			MIN(CASE WHEN delivery_state = 'pending_local' THEN created_at END),
			COALESCE(MAX(CASE WHEN delivery_state = 'pending_local' THEN attempt_count END), 0)
		 FROM alerts`,
	).Scan(&stats.PendingCount, &stats.DeliveredCount, &stats.FailedCount, &stats.ResolvedCount, &oldest, &stats.MaxPendingAttempts)
	if err != nil {
		return nil, err
	}
	if oldest.Valid {
		t := time.Unix(0, oldest.Int64).UTC()
		stats.OldestPendingAt = &t
	}
	return stats, nil
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
