package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/shohag/sosrelay/internal/models"
)

// ErrNotFound is returned by conditional updates when no pending row matched.
var ErrNotFound = errors.New("not found")

// Storage persists queued alerts and the small set of installation settings.
// Every mutation is a single statement so callers never read-modify-write.
type Storage interface {
	// Alerts
	InsertAlert(ctx context.Context, a *models.Alert) (int64, error)
	GetAlert(ctx context.Context, localID int64) (*models.Alert, error)
	ListAlerts(ctx context.Context, state models.DeliveryState, limit int) ([]models.Alert, error)
	CountAlerts(ctx context.Context, state models.DeliveryState) (int64, error)
	MarkDelivered(ctx context.Context, localID int64, remoteID string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, localID int64, reason string, at time.Time) (bool, error)
	RecordAttempt(ctx context.Context, localID int64, errMsg string, at time.Time) (int, error)
	ResolveAlert(ctx context.Context, localID int64, at time.Time) (bool, error)
	PurgeDelivered(ctx context.Context) (int64, error)

	// Settings
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error

	// Leases
	AcquireLease(ctx context.Context, name, owner string, now, until time.Time) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error

	// Stats
	GetStats(ctx context.Context) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

type Stats struct {
	PendingCount       int64      `json:"pending_count"`
	DeliveredCount     int64      `json:"delivered_count"`
	FailedCount        int64      `json:"failed_count"`
	ResolvedCount      int64      `json:"resolved_count"`
	OldestPendingAt    *time.Time `json:"oldest_pending_at,omitempty"`
	MaxPendingAttempts int64      `json:"max_pending_attempts"`
}

// Setting keys.
const (
	SettingLastTrigger    = "cooldown.last_trigger"
	SettingInstallationID = "installation.id"
)

// LeaseSyncRun guards queue draining across processes sharing the database.
const LeaseSyncRun = "sync.run"
