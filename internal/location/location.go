package location

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/shohag/sosrelay/internal/models"
)

var (
	ErrLocationUnavailable = errors.New("location unavailable")
	ErrPermissionDenied    = errors.New("location permission denied")
)

type Reason string

const (
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonNoFix            Reason = "no_fix"
)

// UnavailableError is returned by Acquire when every strategy came up empty.
// It matches ErrLocationUnavailable, and ErrPermissionDenied as well when the
// reason is a missing permission.
type UnavailableError struct {
	Reason Reason
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("location unavailable: %s", e.Reason)
}

func (e *UnavailableError) Is(target error) bool {
	switch target {
	case ErrLocationUnavailable:
		return true
	case ErrPermissionDenied:
		return e.Reason == ReasonPermissionDenied
	}
	return false
}

// Strategy names, recorded on alerts as their location source.
const (
	StrategyFresh     = "fresh"
	StrategyCached    = "cached"
	StrategyLastKnown = "last_known"
	StrategyNetwork   = "network"
	StrategySentinel  = "sentinel"
)

// SentinelCoordinate is only ever used when running simulated.
var SentinelCoordinate = models.Coordinate{Latitude: 37.7749, Longitude: -122.4194}

type Fix struct {
	Coordinate models.Coordinate `json:"coordinate"`
	At         time.Time         `json:"at"`
	Source     string            `json:"source"`
}

// Source is a location provider. Subscribe delivers live fixes to onFix until
// the returned cancel func is called; onFix must not block. Sources return
// ErrPermissionDenied when the user has not granted location access.
type Source interface {
	Subscribe(onFix func(Fix)) (cancel func(), err error)
	LastKnown(ctx context.Context) (Fix, bool, error)
}

// Recorder receives acquisition outcomes; strategy is empty on failure.
type Recorder interface {
	FixAcquired(strategy string, elapsed time.Duration)
}
