package remote

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/shohag/sosrelay/internal/models"
)

var (
	// ErrRemoteTransient covers failures worth retrying: transport errors,
	// timeouts, throttling and server errors.
	ErrRemoteTransient = errors.New("remote store unavailable")
	// ErrRemotePermanent means the store understood and refused the request.
	ErrRemotePermanent = errors.New("remote store rejected request")
)

// Store is the remote alert store. Create must be safe to repeat for the same
// alert: implementations send the alert's RequestID so the store can drop
// duplicates.
type Store interface {
	Create(ctx context.Context, alert models.Alert) (string, error)
	Resolve(ctx context.Context, remoteID string) error
	QueryByUser(ctx context.Context, userID string) ([]models.Alert, error)
	QueryNearby(ctx context.Context, center models.Coordinate, radiusMeters float64, window time.Duration) ([]models.Alert, error)
}

// StatusError is a non-2xx answer from the store.
type StatusError struct {
	StatusCode int
	Body       string
	kind       error
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.kind, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.kind, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return e.kind }

// Classify maps an HTTP status code to nil, ErrRemoteTransient or
// ErrRemotePermanent.
func Classify(statusCode int) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooEarly,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		return ErrRemoteTransient
	default:
		return ErrRemotePermanent
	}
}

// IsPermanent reports whether retrying err cannot succeed. Anything not
// explicitly permanent is retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrRemotePermanent)
}
