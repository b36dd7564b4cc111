package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidAlert is returned when an alert violates the data model.
var ErrInvalidAlert = errors.New("invalid alert")

// AnonymousUser is stored as the user id when the trigger is unauthenticated.
const AnonymousUser = "anonymous"

type AlertType string

const (
	AlertPolice    AlertType = "POLICE"
	AlertAmbulance AlertType = "AMBULANCE"
	AlertFire      AlertType = "FIRE"
)

var alertTypes = []AlertType{AlertPolice, AlertAmbulance, AlertFire}

// ParseAlertType accepts any casing of the three supported types.
func ParseAlertType(s string) (AlertType, error) {
	t := AlertType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", errors.Wrapf(ErrInvalidAlert, "unknown alert type %q", s)
	}
	return t, nil
}

func (t AlertType) Valid() bool {
	for _, known := range alertTypes {
		if t == known {
			return true
		}
	}
	return false
}

type DeliveryState string

const (
	StatePendingLocal      DeliveryState = "pending_local"
	StateDelivered         DeliveryState = "delivered"
	StatePermanentlyFailed DeliveryState = "permanently_failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s DeliveryState) Terminal() bool {
	return s == StateDelivered || s == StatePermanentlyFailed
}

func (s DeliveryState) Valid() bool {
	switch s {
	case StatePendingLocal, StateDelivered, StatePermanentlyFailed:
		return true
	}
	return false
}

// Alert is a single emergency report. Coordinate and CreatedAt are fixed at
// creation; only the delivery bookkeeping and Resolved ever change.
type Alert struct {
	LocalID        int64         `json:"local_id,omitempty"`
	RequestID      string        `json:"request_id"`
	RemoteID       string        `json:"remote_id,omitempty"`
	UserID         string        `json:"user_id"`
	Type           AlertType     `json:"type"`
	Coordinate     Coordinate    `json:"coordinate"`
	LocationSource string        `json:"location_source,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	Resolved       bool          `json:"resolved"`
	State          DeliveryState `json:"delivery_state"`
	AttemptCount   int           `json:"attempt_count"`
	LastError      string        `json:"last_error,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Validate checks the fields every new alert must carry.
func (a *Alert) Validate() error {
	if a.RequestID == "" {
		return errors.Wrap(ErrInvalidAlert, "request id is required")
	}
	if strings.TrimSpace(a.UserID) == "" {
		return errors.Wrap(ErrInvalidAlert, "user id is required")
	}
	if !a.Type.Valid() {
		return errors.Wrapf(ErrInvalidAlert, "unknown alert type %q", a.Type)
	}
	if err := a.Coordinate.Validate(); err != nil {
		return errors.Wrap(ErrInvalidAlert, err.Error())
	}
	if a.CreatedAt.IsZero() {
		return errors.Wrap(ErrInvalidAlert, "created_at is required")
	}
	return nil
}

// LocalRef is the external reference of a queued alert.
func LocalRef(localID int64) string {
	return fmt.Sprintf("%s%d", localRefPrefix, localID)
}

const localRefPrefix = "local:"

// ParseLocalRef returns the local id encoded in ref, if ref is a local reference.
func ParseLocalRef(ref string) (int64, bool) {
	if !strings.HasPrefix(ref, localRefPrefix) {
		return 0, false
	}
	var id int64
	if _, err := fmt.Sscanf(strings.TrimPrefix(ref, localRefPrefix), "%d", &id); err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
