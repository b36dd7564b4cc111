package gateway

import (
	"fmt"
	"math"
	"time"
)

type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeQueued    Outcome = "queued"
	OutcomeRejected  Outcome = "rejected"
)

type Reason string

const (
	ReasonCooldownActive              Reason = "cooldown_active"
	ReasonLocationUnavailable         Reason = "location_unavailable"
	ReasonPermissionDenied            Reason = "permission_denied"
	ReasonOnlineFailedOfflineDisabled Reason = "online_failed_offline_disabled"
	ReasonOfflineDisabled             Reason = "offline_disabled"
)

// Result is what the user sees after a trigger.
type Result struct {
	Outcome           Outcome       `json:"outcome"`
	RemoteID          string        `json:"remote_id,omitempty"`
	LocalID           int64         `json:"local_id,omitempty"`
	Ref               string        `json:"ref,omitempty"`
	Reason            Reason        `json:"reason,omitempty"`
	CooldownRemaining time.Duration `json:"-"`
	RetryAfterSeconds int           `json:"retry_after_seconds,omitempty"`
	Hint              string        `json:"hint,omitempty"`
	LocationSource    string        `json:"location_source,omitempty"`
}

func rejected(reason Reason) Result {
	return Result{Outcome: OutcomeRejected, Reason: reason, Hint: hintFor(reason)}
}

func cooldownRejected(remaining time.Duration) Result {
	r := rejected(ReasonCooldownActive)
	r.CooldownRemaining = remaining
	r.RetryAfterSeconds = int(math.Ceil(remaining.Seconds()))
	r.Hint = fmt.Sprintf("An alert was sent recently. You can send another in %s.", remaining.Round(time.Second))
	return r
}

func hintFor(reason Reason) string {
	switch reason {
	case ReasonLocationUnavailable:
		return "Your location could not be determined. Turn on location services, move somewhere with a clear view of the sky and try again."
	case ReasonPermissionDenied:
		return "Location access is off. Allow location access for SOSRelay and try again."
	case ReasonOnlineFailedOfflineDisabled:
		return "The alert service could not be reached. Turn on offline fallback to keep alerts until the connection returns."
	case ReasonOfflineDisabled:
		return "You are offline. Turn on offline fallback to keep alerts until the connection returns."
	}
	return ""
}
