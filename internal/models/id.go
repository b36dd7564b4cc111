package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewRequestID returns the client-assigned identity sent with every delivery
// attempt of one alert, so the remote store can drop duplicates.
func NewRequestID(t time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy())
	return fmt.Sprintf("alr_%s", id.String())
}

func NewInstallationID() string {
	return uuid.NewString()
}
