package delivery

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, 5 * time.Minute},
		{2, 10 * time.Minute},
		{12, time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BackoffDelay(tt.failures, DefaultBackoffStep))
	}
}

func TestNextRetryTime(t *testing.T) {
	now := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	next := NextRetryTime(now, 3, DefaultBackoffStep, false, 99, DefaultManualMaxRetries)
	require.NotNil(t, next)
	assert.Equal(t, now.Add(15*time.Minute), *next)

	next = NextRetryTime(now, 1, DefaultBackoffStep, true, 2, DefaultManualMaxRetries)
	require.NotNil(t, next)

	assert.Nil(t, NextRetryTime(now, 4, DefaultBackoffStep, true, 3, DefaultManualMaxRetries))
}

func TestScheduler(t *testing.T) {
	h := newHarness(t, Options{})
	s, err := NewScheduler(h.orch, 0, 30*time.Minute, zerolog.Nop())
	require.NoError(t, err)
	assert.Len(t, s.Entries(), 2)

	s.Start()
	s.Stop()
}
