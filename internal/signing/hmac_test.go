package signing

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignAndVerify(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	payload := []byte(`{"type":"FIRE"}`)

	sig, ts := Sign("s3cret", payload, at)
	assert.True(t, strings.HasPrefix(sig, "v1="))
	assert.Equal(t, at.Unix(), ts)

	t.Run("valid signature", func(t *testing.T) {
		assert.True(t, Verify("s3cret", payload, ts, sig, at.Add(time.Minute), 5*time.Minute))
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.False(t, Verify("other", payload, ts, sig, at, 0))
	})

	t.Run("tampered payload", func(t *testing.T) {
		assert.False(t, Verify("s3cret", []byte(`{"type":"POLICE"}`), ts, sig, at, 0))
	})

	t.Run("stale timestamp", func(t *testing.T) {
		assert.False(t, Verify("s3cret", payload, ts, sig, at.Add(10*time.Minute), 5*time.Minute))
		assert.True(t, Verify("s3cret", payload, ts, sig, at.Add(10*time.Minute), 0))
	})

	t.Run("missing version prefix", func(t *testing.T) {
		assert.False(t, Verify("s3cret", payload, ts, strings.TrimPrefix(sig, "v1="), at, 0))
	})
}
