package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const version = "v1="

// Sign returns the request signature over "<timestamp>.<payload>" for the
// given signing time.
func Sign(secret string, payload []byte, at time.Time) (signature string, timestamp int64) {
	timestamp = at.Unix()
	return version + digest(secret, timestamp, payload), timestamp
}

// Verify checks signature and rejects timestamps further than maxSkew from
// now. A non-positive maxSkew disables the freshness check.
func Verify(secret string, payload []byte, timestamp int64, signature string, now time.Time, maxSkew time.Duration) bool {
	if !strings.HasPrefix(signature, version) {
		return false
	}
	if maxSkew > 0 {
		skew := now.Sub(time.Unix(timestamp, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > maxSkew {
			return false
		}
	}
	expected := version + digest(secret, timestamp, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func digest(secret string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
