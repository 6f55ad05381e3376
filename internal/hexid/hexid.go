// Package hexid generates short random hex identifiers for log file
// names and per-run correlation.
package hexid

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// New returns a 12-character lowercase hex string (6 random bytes).
// If the system entropy source fails it falls back to a timestamp-derived
// id; uniqueness matters here, unpredictability does not.
func New() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b[:])
}
