// Package visitor derives anonymous visitor identifiers for beacons that do
// not carry one.
package visitor

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Fingerprinter hashes (salt, day, site, IP, user agent) into a stable id that
// rotates every UTC day.
type Fingerprinter struct {
	salt string
}

// New returns a Fingerprinter. The salt keeps ids from being reproducible
// outside this deployment.
func New(salt string) *Fingerprinter {
	return &Fingerprinter{salt: salt}
}

// ID returns a 32 character hex digest for the visitor on the day of at.
func (f *Fingerprinter) ID(siteID, ip, userAgent string, at time.Time) string {
	h := sha256.New()
	for _, part := range []string{f.salt, at.UTC().Format(time.DateOnly), siteID, ip, userAgent} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
