// Package fingerprint derives stable cluster keys from error events.
package fingerprint

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/miradorstack/mirador-triage/internal/models"
)

// Digest is the 64-bit fingerprint of an event shape.
type Digest uint64

// String renders the digest as 16 lowercase hex characters.
func (d Digest) String() string {
	s := strconv.FormatUint(uint64(d), 16)
	if len(s) < 16 {
		s = strings.Repeat("0", 16-len(s)) + s
	}
	return s
}

// Compute hashes the normalized shape of ev. Events that differ only in volatile values share a digest.
func Compute(ev models.Event) Digest {
	h := xxhash.New()
	write := func(part string) {
		_, _ = h.WriteString(part)
		_, _ = h.Write([]byte{0})
	}
	write(NormalizeMessage(ev.Message))
	for _, frame := range NormalizeStack(ev.StackTrace) {
		write(frame)
	}
	write("|")
	write(NormalizeRoute(ev.Route))
	write(strings.ToUpper(ev.Method))
	write(ev.ErrorType)
	write(ev.AppVersion)
	return Digest(h.Sum64())
}

// Of returns the hex key for ev.
func Of(ev models.Event) string {
	return Compute(ev).String()
}

// HashUser returns a short stable hash of a user id for unique-user counting.
func HashUser(userID string) string {
	if userID == "" {
		return ""
	}
	return Digest(xxhash.Sum64String("user:" + userID)).String()
}
