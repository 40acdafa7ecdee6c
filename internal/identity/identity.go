// Package identity produces and validates the connection identifiers that
// users exchange out-of-band to pair two peers.
package identity

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Prefix is prepended to every generated identifier.
const Prefix = "togetherly-"

const (
	minLength     = 6  // Validate requires len > 5
	randomLength  = 12 // hex characters taken from a v4 UUID
	fallbackChars = 4
	alphanumerics = "abcdefghijklmnopqrstuvwxyz0123456789"
)

var validPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Generate returns a practically collision-free identifier. The random part
// is the leading 12 hex digits of a crypto-random v4 UUID, all of which
// carry entropy (the version nibble comes after them).
func Generate() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return Prefix + raw[:randomLength]
}

// GenerateFallback returns a lower-entropy identifier built from the current
// time and a short random suffix. It is only used after the primary
// identifier was reported as already taken.
func GenerateFallback() string {
	return GenerateFallbackAt(time.Now())
}

// GenerateFallbackAt is GenerateFallback with an explicit timestamp.
func GenerateFallbackAt(now time.Time) string {
	ts := strconv.FormatInt(now.UnixMilli(), 36)
	return Prefix + ts + "-" + randomSuffix(fallbackChars)
}

// Validate reports whether s is acceptable as a remote identifier: longer
// than five characters and made only of ASCII letters, digits, '-' and '_'.
func Validate(s string) bool {
	return len(s) >= minLength && validPattern.MatchString(s)
}

// JoinLink renders a shareable deep link for id under base, e.g.
// https://example.com/join?peerId=togetherly-abc.
func JoinLink(base, id string) string {
	q := url.Values{}
	q.Set("peerId", id)
	return strings.TrimRight(base, "/") + "/join?" + q.Encode()
}

// ParseJoinLink extracts the identifier from a join link. Bare identifiers
// are accepted as well, so users can paste either form.
func ParseJoinLink(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if Validate(raw) {
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid join link: %w", err)
	}
	id := u.Query().Get("peerId")
	if !Validate(id) {
		return "", fmt.Errorf("invalid connection identifier %q", id)
	}
	return id, nil
}

// randomSuffix returns n characters drawn from alphanumerics. The bytes
// come from the random head of a v4 UUID, so n must not exceed 6.
func randomSuffix(n int) string {
	u := uuid.New()
	out := make([]byte, n)
	for i := range out {
		out[i] = alphanumerics[int(u[i])%len(alphanumerics)]
	}
	return string(out)
}
