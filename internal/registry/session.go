// Package registry is the durable store of pooled session records.
package registry

import (
	"strings"
	"time"

	"cookiepool/pkg/models"
)

// BanThreshold is the consecutive-failure count at which a session is
// de-authenticated and never selected again.
const BanThreshold = 3

// Pair is one name/value entry of a serialized session blob. The blob
// preserves insertion order.
type Pair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Pairs is the serialized session blob.
type Pairs []Pair

// CookieHeader renders the blob in Cookie header wire format.
func (p Pairs) CookieHeader() string {
	parts := make([]string, 0, len(p))
	for _, c := range p {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// CSRFToken returns the csrftoken value with surrounding quotes
// stripped, or empty if absent.
func (p Pairs) CSRFToken() string {
	for _, c := range p {
		if c.Name == "csrftoken" {
			return strings.Trim(c.Value, `"`)
		}
	}
	return ""
}

// Session is one pooled authenticated session record.
type Session struct {
	ID       int64
	Platform models.Platform
	Username string
	// Password is the opaque credential used by the out-of-band
	// acquisition flow. Never read here.
	Password    string
	SessionData Pairs

	Authenticated bool
	InUse         bool

	SessionUpdatedAt time.Time
	LastLogin        *time.Time
	LastUsedAt       *time.Time
	LastValidatedAt  *time.Time

	ConsecutiveFailures int
	FailureReason       string
}

// Clone returns a deep copy safe to hand across goroutines.
func (s *Session) Clone() *Session {
	dup := *s
	dup.SessionData = append(Pairs(nil), s.SessionData...)
	copyTime := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := *t
		return &v
	}
	dup.LastLogin = copyTime(s.LastLogin)
	dup.LastUsedAt = copyTime(s.LastUsedAt)
	dup.LastValidatedAt = copyTime(s.LastValidatedAt)
	return &dup
}
