package sessionkit

import (
	"time"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a Clock backed by the wall clock.
func NewSystemClock() Clock {
	return systemClock{}
}

// UserProfile is the identity record returned by the booking backend. UUID is
// the opaque identifier the backend keys bookings on.
type UserProfile struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	UUID  string `json:"uuid"`
}

// SessionRecord is the persisted session aggregate. It is always replaced
// wholesale from a server response, never patched field by field.
type SessionRecord struct {
	Token        string       `json:"token"`
	RefreshToken string       `json:"refreshToken,omitempty"`
	User         *UserProfile `json:"user"`
	ExpiresAtMS  int64        `json:"expiresAt"`
}

// ExpiresAt converts the persisted epoch-millisecond expiry to a time.Time.
func (record *SessionRecord) ExpiresAt() time.Time {
	return time.UnixMilli(record.ExpiresAtMS).UTC()
}

// Valid reports whether the record constitutes a usable session: a bearer
// token, a profile, and an expiry still in the future. Anything else is
// treated as "no session".
func (record *SessionRecord) Valid(now time.Time) bool {
	if record == nil {
		return false
	}
	if record.Token == "" || record.User == nil {
		return false
	}
	return record.ExpiresAt().After(now)
}

// NeedsRefresh reports whether the record is inside the refresh window: still
// valid, but close enough to expiry that a proactive refresh should run now.
func (record *SessionRecord) NeedsRefresh(now time.Time, window time.Duration) bool {
	if !record.Valid(now) {
		return false
	}
	return record.ExpiresAt().Sub(now) <= window
}
