package sessionkit

import "errors"

var (
	// ErrNoSession indicates no session record is held in any storage tier.
	ErrNoSession = errors.New("session.no_session")
	// ErrSessionExpired indicates the session was cleared after a definitive refresh rejection.
	ErrSessionExpired = errors.New("session.expired")
	// ErrRefreshRejected marks a definitive authorization rejection of the refresh
	// credential itself, as opposed to a transient refresh failure.
	ErrRefreshRejected = errors.New("session.refresh_rejected")
	// ErrUnauthorized marks a 401 on an ordinary authenticated call, such as
	// the profile liveness check.
	ErrUnauthorized = errors.New("session.unauthorized")
	// ErrBadAuthResponse indicates a 2xx auth response missing the token or profile.
	ErrBadAuthResponse = errors.New("session.bad_auth_response")

	errMalformedRecord = errors.New("session_store.malformed_record")
)
