package routeguard

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// DefaultCookieName is used when Config.CookieName is empty.
const DefaultCookieName = "token"

// Sentinel errors exposed by the guard.
var (
	ErrMissingLoginPath = errors.New("route_guard.missing_login_path")
	ErrMissingHomePath  = errors.New("route_guard.missing_home_path")
)

// Config configures the Guard.
type Config struct {
	// CookieName is the session cookie whose presence marks a request as
	// authenticated for routing purposes.
	CookieName string
	// LoginPath receives unauthenticated visitors of protected paths.
	LoginPath string
	// HomePath receives authenticated visitors of auth-only paths.
	HomePath string
	// ProtectedPrefixes require the session cookie.
	ProtectedPrefixes []string
	// AuthOnlyPaths redirect away when the session cookie is present.
	AuthOnlyPaths []string
}

// DefaultConfig returns the booking app's path classification.
func DefaultConfig() Config {
	return Config{
		CookieName: DefaultCookieName,
		LoginPath:  "/login",
		HomePath:   "/",
		ProtectedPrefixes: []string{
			"/booking-history",
			"/passenger-info",
			"/payment",
			"/payment-success",
			"/seat-selection",
			"/seats",
		},
		AuthOnlyPaths: []string{
			"/login",
			"/register",
		},
	}
}

// Guard makes the per-navigation allow/redirect decision. The decision is a
// cookie-presence check only: expiry and signature are not validated here,
// that burden stays with the API client's 401 protocol once an actual call is
// made.
type Guard struct {
	configuration Config
}

// New constructs a Guard after validating the supplied configuration.
func New(configuration Config) (*Guard, error) {
	if strings.TrimSpace(configuration.CookieName) == "" {
		configuration.CookieName = DefaultCookieName
	}
	if strings.TrimSpace(configuration.LoginPath) == "" {
		return nil, fmt.Errorf("route_guard.new: %w", ErrMissingLoginPath)
	}
	if strings.TrimSpace(configuration.HomePath) == "" {
		return nil, fmt.Errorf("route_guard.new: %w", ErrMissingHomePath)
	}
	return &Guard{configuration: configuration}, nil
}

// Decide returns the redirect target for the given path, or ok=true when the
// request should pass through unmodified. For a protected path the original
// path is preserved as the redirect query parameter so the login page can
// return the visitor afterwards.
func (guard *Guard) Decide(path string, hasCookie bool) (redirectTo string, ok bool) {
	switch guard.classify(path) {
	case pathProtected:
		if hasCookie {
			return "", true
		}
		query := url.Values{}
		query.Set("redirect", path)
		return guard.configuration.LoginPath + "?" + query.Encode(), false
	case pathAuthOnly:
		if !hasCookie {
			return "", true
		}
		return guard.configuration.HomePath, false
	default:
		return "", true
	}
}

// DecideRequest applies Decide to an inbound request's path and cookie.
func (guard *Guard) DecideRequest(request *http.Request) (redirectTo string, ok bool) {
	hasCookie := false
	if request != nil {
		cookie, cookieErr := request.Cookie(guard.configuration.CookieName)
		hasCookie = cookieErr == nil && cookie != nil && strings.TrimSpace(cookie.Value) != ""
	}
	path := "/"
	if request != nil && request.URL != nil {
		path = request.URL.Path
	}
	return guard.Decide(path, hasCookie)
}

// GinMiddleware returns a Gin middleware issuing the guard's redirects before
// any page handler runs.
func (guard *Guard) GinMiddleware() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		redirectTo, ok := guard.DecideRequest(contextGin.Request)
		if ok {
			contextGin.Next()
			return
		}
		contextGin.Redirect(http.StatusFound, redirectTo)
		contextGin.Abort()
	}
}

type pathClass int

const (
	pathPublic pathClass = iota
	pathProtected
	pathAuthOnly
)

func (guard *Guard) classify(path string) pathClass {
	for _, authOnly := range guard.configuration.AuthOnlyPaths {
		if path == authOnly {
			return pathAuthOnly
		}
	}
	for _, prefix := range guard.configuration.ProtectedPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return pathProtected
		}
	}
	return pathPublic
}
