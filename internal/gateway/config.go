package gateway

import (
	"net/http"
	"time"
)

// Config configures the edge gateway: the backend it fronts, the session
// cookie projection, and the refresh cadence.
type Config struct {
	BackendURL        string
	CookieName        string
	CookieDomain      string
	CookieTTL         time.Duration
	SessionTTL        time.Duration
	RefreshWindow     time.Duration
	RefreshInterval   time.Duration
	RequestTimeout    time.Duration
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
}
