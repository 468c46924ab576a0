package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/railgate/railgate/internal/sessionkit"
)

// AuthBackendConfig configures the authentication bindings.
type AuthBackendConfig struct {
	BaseURL string
	Timeout time.Duration
	// DefaultSessionTTL is assumed when a success response omits expiresAt.
	DefaultSessionTTL time.Duration
}

// AuthBackend binds the backend's authentication endpoints for the session
// lifecycle controller. It deliberately bypasses the resilient client: the
// refresh protocol must never recurse into itself.
type AuthBackend struct {
	httpClient *http.Client
	baseURL    string
	defaultTTL time.Duration
	clock      sessionkit.Clock
	logger     *zap.Logger
}

// NewAuthBackend constructs the bindings. The clock and logger may be nil.
func NewAuthBackend(configuration AuthBackendConfig, clock sessionkit.Clock, logger *zap.Logger) *AuthBackend {
	if strings.TrimSpace(configuration.BaseURL) == "" {
		panic("auth backend requires a backend base URL")
	}
	if configuration.Timeout <= 0 {
		configuration.Timeout = defaultRequestTimeout
	}
	if configuration.DefaultSessionTTL <= 0 {
		configuration.DefaultSessionTTL = 2 * time.Hour
	}
	if clock == nil {
		clock = sessionkit.NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthBackend{
		httpClient: &http.Client{Timeout: configuration.Timeout},
		baseURL:    strings.TrimRight(configuration.BaseURL, "/"),
		defaultTTL: configuration.DefaultSessionTTL,
		clock:      clock,
		logger:     logger,
	}
}

type authResponse struct {
	Token        string                  `json:"token"`
	RefreshToken string                  `json:"refreshToken"`
	User         *sessionkit.UserProfile `json:"user"`
	ExpiresAtMS  int64                   `json:"expiresAt"`
}

// Login exchanges credentials for a fresh session record.
func (backend *AuthBackend) Login(ctx context.Context, email string, password string) (*sessionkit.SessionRecord, error) {
	return backend.exchange(ctx, "/login", map[string]string{
		"email":    email,
		"password": password,
	}, "")
}

// Register creates an account and returns the resulting session record.
func (backend *AuthBackend) Register(ctx context.Context, name string, email string, password string, passwordConfirmation string) (*sessionkit.SessionRecord, error) {
	return backend.exchange(ctx, "/register", map[string]string{
		"name":                  name,
		"email":                 email,
		"password":              password,
		"password_confirmation": passwordConfirmation,
	}, "")
}

// Refresh exchanges the current token for a fresh session record. A 401 from
// the refresh endpoint itself is the definitive rejection and is wrapped in
// sessionkit.ErrRefreshRejected; anything else is transient.
func (backend *AuthBackend) Refresh(ctx context.Context, token string) (*sessionkit.SessionRecord, error) {
	record, exchangeErr := backend.exchange(ctx, "/refresh", nil, token)
	if exchangeErr != nil {
		if IsKind(exchangeErr, KindAuthorization) {
			return nil, fmt.Errorf("auth_backend.refresh: %w", sessionkit.ErrRefreshRejected)
		}
		return nil, exchangeErr
	}
	return record, nil
}

// Logout notifies the backend that the token should be revoked.
func (backend *AuthBackend) Logout(ctx context.Context, token string) error {
	return backend.doJSON(ctx, http.MethodPost, "/logout", nil, token, nil)
}

// FetchUser resolves the profile behind a token. The lifecycle controller
// uses it as a liveness check on a session loaded at startup.
func (backend *AuthBackend) FetchUser(ctx context.Context, token string) (*sessionkit.UserProfile, error) {
	var out struct {
		User *sessionkit.UserProfile `json:"user"`
	}
	if fetchErr := backend.doJSON(ctx, http.MethodGet, "/user", nil, token, &out); fetchErr != nil {
		if IsKind(fetchErr, KindAuthorization) {
			return nil, fmt.Errorf("auth_backend.fetch_user: %w", sessionkit.ErrUnauthorized)
		}
		return nil, fetchErr
	}
	if out.User == nil {
		return nil, fmt.Errorf("auth_backend.fetch_user: %w", sessionkit.ErrBadAuthResponse)
	}
	return out.User, nil
}

func (backend *AuthBackend) exchange(ctx context.Context, path string, body any, bearer string) (*sessionkit.SessionRecord, error) {
	var payload authResponse
	if exchangeErr := backend.doJSON(ctx, http.MethodPost, path, body, bearer, &payload); exchangeErr != nil {
		return nil, exchangeErr
	}
	if payload.Token == "" || payload.User == nil {
		return nil, fmt.Errorf("auth_backend.exchange%s: %w", strings.ReplaceAll(path, "/", "."), sessionkit.ErrBadAuthResponse)
	}
	expiresAtMS := payload.ExpiresAtMS
	if expiresAtMS == 0 {
		expiresAtMS = backend.clock.Now().Add(backend.defaultTTL).UnixMilli()
	}
	return &sessionkit.SessionRecord{
		Token:        payload.Token,
		RefreshToken: payload.RefreshToken,
		User:         payload.User,
		ExpiresAtMS:  expiresAtMS,
	}, nil
}

func (backend *AuthBackend) doJSON(ctx context.Context, method string, path string, body any, bearer string, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, encodeErr := json.Marshal(body)
		if encodeErr != nil {
			return fmt.Errorf("auth_backend.encode: %w", encodeErr)
		}
		reader = bytes.NewReader(encoded)
	}
	request, requestErr := http.NewRequestWithContext(ctx, method, backend.baseURL+path, reader)
	if requestErr != nil {
		return fmt.Errorf("auth_backend.build_request: %w", requestErr)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}

	response, doErr := backend.httpClient.Do(request)
	if doErr != nil {
		return newNetworkError(doErr)
	}
	defer func() { _ = response.Body.Close() }()

	payload, readErr := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if readErr != nil {
		return newNetworkError(readErr)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return classifyResponse(response.StatusCode, payload)
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if decodeErr := json.Unmarshal(payload, out); decodeErr != nil {
		return &APIError{
			Kind:       KindServer,
			StatusCode: response.StatusCode,
			Message:    "malformed response from the booking service",
			cause:      decodeErr,
		}
	}
	return nil
}
