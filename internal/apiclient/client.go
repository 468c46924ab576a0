package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/railgate/railgate/internal/sessionkit"
)

const (
	defaultRequestTimeout = 15 * time.Second
	maxResponseBytes      = 4 << 20
)

// TokenSource yields the bearer token to attach to outbound requests.
type TokenSource interface {
	CurrentToken(ctx context.Context) string
}

// Refresher exchanges the current session for a fresh one. It is expected to
// clear the session on a definitive rejection.
type Refresher interface {
	RefreshSession(ctx context.Context) error
}

// ClientConfig configures the resilient client.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Client is the uniform outbound request path to the booking backend. Every
// request attaches the current bearer token, carries a bounded timeout, and
// fails with a classified *APIError. A 401 triggers at most one refresh at a
// time: concurrent 401s queue behind the in-flight refresh and replay their
// original request once it settles.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	refresher  Refresher
	logger     *zap.Logger
	metrics    sessionkit.MetricsRecorder

	queueMutex      sync.Mutex
	refreshInFlight bool
	pendingQueue    []chan error
}

// NewClient constructs a Client. The logger and metrics may be nil.
func NewClient(configuration ClientConfig, tokens TokenSource, refresher Refresher, logger *zap.Logger, metrics sessionkit.MetricsRecorder) *Client {
	if strings.TrimSpace(configuration.BaseURL) == "" {
		panic("api client requires a backend base URL")
	}
	if tokens == nil || refresher == nil {
		panic("api client requires a token source and a refresher")
	}
	if configuration.Timeout <= 0 {
		configuration.Timeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{Timeout: configuration.Timeout},
		baseURL:    strings.TrimRight(configuration.BaseURL, "/"),
		tokens:     tokens,
		refresher:  refresher,
		logger:     logger,
		metrics:    metrics,
	}
}

// Get issues a GET and decodes the response into out.
func (client *Client) Get(ctx context.Context, path string, out any) error {
	return client.do(ctx, http.MethodGet, path, nil, out)
}

// Post issues a POST with a JSON body and decodes the response into out.
func (client *Client) Post(ctx context.Context, path string, body any, out any) error {
	return client.do(ctx, http.MethodPost, path, body, out)
}

// Put issues a PUT with a JSON body and decodes the response into out.
func (client *Client) Put(ctx context.Context, path string, body any, out any) error {
	return client.do(ctx, http.MethodPut, path, body, out)
}

// Patch issues a PATCH with a JSON body and decodes the response into out.
func (client *Client) Patch(ctx context.Context, path string, body any, out any) error {
	return client.do(ctx, http.MethodPatch, path, body, out)
}

// Delete issues a DELETE and decodes the response into out.
func (client *Client) Delete(ctx context.Context, path string, out any) error {
	return client.do(ctx, http.MethodDelete, path, nil, out)
}

// do issues the request once and, on an authorization failure, coordinates a
// shared refresh and replays the request a single time. The single replay
// keeps a refresh that itself keeps failing from looping forever.
func (client *Client) do(ctx context.Context, method string, path string, body any, out any) error {
	requestErr := client.issue(ctx, method, path, body, out)
	if requestErr == nil {
		return nil
	}
	if !IsKind(requestErr, KindAuthorization) {
		return requestErr
	}
	if refreshErr := client.awaitRefresh(ctx); refreshErr != nil {
		client.logger.Info("refresh failed, surfacing authorization error",
			zap.String("code", "api_client.refresh_failed"),
			zap.String("path", path),
			zap.Error(refreshErr))
		return requestErr
	}
	client.count(sessionkit.MetricRequestReplayed)
	return client.issue(ctx, method, path, body, out)
}

// awaitRefresh ensures exactly one refresh round-trip runs no matter how many
// requests observe an expired token concurrently. The first caller performs
// the refresh; everyone else parks on a queued channel and is settled with
// the same outcome. The in-flight flag is always cleared, so a later 401 can
// start a new attempt.
func (client *Client) awaitRefresh(ctx context.Context) error {
	client.queueMutex.Lock()
	if client.refreshInFlight {
		waiter := make(chan error, 1)
		client.pendingQueue = append(client.pendingQueue, waiter)
		client.queueMutex.Unlock()
		select {
		case settleErr := <-waiter:
			return settleErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	client.refreshInFlight = true
	client.queueMutex.Unlock()

	refreshErr := client.refresher.RefreshSession(ctx)

	client.queueMutex.Lock()
	queued := client.pendingQueue
	client.pendingQueue = nil
	client.refreshInFlight = false
	client.queueMutex.Unlock()

	for _, waiter := range queued {
		waiter <- refreshErr
	}
	return refreshErr
}

func (client *Client) issue(ctx context.Context, method string, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, encodeErr := json.Marshal(body)
		if encodeErr != nil {
			return fmt.Errorf("api_client.encode: %w", encodeErr)
		}
		reader = bytes.NewReader(encoded)
	}
	request, requestErr := http.NewRequestWithContext(ctx, method, client.baseURL+path, reader)
	if requestErr != nil {
		return fmt.Errorf("api_client.build_request: %w", requestErr)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token := client.tokens.CurrentToken(ctx); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		return newNetworkError(doErr)
	}
	defer func() { _ = response.Body.Close() }()

	payload, readErr := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if readErr != nil {
		return newNetworkError(readErr)
	}
	if response.StatusCode >= 200 && response.StatusCode < 300 {
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
	return classifyResponse(response.StatusCode, payload)
}

func (client *Client) count(event string) {
	if client.metrics != nil {
		client.metrics.Increment(event)
	}
}
