package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/railgate/railgate/internal/sessionkit"
)

type stubTokens struct {
	mutex sync.Mutex
	token string
}

func (tokens *stubTokens) CurrentToken(ctx context.Context) string {
	tokens.mutex.Lock()
	defer tokens.mutex.Unlock()
	return tokens.token
}

func (tokens *stubTokens) set(token string) {
	tokens.mutex.Lock()
	defer tokens.mutex.Unlock()
	tokens.token = token
}

type stubRefresher struct {
	calls      atomic.Int64
	refreshErr error
	onRefresh  func()

	started chan struct{}
	release chan struct{}
}

func (refresher *stubRefresher) RefreshSession(ctx context.Context) error {
	refresher.calls.Add(1)
	if refresher.started != nil {
		refresher.started <- struct{}{}
	}
	if refresher.release != nil {
		<-refresher.release
	}
	if refresher.refreshErr != nil {
		return refresher.refreshErr
	}
	if refresher.onRefresh != nil {
		refresher.onRefresh()
	}
	return nil
}

func newTestClient(t *testing.T, baseURL string, tokens TokenSource, refresher Refresher, metrics sessionkit.MetricsRecorder) *Client {
	t.Helper()
	return NewClient(ClientConfig{BaseURL: baseURL}, tokens, refresher, zaptest.NewLogger(t), metrics)
}

func TestAwaitRefreshCoalescesConcurrentCallers(t *testing.T) {
	refresher := &stubRefresher{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	client := newTestClient(t, "http://backend.invalid", &stubTokens{}, refresher, nil)

	const waiterCount = 5
	results := make(chan error, waiterCount+1)

	go func() { results <- client.awaitRefresh(context.Background()) }()
	<-refresher.started

	for index := 0; index < waiterCount; index++ {
		go func() { results <- client.awaitRefresh(context.Background()) }()
	}

	// All late callers must be parked behind the in-flight refresh before it
	// is allowed to settle.
	deadline := time.Now().Add(2 * time.Second)
	for {
		client.queueMutex.Lock()
		queued := len(client.pendingQueue)
		client.queueMutex.Unlock()
		if queued == waiterCount {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d callers queued behind the refresh", queued, waiterCount)
		}
		time.Sleep(time.Millisecond)
	}
	close(refresher.release)

	for index := 0; index < waiterCount+1; index++ {
		if settleErr := <-results; settleErr != nil {
			t.Fatalf("expected every caller to observe success, got %v", settleErr)
		}
	}
	if calls := refresher.calls.Load(); calls != 1 {
		t.Fatalf("expected exactly one refresh round-trip, got %d", calls)
	}

	client.queueMutex.Lock()
	defer client.queueMutex.Unlock()
	if client.refreshInFlight || len(client.pendingQueue) != 0 {
		t.Fatalf("refresh bookkeeping not reset: inFlight=%v queued=%d", client.refreshInFlight, len(client.pendingQueue))
	}
}

func TestAwaitRefreshFailureSettlesEveryWaiter(t *testing.T) {
	refresher := &stubRefresher{
		refreshErr: sessionkit.ErrSessionExpired,
		started:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
	client := newTestClient(t, "http://backend.invalid", &stubTokens{}, refresher, nil)

	results := make(chan error, 3)
	go func() { results <- client.awaitRefresh(context.Background()) }()
	<-refresher.started
	go func() { results <- client.awaitRefresh(context.Background()) }()
	go func() { results <- client.awaitRefresh(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		client.queueMutex.Lock()
		queued := len(client.pendingQueue)
		client.queueMutex.Unlock()
		if queued == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("waiters never queued")
		}
		time.Sleep(time.Millisecond)
	}
	close(refresher.release)

	for index := 0; index < 3; index++ {
		if settleErr := <-results; settleErr != sessionkit.ErrSessionExpired {
			t.Fatalf("expected the shared failure, got %v", settleErr)
		}
	}
	if calls := refresher.calls.Load(); calls != 1 {
		t.Fatalf("expected one refresh attempt, got %d", calls)
	}

	// A later call must be able to start a fresh attempt.
	refresher.started = nil
	refresher.release = nil
	if settleErr := client.awaitRefresh(context.Background()); settleErr != sessionkit.ErrSessionExpired {
		t.Fatalf("expected a new attempt to run, got %v", settleErr)
	}
	if calls := refresher.calls.Load(); calls != 2 {
		t.Fatalf("expected a second refresh attempt, got %d", calls)
	}
}

func Test401TriggersRefreshAndSingleReplay(t *testing.T) {
	var backendHits atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		backendHits.Add(1)
		if request.URL.Path != "/bookings/history" {
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		if request.Header.Get("Authorization") != "Bearer xyz" {
			writer.WriteHeader(http.StatusUnauthorized)
			_, _ = writer.Write([]byte(`{"message":"token expired"}`))
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"bookings":[{"id":7,"booking_code":"TRX-7"}]}`))
	}))
	defer backend.Close()

	tokens := &stubTokens{token: "abc"}
	refresher := &stubRefresher{onRefresh: func() { tokens.set("xyz") }}
	metrics := sessionkit.NewCounterMetrics()
	client := newTestClient(t, backend.URL, tokens, refresher, metrics)

	var out struct {
		Bookings []struct {
			ID          int64  `json:"id"`
			BookingCode string `json:"booking_code"`
		} `json:"bookings"`
	}
	if getErr := client.Get(context.Background(), "/bookings/history", &out); getErr != nil {
		t.Fatalf("expected the replayed request to succeed, got %v", getErr)
	}
	if len(out.Bookings) != 1 || out.Bookings[0].BookingCode != "TRX-7" {
		t.Fatalf("unexpected decoded payload: %+v", out)
	}
	if calls := refresher.calls.Load(); calls != 1 {
		t.Fatalf("expected exactly one refresh, got %d", calls)
	}
	if hits := backendHits.Load(); hits != 2 {
		t.Fatalf("expected original plus one replay, got %d hits", hits)
	}
	if metrics.Count(sessionkit.MetricRequestReplayed) != 1 {
		t.Fatalf("expected one replay metric")
	}
}

func TestRefreshFailureSurfacesOriginalAuthorizationError(t *testing.T) {
	var backendHits atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		backendHits.Add(1)
		writer.WriteHeader(http.StatusUnauthorized)
	}))
	defer backend.Close()

	refresher := &stubRefresher{refreshErr: sessionkit.ErrSessionExpired}
	metrics := sessionkit.NewCounterMetrics()
	client := newTestClient(t, backend.URL, &stubTokens{token: "abc"}, refresher, metrics)

	getErr := client.Get(context.Background(), "/stations", nil)
	if !IsKind(getErr, KindAuthorization) {
		t.Fatalf("expected the original authorization error, got %v", getErr)
	}
	if hits := backendHits.Load(); hits != 1 {
		t.Fatalf("failed refresh must not replay, got %d hits", hits)
	}
	if metrics.Count(sessionkit.MetricRequestReplayed) != 0 {
		t.Fatalf("failed refresh must not count a replay")
	}
}

func TestReplayHappensAtMostOnce(t *testing.T) {
	var backendHits atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		backendHits.Add(1)
		writer.WriteHeader(http.StatusUnauthorized)
	}))
	defer backend.Close()

	refresher := &stubRefresher{}
	client := newTestClient(t, backend.URL, &stubTokens{token: "abc"}, refresher, nil)

	getErr := client.Get(context.Background(), "/stations", nil)
	if !IsKind(getErr, KindAuthorization) {
		t.Fatalf("expected an authorization error after the replay, got %v", getErr)
	}
	if hits := backendHits.Load(); hits != 2 {
		t.Fatalf("expected exactly one replay, got %d hits", hits)
	}
	if calls := refresher.calls.Load(); calls != 1 {
		t.Fatalf("a failed replay must not trigger another refresh, got %d", calls)
	}
}

func TestTimeoutIsANetworkError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer backend.Close()

	refresher := &stubRefresher{}
	client := NewClient(ClientConfig{BaseURL: backend.URL, Timeout: 20 * time.Millisecond},
		&stubTokens{token: "abc"}, refresher, zaptest.NewLogger(t), nil)

	getErr := client.Get(context.Background(), "/stations", nil)
	if !IsKind(getErr, KindNetwork) {
		t.Fatalf("expected a network classification for the timeout, got %v", getErr)
	}
	if calls := refresher.calls.Load(); calls != 0 {
		t.Fatalf("a timeout must never enter the refresh protocol, got %d refresh calls", calls)
	}
}

func TestValidationErrorsSurfacedVerbatim(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = writer.Write([]byte(`{"message":"The given data was invalid.","errors":{"email":["The email has already been taken."]}}`))
	}))
	defer backend.Close()

	client := newTestClient(t, backend.URL, &stubTokens{}, &stubRefresher{}, nil)

	postErr := client.Post(context.Background(), "/register", map[string]string{"email": "dup@example.com"}, nil)
	var apiErr *APIError
	if !IsKind(postErr, KindValidation) {
		t.Fatalf("expected a validation error, got %v", postErr)
	}
	if !errors.As(postErr, &apiErr) {
		t.Fatalf("expected an *APIError, got %T", postErr)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Message != "The given data was invalid." {
		t.Fatalf("unexpected error contents: %+v", apiErr)
	}
	if fields := apiErr.Fields["email"]; len(fields) != 1 || fields[0] != "The email has already been taken." {
		t.Fatalf("expected verbatim field errors, got %v", apiErr.Fields)
	}
}

func TestServerErrorsGetGenericMessage(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusInternalServerError)
		_, _ = writer.Write([]byte(`{"message":"stack trace leaked"}`))
	}))
	defer backend.Close()

	client := newTestClient(t, backend.URL, &stubTokens{}, &stubRefresher{}, nil)

	getErr := client.Get(context.Background(), "/stations", nil)
	var apiErr *APIError
	if !IsKind(getErr, KindServer) || !errors.As(getErr, &apiErr) {
		t.Fatalf("expected a server error, got %v", getErr)
	}
	if apiErr.Message != "the booking service is unavailable, please try again later" {
		t.Fatalf("server details must be replaced with a generic message, got %q", apiErr.Message)
	}
}

func TestMalformedSuccessBodyIsAServerError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		_, _ = writer.Write([]byte(`{"stations": [`))
	}))
	defer backend.Close()

	client := newTestClient(t, backend.URL, &stubTokens{}, &stubRefresher{}, nil)

	var out struct {
		Stations []Station `json:"stations"`
	}
	getErr := client.Get(context.Background(), "/stations", &out)
	if !IsKind(getErr, KindServer) {
		t.Fatalf("expected a server classification for the malformed body, got %v", getErr)
	}
}

func TestBearerHeaderOmittedWithoutToken(t *testing.T) {
	var seenAuthorization atomic.Value
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		seenAuthorization.Store(request.Header.Get("Authorization"))
		writer.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	client := newTestClient(t, backend.URL, &stubTokens{}, &stubRefresher{}, nil)
	if getErr := client.Get(context.Background(), "/stations", nil); getErr != nil {
		t.Fatalf("request failed: %v", getErr)
	}
	if header, _ := seenAuthorization.Load().(string); header != "" {
		t.Fatalf("expected no authorization header, got %q", header)
	}
}
