package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap/zaptest"

	"github.com/railgate/railgate/internal/gateway"
	"github.com/railgate/railgate/internal/sessionkit"
)

func resetConfig(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func setValidConfig() {
	viper.Set("backend_url", "http://backend.local/api/")
	viper.Set("session_ttl", 2*time.Hour)
	viper.Set("refresh_window", 10*time.Minute)
}

func TestLoadGatewayConfigRequiresBackendURL(t *testing.T) {
	resetConfig(t)

	_, loadErr := LoadGatewayConfig()
	if loadErr == nil || !strings.Contains(loadErr.Error(), configCodeMissingBackendURL) {
		t.Fatalf("expected missing backend_url error, got %v", loadErr)
	}
}

func TestLoadGatewayConfigRejectsRelativeBackendURL(t *testing.T) {
	resetConfig(t)
	viper.Set("backend_url", "backend.local/api")

	_, loadErr := LoadGatewayConfig()
	if loadErr == nil || !strings.Contains(loadErr.Error(), configCodeInvalidBackendURL) {
		t.Fatalf("expected invalid backend_url error, got %v", loadErr)
	}
}

func TestLoadGatewayConfigValidatesDurations(t *testing.T) {
	resetConfig(t)
	setValidConfig()
	viper.Set("session_ttl", time.Duration(0))
	if _, loadErr := LoadGatewayConfig(); loadErr == nil || !strings.Contains(loadErr.Error(), configCodeInvalidSessionTTL) {
		t.Fatalf("expected invalid session_ttl error, got %v", loadErr)
	}

	resetConfig(t)
	setValidConfig()
	viper.Set("refresh_window", time.Duration(0))
	if _, loadErr := LoadGatewayConfig(); loadErr == nil || !strings.Contains(loadErr.Error(), configCodeInvalidRefreshWindow) {
		t.Fatalf("expected invalid refresh_window error, got %v", loadErr)
	}

	resetConfig(t)
	setValidConfig()
	viper.Set("refresh_window", 3*time.Hour)
	if _, loadErr := LoadGatewayConfig(); loadErr == nil || !strings.Contains(loadErr.Error(), configCodeWindowExceedsLifetime) {
		t.Fatalf("expected refresh window bound error, got %v", loadErr)
	}
}

func TestLoadGatewayConfigNormalizes(t *testing.T) {
	resetConfig(t)
	setValidConfig()
	viper.Set("cookie_name", "session")

	gatewayConfig, loadErr := LoadGatewayConfig()
	if loadErr != nil {
		t.Fatalf("valid config rejected: %v", loadErr)
	}
	if gatewayConfig.BackendURL != "http://backend.local/api" {
		t.Fatalf("expected trailing slash trimmed, got %q", gatewayConfig.BackendURL)
	}
	if gatewayConfig.CookieName != "session" {
		t.Fatalf("unexpected cookie name %q", gatewayConfig.CookieName)
	}
	if gatewayConfig.RefreshInterval != time.Minute || gatewayConfig.RequestTimeout != 15*time.Second {
		t.Fatalf("expected defaulted durations, got %+v", gatewayConfig)
	}
	if gatewayConfig.SameSiteMode != http.SameSiteStrictMode {
		t.Fatalf("expected strict same-site mode")
	}
}

func TestRunServerRequiresPreparedConfig(t *testing.T) {
	resetConfig(t)

	command := &cobra.Command{}
	runErr := runServer(command, nil)
	if runErr == nil || !strings.Contains(runErr.Error(), configCodeUninitializedConf) {
		t.Fatalf("expected uninitialized config error, got %v", runErr)
	}
}

func TestPrepareGatewayConfigStoresConfigInContext(t *testing.T) {
	resetConfig(t)
	setValidConfig()

	command := &cobra.Command{}
	if prepareErr := prepareGatewayConfig(command, nil); prepareErr != nil {
		t.Fatalf("prepare failed: %v", prepareErr)
	}
	prepared, ok := command.Context().Value(gatewayConfigContextKey).(gateway.Config)
	if !ok {
		t.Fatalf("expected the prepared config in the command context")
	}
	if prepared.BackendURL != "http://backend.local/api" {
		t.Fatalf("unexpected prepared backend URL %q", prepared.BackendURL)
	}
}

func TestRootCommandServesWithStubbedListener(t *testing.T) {
	resetConfig(t)
	viper.Set("backend_url", "http://127.0.0.1:9")
	viper.Set("session_ttl", 2*time.Hour)
	viper.Set("refresh_window", 10*time.Minute)
	viper.Set("listen_addr", "127.0.0.1:0")
	viper.Set("session_db_url", "sqlite://"+filepath.Join(t.TempDir(), "sessions.db"))

	var capturedAddr atomic.Value
	originalServeHTTP := serveHTTP
	serveHTTP = func(server *http.Server) error {
		capturedAddr.Store(server.Addr)
		return http.ErrServerClosed
	}
	t.Cleanup(func() { serveHTTP = originalServeHTTP })

	command := newRootCommand()
	command.SetArgs([]string{})
	if executeErr := command.Execute(); executeErr != nil {
		t.Fatalf("execute failed: %v", executeErr)
	}
	if addr, _ := capturedAddr.Load().(string); addr != "127.0.0.1:0" {
		t.Fatalf("expected the configured listen address, got %q", addr)
	}
}

func TestBuildDurableTierSelection(t *testing.T) {
	logger := zaptest.NewLogger(t)

	memoryTier, memoryErr := buildDurableTier(context.Background(), "", logger)
	if memoryErr != nil {
		t.Fatalf("empty URL must yield the in-memory tier: %v", memoryErr)
	}
	if memoryTier.Name() != "memory" {
		t.Fatalf("unexpected tier %q", memoryTier.Name())
	}

	databaseURL := "sqlite://" + filepath.Join(t.TempDir(), "sessions.db")
	databaseTier, databaseErr := buildDurableTier(context.Background(), databaseURL, logger)
	if databaseErr != nil {
		t.Fatalf("sqlite tier failed: %v", databaseErr)
	}
	if databaseTier.Name() != "database_sqlite" {
		t.Fatalf("unexpected tier %q", databaseTier.Name())
	}

	if _, badErr := buildDurableTier(context.Background(), "mysql://localhost/sessions", logger); badErr == nil {
		t.Fatalf("expected unsupported scheme to fail")
	}

	var _ sessionkit.StorageTier = memoryTier
}

func TestZapLoggerMiddlewarePassesRequestsThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(zapLoggerMiddleware(zaptest.NewLogger(t)))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.String(http.StatusOK, "pong")
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if recorder.Code != http.StatusOK || recorder.Body.String() != "pong" {
		t.Fatalf("unexpected response %d %q", recorder.Code, recorder.Body.String())
	}
}
