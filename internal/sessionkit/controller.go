package sessionkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle state of the authenticated session.
type State int

const (
	// StateUnauthenticated means no session is held.
	StateUnauthenticated State = iota
	// StateAuthenticating means a login or register call is in flight.
	StateAuthenticating
	// StateAuthenticated means a valid session is held.
	StateAuthenticated
	// StateRefreshing means a token refresh is in flight.
	StateRefreshing
	// StateExpired means the refresh credential was definitively rejected; the
	// session has been cleared and only re-authentication leaves this state.
	StateExpired
)

// String names the state for logs.
func (state State) String() string {
	switch state {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// AuthBackend performs the authentication calls against the booking backend.
// Implementations must wrap a definitive 401 on the refresh call itself in
// ErrRefreshRejected and a 401 on FetchUser in ErrUnauthorized; any other
// refresh failure is treated as transient.
type AuthBackend interface {
	Login(ctx context.Context, email string, password string) (*SessionRecord, error)
	Register(ctx context.Context, name string, email string, password string, passwordConfirmation string) (*SessionRecord, error)
	Refresh(ctx context.Context, token string) (*SessionRecord, error)
	Logout(ctx context.Context, token string) error
	FetchUser(ctx context.Context, token string) (*UserProfile, error)
}

const (
	defaultRefreshWindow = 10 * time.Minute
	defaultCheckInterval = time.Minute
)

// ControllerConfig tunes the proactive refresh behavior. Both values are
// deliberately configurable rather than hardcoded.
type ControllerConfig struct {
	// RefreshWindow is how close to expiry a session may get before a
	// proactive refresh runs. It must be long enough to complete a refresh
	// round-trip before the token actually expires.
	RefreshWindow time.Duration
	// CheckInterval is the period of the background timer that re-evaluates
	// the refresh window while authenticated.
	CheckInterval time.Duration
}

// Controller owns the session lifecycle: it exposes the login, register,
// logout, and refresh verbs, runs the background refresh timer, and reacts to
// storage-change notifications from other gateway instances. Construct one at
// application start and close it on teardown.
type Controller struct {
	store         *Store
	backend       AuthBackend
	configuration ControllerConfig
	clock         Clock
	logger        *zap.Logger
	metrics       MetricsRecorder

	mutex sync.Mutex
	state State

	// refreshMutex serializes refresh round-trips across callers: the refresh
	// credential may be single-use on the backend, so two concurrent refresh
	// calls could invalidate each other.
	refreshMutex sync.Mutex

	started     bool
	stopTicker  chan struct{}
	tickerDone  chan struct{}
	unsubscribe func()
}

// NewController constructs a Controller. The clock, logger, and metrics may
// be nil; zero config fields fall back to defaults.
func NewController(store *Store, backend AuthBackend, configuration ControllerConfig, clock Clock, logger *zap.Logger, metrics MetricsRecorder) *Controller {
	if store == nil {
		panic("controller requires a session store")
	}
	if backend == nil {
		panic("controller requires an auth backend")
	}
	if configuration.RefreshWindow <= 0 {
		configuration.RefreshWindow = defaultRefreshWindow
	}
	if configuration.CheckInterval <= 0 {
		configuration.CheckInterval = defaultCheckInterval
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		store:         store,
		backend:       backend,
		configuration: configuration,
		clock:         clock,
		logger:        logger,
		metrics:       metrics,
		state:         StateUnauthenticated,
	}
}

// State returns the current lifecycle state.
func (controller *Controller) State() State {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()
	return controller.state
}

// Start loads the persisted session, enters the matching state, subscribes to
// storage-change notifications, and launches the background refresh timer.
// A stale persisted record is cleared.
func (controller *Controller) Start(ctx context.Context, notifier *ChangeNotifier) {
	controller.mutex.Lock()
	if controller.started {
		controller.mutex.Unlock()
		return
	}
	controller.started = true
	controller.stopTicker = make(chan struct{})
	controller.tickerDone = make(chan struct{})
	controller.mutex.Unlock()

	record := controller.store.Load(ctx)
	now := controller.clock.Now()
	switch {
	case record.Valid(now):
		controller.setState(StateAuthenticated)
		if record.NeedsRefresh(now, controller.configuration.RefreshWindow) {
			if refreshErr := controller.RefreshSession(ctx); refreshErr != nil {
				controller.logger.Warn("startup refresh failed",
					zap.String("code", "session.startup_refresh_failed"),
					zap.Error(refreshErr))
			}
		} else {
			controller.verifyLiveness(ctx, record)
		}
	case record != nil:
		controller.store.Clear(ctx)
		controller.setState(StateUnauthenticated)
	}

	if notifier != nil {
		controller.unsubscribe = notifier.Subscribe(controller.handleStorageChange)
	}
	go controller.runTicker()
}

// Close cancels the background timer and the notifier subscription.
func (controller *Controller) Close() {
	controller.mutex.Lock()
	if !controller.started {
		controller.mutex.Unlock()
		return
	}
	controller.started = false
	stop := controller.stopTicker
	done := controller.tickerDone
	unsubscribe := controller.unsubscribe
	controller.unsubscribe = nil
	controller.mutex.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	close(stop)
	<-done
}

// Login authenticates with the backend and, on success, persists the fresh
// session and returns the profile. On failure the store is left untouched.
func (controller *Controller) Login(ctx context.Context, email string, password string) (*UserProfile, error) {
	return controller.authenticate(ctx, MetricLoginSuccess, MetricLoginFailure, func() (*SessionRecord, error) {
		return controller.backend.Login(ctx, email, password)
	})
}

// Register creates an account and persists the resulting session, with the
// same contract as Login.
func (controller *Controller) Register(ctx context.Context, name string, email string, password string, passwordConfirmation string) (*UserProfile, error) {
	return controller.authenticate(ctx, MetricRegisterSuccess, MetricRegisterFailure, func() (*SessionRecord, error) {
		return controller.backend.Register(ctx, name, email, password, passwordConfirmation)
	})
}

func (controller *Controller) authenticate(ctx context.Context, successMetric string, failureMetric string, call func() (*SessionRecord, error)) (*UserProfile, error) {
	controller.setState(StateAuthenticating)
	record, callErr := call()
	if callErr != nil {
		controller.setState(StateUnauthenticated)
		controller.count(failureMetric)
		return nil, callErr
	}
	if record == nil || record.Token == "" || record.User == nil {
		controller.setState(StateUnauthenticated)
		controller.count(failureMetric)
		return nil, fmt.Errorf("session.authenticate: %w", ErrBadAuthResponse)
	}
	controller.store.Save(ctx, record)
	controller.setState(StateAuthenticated)
	controller.count(successMetric)
	return record.User, nil
}

// Logout notifies the backend best-effort, then unconditionally clears the
// local session. The caller is expected to redirect to the landing route so
// no stale page state survives.
func (controller *Controller) Logout(ctx context.Context) {
	if token := controller.store.CurrentToken(ctx); token != "" {
		if logoutErr := controller.backend.Logout(ctx, token); logoutErr != nil {
			controller.logger.Debug("backend logout failed",
				zap.String("code", "session.logout_notify_failed"),
				zap.Error(logoutErr))
		}
	}
	controller.store.Clear(ctx)
	controller.setState(StateUnauthenticated)
	controller.count(MetricLogout)
}

// RefreshSession exchanges the current session for a fresh one. A definitive
// rejection of the refresh credential clears the session and forces the
// expired state; a transient failure keeps the stored record so a later
// attempt can retry against it.
func (controller *Controller) RefreshSession(ctx context.Context) error {
	controller.refreshMutex.Lock()
	defer controller.refreshMutex.Unlock()

	record := controller.store.Load(ctx)
	if record == nil {
		return ErrNoSession
	}
	controller.setState(StateRefreshing)

	fresh, refreshErr := controller.backend.Refresh(ctx, record.Token)
	if refreshErr != nil {
		if errors.Is(refreshErr, ErrRefreshRejected) {
			controller.logger.Info("refresh credential rejected, session expired",
				zap.String("code", "session.refresh_rejected"))
			controller.setState(StateExpired)
			controller.store.Clear(ctx)
			controller.count(MetricRefreshExpired)
			return fmt.Errorf("session.refresh: %w", ErrSessionExpired)
		}
		controller.setState(StateAuthenticated)
		controller.count(MetricRefreshFailure)
		return refreshErr
	}
	if fresh == nil || fresh.Token == "" || fresh.User == nil {
		controller.setState(StateAuthenticated)
		controller.count(MetricRefreshFailure)
		return fmt.Errorf("session.refresh: %w", ErrBadAuthResponse)
	}
	controller.store.Save(ctx, fresh)
	controller.setState(StateAuthenticated)
	controller.count(MetricRefreshSuccess)
	return nil
}

// verifyLiveness confirms a session loaded at startup is still honored by the
// backend. A 401 clears it immediately instead of waiting for the first
// booking call to fail; a fresh profile is persisted; network failures keep
// the session so an offline start still works.
func (controller *Controller) verifyLiveness(ctx context.Context, record *SessionRecord) {
	profile, fetchErr := controller.backend.FetchUser(ctx, record.Token)
	if fetchErr != nil {
		if errors.Is(fetchErr, ErrUnauthorized) {
			controller.logger.Info("persisted session no longer honored by backend",
				zap.String("code", "session.liveness_rejected"))
			controller.store.Clear(ctx)
			controller.setState(StateUnauthenticated)
		}
		return
	}
	updated := *record
	updated.User = profile
	controller.store.Save(ctx, &updated)
}

func (controller *Controller) setState(next State) {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()
	if controller.state != next {
		controller.logger.Debug("session state transition",
			zap.String("code", "session.state_transition"),
			zap.String("from", controller.state.String()),
			zap.String("to", next.String()))
	}
	controller.state = next
}

// handleStorageChange reacts to a session write or clear from anywhere,
// including other gateway instances sharing the durable tier. A clear
// observed here deauthenticates immediately; a valid record authenticates.
// In-flight login or refresh transitions are left to finish on their own.
func (controller *Controller) handleStorageChange(key string) {
	if key != SessionRecordKey {
		return
	}
	record := controller.store.Load(context.Background())
	valid := record.Valid(controller.clock.Now())

	controller.mutex.Lock()
	defer controller.mutex.Unlock()
	switch controller.state {
	case StateAuthenticating, StateRefreshing:
		return
	default:
	}
	if valid {
		controller.state = StateAuthenticated
		return
	}
	controller.state = StateUnauthenticated
}

func (controller *Controller) runTicker() {
	defer close(controller.tickerDone)
	ticker := time.NewTicker(controller.configuration.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-controller.stopTicker:
			return
		case <-ticker.C:
			controller.checkRefreshWindow(context.Background())
		}
	}
}

// checkRefreshWindow proactively refreshes near-expiry sessions even when no
// request traffic would otherwise trigger the retry protocol.
func (controller *Controller) checkRefreshWindow(ctx context.Context) {
	if controller.State() != StateAuthenticated {
		return
	}
	record := controller.store.Load(ctx)
	if !record.NeedsRefresh(controller.clock.Now(), controller.configuration.RefreshWindow) {
		return
	}
	if refreshErr := controller.RefreshSession(ctx); refreshErr != nil {
		controller.logger.Warn("background refresh failed",
			zap.String("code", "session.background_refresh_failed"),
			zap.Error(refreshErr))
	}
}

func (controller *Controller) count(event string) {
	if controller.metrics != nil {
		controller.metrics.Increment(event)
	}
}
