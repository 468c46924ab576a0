package sessionkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Storage keys. SessionRecordKey holds the current aggregate; the legacy keys
// are the historical single-value format still recognized and upgraded on load.
const (
	SessionRecordKey = "railgate_session"
	legacyTokenKey   = "token"
	legacyUserKey    = "user"
)

const (
	defaultCookieName = "token"
	defaultCookieTTL  = 7 * 24 * time.Hour
	defaultSessionTTL = 2 * time.Hour
)

// StoreConfig configures persistence and the cookie projection.
type StoreConfig struct {
	CookieName        string
	CookieDomain      string
	CookieTTL         time.Duration
	SameSiteMode      http.SameSite
	DefaultSessionTTL time.Duration
	// AllowInsecureCookie drops the Secure attribute for local development
	// over plain HTTP.
	AllowInsecureCookie bool
}

// Store is the single source of truth for session persistence. It writes each
// record to a durable tier and an in-process backup tier, repairs the durable
// tier from the backup when needed, and is the sole author of the session
// cookie the route guard reads. Tier failures are logged and swallowed; a
// failing tier never prevents the other tier from being used.
type Store struct {
	durable       StorageTier
	backup        StorageTier
	configuration StoreConfig
	clock         Clock
	logger        *zap.Logger
	notifier      *ChangeNotifier
}

// NewStore constructs a Store over the two tiers. The logger, clock, and
// notifier may be nil; zero config fields fall back to defaults.
func NewStore(durable StorageTier, backup StorageTier, configuration StoreConfig, clock Clock, logger *zap.Logger, notifier *ChangeNotifier) *Store {
	if durable == nil || backup == nil {
		panic("session store requires both storage tiers")
	}
	if configuration.CookieName == "" {
		configuration.CookieName = defaultCookieName
	}
	if configuration.CookieTTL <= 0 {
		configuration.CookieTTL = defaultCookieTTL
	}
	if configuration.SameSiteMode == 0 {
		configuration.SameSiteMode = http.SameSiteStrictMode
	}
	if configuration.DefaultSessionTTL <= 0 {
		configuration.DefaultSessionTTL = defaultSessionTTL
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		durable:       durable,
		backup:        backup,
		configuration: configuration,
		clock:         clock,
		logger:        logger,
		notifier:      notifier,
	}
}

// CookieName returns the name of the projected session cookie.
func (store *Store) CookieName() string {
	return store.configuration.CookieName
}

// Save persists the record to both tiers and publishes a change notification.
// Storage failures are logged per tier and swallowed: the backup tier is
// in-process and cannot fail, so the current instance always keeps an
// authoritative copy even when the durable tier is unavailable.
func (store *Store) Save(ctx context.Context, record *SessionRecord) {
	encoded, encodeErr := json.Marshal(record)
	if encodeErr != nil {
		store.logger.Error("session record not serializable",
			zap.String("code", "session_store.encode_failed"),
			zap.Error(encodeErr))
		return
	}
	store.writeTier(ctx, store.durable, string(encoded))
	store.writeTier(ctx, store.backup, string(encoded))
	store.publish()
}

// Load returns the current session record, or nil when no tier yields a
// parseable one. The durable tier is consulted first; a hit on the backup tier
// repairs the durable tier; as a last resort the legacy single-key format is
// recognized and upgraded in place.
func (store *Store) Load(ctx context.Context) *SessionRecord {
	if record := store.loadTier(ctx, store.durable); record != nil {
		return record
	}
	if record := store.loadTier(ctx, store.backup); record != nil {
		store.logger.Info("repairing durable session tier from backup",
			zap.String("code", "session_store.durable_repaired"),
			zap.String("tier", store.durable.Name()))
		if encoded, encodeErr := json.Marshal(record); encodeErr == nil {
			store.writeTier(ctx, store.durable, string(encoded))
		}
		return record
	}
	if record := store.loadLegacy(ctx); record != nil {
		store.logger.Info("upgraded legacy session format",
			zap.String("code", "session_store.legacy_upgraded"))
		store.Save(ctx, record)
		return record
	}
	return nil
}

// CurrentToken returns the bearer token of the stored session, or an empty
// string when no session is held.
func (store *Store) CurrentToken(ctx context.Context) string {
	record := store.Load(ctx)
	if record == nil {
		return ""
	}
	return record.Token
}

// Clear removes the session from every tier and publishes a change
// notification. It is idempotent.
func (store *Store) Clear(ctx context.Context) {
	for _, tier := range []StorageTier{store.durable, store.backup} {
		for _, key := range []string{SessionRecordKey, legacyTokenKey, legacyUserKey} {
			if deleteErr := tier.Delete(ctx, key); deleteErr != nil {
				store.logger.Warn("session tier delete failed",
					zap.String("code", "session_store.delete_failed"),
					zap.String("tier", tier.Name()),
					zap.String("key", key),
					zap.Error(deleteErr))
			}
		}
	}
	store.publish()
}

// SessionCookie projects the record into the HTTP-visible cookie. Only the
// bearer token is projected, never the refresh token or profile.
func (store *Store) SessionCookie(record *SessionRecord) *http.Cookie {
	return &http.Cookie{
		Name:     store.configuration.CookieName,
		Value:    record.Token,
		Path:     "/",
		Domain:   store.configuration.CookieDomain,
		MaxAge:   int(store.configuration.CookieTTL.Seconds()),
		Secure:   !store.configuration.AllowInsecureCookie,
		HttpOnly: true,
		SameSite: store.configuration.SameSiteMode,
	}
}

// ExpiredSessionCookie returns a cookie that instructs the browser to drop
// the session cookie.
func (store *Store) ExpiredSessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:     store.configuration.CookieName,
		Value:    "",
		Path:     "/",
		Domain:   store.configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !store.configuration.AllowInsecureCookie,
		HttpOnly: true,
		SameSite: store.configuration.SameSiteMode,
	}
}

func (store *Store) writeTier(ctx context.Context, tier StorageTier, encoded string) {
	if setErr := tier.Set(ctx, SessionRecordKey, encoded); setErr != nil {
		store.logger.Warn("session tier write failed",
			zap.String("code", "session_store.write_failed"),
			zap.String("tier", tier.Name()),
			zap.Error(setErr))
	}
}

func (store *Store) loadTier(ctx context.Context, tier StorageTier) *SessionRecord {
	raw, getErr := tier.Get(ctx, SessionRecordKey)
	if getErr != nil {
		if !errors.Is(getErr, ErrTierKeyNotFound) {
			store.logger.Warn("session tier read failed",
				zap.String("code", "session_store.read_failed"),
				zap.String("tier", tier.Name()),
				zap.Error(getErr))
		}
		return nil
	}
	record, parseErr := store.parseRecord(raw)
	if parseErr != nil {
		store.logger.Warn("session tier holds malformed record",
			zap.String("code", "session_store.malformed_record"),
			zap.String("tier", tier.Name()),
			zap.Error(parseErr))
		return nil
	}
	return record
}

// parseRecord attempts the strict schema first, then the historical schema
// without an expiry, normalizing both to a full SessionRecord.
func (store *Store) parseRecord(raw string) (*SessionRecord, error) {
	var record SessionRecord
	if decodeErr := json.Unmarshal([]byte(raw), &record); decodeErr != nil {
		return nil, fmt.Errorf("session_store.parse: %w", decodeErr)
	}
	if record.Token == "" || record.User == nil {
		return nil, fmt.Errorf("session_store.parse: %w", errMalformedRecord)
	}
	if record.ExpiresAtMS == 0 {
		record.ExpiresAtMS = store.synthesizeExpiry(record.Token).UnixMilli()
	}
	return &record, nil
}

// loadLegacy recognizes the oldest format: a bare token under one key and a
// bare profile object under another, with no expiry at all.
func (store *Store) loadLegacy(ctx context.Context) *SessionRecord {
	token := store.legacyValue(ctx, legacyTokenKey)
	rawUser := store.legacyValue(ctx, legacyUserKey)
	if token == "" || rawUser == "" {
		return nil
	}
	var profile UserProfile
	if decodeErr := json.Unmarshal([]byte(rawUser), &profile); decodeErr != nil {
		store.logger.Warn("legacy user value malformed",
			zap.String("code", "session_store.legacy_malformed"),
			zap.Error(decodeErr))
		return nil
	}
	return &SessionRecord{
		Token:       token,
		User:        &profile,
		ExpiresAtMS: store.synthesizeExpiry(token).UnixMilli(),
	}
}

func (store *Store) legacyValue(ctx context.Context, key string) string {
	for _, tier := range []StorageTier{store.durable, store.backup} {
		value, getErr := tier.Get(ctx, key)
		if getErr == nil && value != "" {
			return value
		}
	}
	return ""
}

// synthesizeExpiry picks an expiry for records persisted without one. When the
// bearer token happens to be a JWT its exp claim wins; otherwise the default
// session TTL is assumed from now. The claim is read without signature
// verification since the expiry only schedules the next refresh and every
// request is still authorized by the backend.
func (store *Store) synthesizeExpiry(token string) time.Time {
	fallback := store.clock.Now().Add(store.configuration.DefaultSessionTTL)
	parsed, _, parseErr := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if parseErr != nil || parsed == nil {
		return fallback
	}
	expiresAt, expErr := parsed.Claims.GetExpirationTime()
	if expErr != nil || expiresAt == nil {
		return fallback
	}
	return expiresAt.Time.UTC()
}

func (store *Store) publish() {
	if store.notifier != nil {
		store.notifier.Publish(SessionRecordKey)
	}
}
