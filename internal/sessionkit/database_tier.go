package sessionkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("session_tier.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("session_tier.empty_database_url")
	errSQLiteEmptyPath     = errors.New("session_tier.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("session_tier.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("session_tier.unsupported_no_scheme")
)

// DatabaseTier is the durable storage tier, persisting session state to
// SQLite or PostgreSQL through GORM depending on the URL scheme.
type DatabaseTier struct {
	db          *gorm.DB
	driverLabel string
}

type sessionStateRecord struct {
	RecordKey     string `gorm:"column:record_key;primaryKey"`
	RecordValue   string `gorm:"column:record_value;not null"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (sessionStateRecord) TableName() string {
	return "session_state"
}

// NewDatabaseTier constructs a GORM-backed durable tier.
func NewDatabaseTier(ctx context.Context, databaseURL string) (*DatabaseTier, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("session_tier.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("session_tier.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&sessionStateRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("session_tier.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseTier{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Name identifies the tier and its driver in logs.
func (tier *DatabaseTier) Name() string {
	return "database_" + tier.driverLabel
}

// Driver exposes the selected database driver label.
func (tier *DatabaseTier) Driver() string {
	return tier.driverLabel
}

// Get returns the stored value for key or ErrTierKeyNotFound.
func (tier *DatabaseTier) Get(ctx context.Context, key string) (string, error) {
	var record sessionStateRecord
	err := tier.db.WithContext(ctx).Where("record_key = ?", key).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("session_tier.get.%s: %w", tier.driverLabel, ErrTierKeyNotFound)
		}
		return "", fmt.Errorf("session_tier.get.%s: %w", tier.driverLabel, err)
	}
	return record.RecordValue, nil
}

// Set upserts the value under key.
func (tier *DatabaseTier) Set(ctx context.Context, key string, value string) error {
	record := sessionStateRecord{
		RecordKey:     key,
		RecordValue:   value,
		UpdatedAtUnix: time.Now().UTC().Unix(),
	}
	err := tier.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "record_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"record_value", "updated_at_unix"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("session_tier.set.%s: %w", tier.driverLabel, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (tier *DatabaseTier) Delete(ctx context.Context, key string) error {
	err := tier.db.WithContext(ctx).Where("record_key = ?", key).Delete(&sessionStateRecord{}).Error
	if err != nil {
		return fmt.Errorf("session_tier.delete.%s: %w", tier.driverLabel, err)
	}
	return nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("session_tier.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("session_tier.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("session_tier.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("session_tier.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
