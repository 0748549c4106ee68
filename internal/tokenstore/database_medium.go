package tokenstore

import (
	"context"
	"errors"
	"fmt"
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
	ErrUnsupportedDialect = errors.New("token_store.unsupported_dialect")

	errEmptyDatabaseURL = errors.New("token_store.empty_database_url")
	errSQLiteEmptyPath  = errors.New("token_store.sqlite.empty_path")
	errNoScheme         = errors.New("token_store.unsupported_no_scheme")
)

// DatabaseMedium persists session values in a SQL table using GORM.
type DatabaseMedium struct {
	db          *gorm.DB
	driverLabel string
	now         func() time.Time
}

type sessionValueRecord struct {
	StorageKey    string `gorm:"column:storage_key;primaryKey"`
	StorageValue  string `gorm:"column:storage_value;not null"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (sessionValueRecord) TableName() string {
	return "session_values"
}

// NewDatabaseMedium opens the database named by databaseURL and migrates the value table.
func NewDatabaseMedium(ctx context.Context, databaseURL string) (*DatabaseMedium, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("token_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("token_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&sessionValueRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("token_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseMedium{
		db:          gormDB,
		driverLabel: driverLabel,
		now:         time.Now,
	}, nil
}

// Driver exposes the selected database driver label.
func (medium *DatabaseMedium) Driver() string {
	return medium.driverLabel
}

// Close releases the underlying connection pool.
func (medium *DatabaseMedium) Close() error {
	sqlDB, err := medium.db.DB()
	if err != nil {
		return fmt.Errorf("token_store.close.%s: %w", medium.driverLabel, err)
	}
	return sqlDB.Close()
}

// Get returns the value stored under key.
func (medium *DatabaseMedium) Get(ctx context.Context, key string) (string, bool, error) {
	var record sessionValueRecord
	err := medium.db.WithContext(ctx).Where("storage_key = ?", key).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("token_store.get.%s: %w", medium.driverLabel, err)
	}
	return record.StorageValue, true, nil
}

// Set upserts the value stored under key.
func (medium *DatabaseMedium) Set(ctx context.Context, key string, value string) error {
	record := sessionValueRecord{
		StorageKey:    key,
		StorageValue:  value,
		UpdatedAtUnix: medium.now().UTC().Unix(),
	}
	err := medium.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "storage_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"storage_value", "updated_at_unix"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("token_store.set.%s: %w", medium.driverLabel, err)
	}
	return nil
}

// Delete removes the given keys.
func (medium *DatabaseMedium) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := medium.db.WithContext(ctx).Where("storage_key IN ?", keys).Delete(&sessionValueRecord{}).Error
	if err != nil {
		return fmt.Errorf("token_store.delete.%s: %w", medium.driverLabel, err)
	}
	return nil
}

type dialect struct {
	label string
	open  func(databaseURL string, remainder string) (gorm.Dialector, error)
}

// dialects maps accepted URL schemes to GORM dialectors.
var dialects = map[string]dialect{
	"postgres":   {label: "postgres", open: openPostgres},
	"postgresql": {label: "postgres", open: openPostgres},
	"sqlite":     {label: "sqlite", open: openSQLite},
	"sqlite3":    {label: "sqlite", open: openSQLite},
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	scheme, remainder, found := strings.Cut(strings.TrimSpace(databaseURL), ":")
	if !found || scheme == "" {
		return nil, "", fmt.Errorf("token_store.dialect: %w", errNoScheme)
	}
	scheme = strings.ToLower(scheme)
	selected, known := dialects[scheme]
	if !known {
		return nil, "", fmt.Errorf("token_store.dialect.%s: %w", scheme, ErrUnsupportedDialect)
	}
	dialector, err := selected.open(databaseURL, remainder)
	if err != nil {
		return nil, "", fmt.Errorf("token_store.%s: %w", selected.label, err)
	}
	return dialector, selected.label, nil
}

func openPostgres(databaseURL string, _ string) (gorm.Dialector, error) {
	return postgres.Open(databaseURL), nil
}

// openSQLite accepts sqlite:<dsn> and sqlite://<dsn>; the DSN keeps its query string.
func openSQLite(_ string, remainder string) (gorm.Dialector, error) {
	dsn := strings.TrimPrefix(remainder, "//")
	if path, _, _ := strings.Cut(dsn, "?"); path == "" {
		return nil, errSQLiteEmptyPath
	}
	return sqliteDialector.Open(dsn), nil
}
