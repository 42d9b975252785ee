package guildkeeper

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
		"pragma busy_timeout = 5000;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix millisecond timestamps
// for creation and last update.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// Flag is a boolean persisted as a 0/1 integer column.
type Flag bool

// Value implements the driver.Valuer interface.
func (f Flag) Value() (driver.Value, error) {
	if f {
		return int64(1), nil
	}
	return int64(0), nil
}

// Scan implements the sql.Scanner interface.
func (f *Flag) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*f = false
	case int64:
		*f = v != 0
	case int32:
		*f = v != 0
	case int16:
		*f = v != 0
	case bool:
		*f = Flag(v)
	case []byte:
		return f.parse(string(v))
	case string:
		return f.parse(v)
	default:
		return fmt.Errorf("unexpected type for Flag: %T", value)
	}
	return nil
}

func (f *Flag) parse(s string) error {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("invalid Flag value %q: %w", s, err)
	}
	*f = Flag(b)
	return nil
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (Flag) GormDataType() string {
	return "int"
}

// database wraps the gorm connection used for writes.
//
// When enableConcurrentWrites is false (SQLite), every write and
// transaction holds mu for its duration, so writes from event handlers
// and the background loops are serialized in-process before they ever
// reach the database. Operations without a context deadline get
// dbOperationTimeout.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase initializes a new database instance.
//
// Parameters:
//   - db: A pointer to the GORM database connection.
//   - log: Logger for database events. If nil, a default logger is used.
//   - enableConcurrentWrites: When false, writes are serialized with a mutex.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

// Dialect returns the name of the underlying dialector ("sqlite", "postgres")
func (d *database) Dialect() string {
	return d.db.Dialector.Name()
}

func (d *database) Lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) Unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

// withTimeout applies dbOperationTimeout to contexts without a deadline
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

// Upsert inserts value, resolving conflicts as described by onConflict.
// With [clause.OnConflict.DoNothing], rowsAffected is 0 when the row
// already existed.
func (d *database) Upsert(
	ctx context.Context,
	value any,
	onConflict clause.OnConflict,
) (rowsAffected int64, err error) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Clauses(onConflict).Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) (err error) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Update(
	ctx context.Context,
	model any,
	column string,
	value any,
) (rowsAffected int64, err error) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Update(column, value)
	return rv.RowsAffected, rv.Error
}

// UpdatesWhere applies values to every row of model matching the
// query. This is the building block for conditional (compare-and-set)
// updates: the caller inspects rowsAffected to learn whether it won.
func (d *database) UpdatesWhere(
	ctx context.Context,
	model any,
	values map[string]any,
	query any,
	conds ...any,
) (rowsAffected int64, err error) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Where(query, conds...).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(
	ctx context.Context,
	value any,
	conds ...any,
) (rowsAffected int64, err error) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

// DBI defines the interface for database writes. [database] implements
// this interface for 'real' DB operations.
type DBI interface {
	Lock()
	Unlock()

	DB() *gorm.DB
	Dialect() string
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Upsert(ctx context.Context, value any, onConflict clause.OnConflict) (
		rowsAffected int64,
		err error,
	)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Delete(ctx context.Context, value any, conds ...any) (rowsAffected int64, err error)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) (err error)
	Save(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Update(ctx context.Context, model any, column string, value any) (
		rowsAffected int64,
		err error,
	)
	UpdatesWhere(
		ctx context.Context,
		model any,
		values map[string]any,
		query any,
		conds ...any,
	) (rowsAffected int64, err error)
}

// lockForUpdate adds a row lock to tx on backends that support one.
// SQLite serializes writers already, and rejects FOR UPDATE.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == dbTypePostgres {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// migratedModels lists every table owned by the bot
func migratedModels() []any {
	return []any{
		&RuntimeConfig{},
		&APIToken{},
		&GuildSettings{},
		&AllowedGuild{},
		&CommandToggle{},
		&EconomyAccount{},
		&LevelRecord{},
		&Reminder{},
		&Giveaway{},
		&GiveawayEntry{},
		&StarboardMessage{},
		&ReactionRoleBinding{},
		&GithubWebhookRegistration{},
		&Warning{},
		&Todo{},
		&Note{},
		&AFKStatus{},
		&Birthday{},
		&Playlist{},
		&PlaylistTrack{},
		&Confession{},
		&AuditLogEntry{},
	}
}

// CreateDB initializes and returns a GORM database connection based on
// the specified database type, and migrates the schema. Warnings and
// errors are logged to stdout.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)
	return OpenDB(ctx, databaseType, database, handler, 500*time.Millisecond)
}

// OpenDB opens the database, applies connection settings for the backend
// (a single connection plus pragmas for SQLite) and migrates every model
// inside a single transaction.
func OpenDB(
	ctx context.Context,
	databaseType string,
	database string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	logger := slog.New(handler).With(loggerNameKey, "database")
	logger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
	)

	db, err := getDB(databaseType, database, newGORMLogger(handler, slowThreshold))
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if databaseType == dbTypeSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("error getting database connection: %w", err)
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return nil, pragmaErr
		}
	}

	logger.DebugContext(ctx, "migrating database")
	err = db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(migratedModels()...)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}
	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: Logger for database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		TranslateError: true,
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqliteDialector(database), cfg)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
