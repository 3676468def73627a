// Package database opens the SQL store behind the gorm backend and owns its
// schema.
package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/localizer/presence/internal/config"
	"github.com/localizer/presence/internal/model"
)

const slowQuery = 200 * time.Millisecond

var sqlitePragmas = []string{
	"PRAGMA user_version = 1;",
	"PRAGMA journal_mode = WAL;",
	"PRAGMA synchronous = NORMAL;",
	"PRAGMA cache_size = -32000;",
	"PRAGMA temp_store = MEMORY;",
}

// DB is an open, migrated database.
type DB struct {
	Gorm *gorm.DB
	// Local is true when the data lives in SQLite, either by configuration or
	// because the SQL server could not be reached.
	Local bool
	Path  string

	pool *sql.DB
	log  zerolog.Logger
}

// Open connects to the backend named by cfg.Type and migrates the schema. A
// Postgres or MySQL store that cannot be reached falls back to local SQLite so
// the process keeps working alone.
func Open(cfg config.StoreConfig, log zerolog.Logger) (*DB, error) {
	d := &DB{Path: cfg.SQLite.Path, log: log}

	switch cfg.Type {
	case "postgres":
		if err := d.openPostgres(cfg.Postgres); err != nil {
			log.Error().Err(err).Msg("Failed to connect to Postgres DB, trying SQLite")
			d.Local = true
		}
	case "mysql":
		if err := d.openMySQL(cfg.MySQL); err != nil {
			log.Error().Err(err).Msg("Failed to connect to MySQL DB, trying SQLite")
			d.Local = true
		}
	case "sqlite":
		d.Local = true
	default:
		return nil, fmt.Errorf("store type %q is not a database", cfg.Type)
	}

	if d.Local {
		if err := d.openSQLite(cfg.SQLite.Path); err != nil {
			return nil, fmt.Errorf("failed to open local SQLite DB: %w", err)
		}
	}

	if err := Migrate(d.Gorm); err != nil {
		_ = d.Close()
		return nil, err
	}
	log.Info().Str("dialect", d.Gorm.Dialector.Name()).Bool("local", d.Local).Msg("Connected to database")
	return d, nil
}

// PollInterval picks the revision poll period for the dialect in use.
func (d *DB) PollInterval(cfg config.StoreConfig) time.Duration {
	switch {
	case d.Local:
		return cfg.SQLite.PollInterval
	case cfg.Type == "mysql":
		return cfg.MySQL.PollInterval
	}
	return cfg.Postgres.PollInterval
}

func (d *DB) gormConfig() *gorm.Config {
	return &gorm.Config{
		SkipDefaultTransaction: true,
		PrepareStmt:            d.Local,
		Logger: logger.New(printer{d.log}, logger.Config{
			SlowThreshold:             slowQuery,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}
}

func (d *DB) openPostgres(cfg config.SQLServerConfig) error {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database)
	d.log.Debug().Str("host", cfg.Host).Str("database", cfg.Database).Msg("Connecting to Postgres DB")

	return d.connect(postgres.New(postgres.Config{DSN: dsn, PreferSimpleProtocol: true}))
}

func (d *DB) openMySQL(cfg config.SQLServerConfig) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC&timeout=5s",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	d.log.Debug().Str("host", cfg.Host).Str("database", cfg.Database).Msg("Connecting to MySQL DB")

	return d.connect(mysql.New(mysql.Config{DSN: dsn, DefaultStringSize: 255}))
}

// connect opens a pooled connection to a SQL server and checks it answers.
func (d *DB) connect(dialector gorm.Dialector) error {
	db, err := gorm.Open(dialector, d.gormConfig())
	if err != nil {
		return err
	}
	pool, err := db.DB()
	if err != nil {
		return err
	}
	if err := pool.Ping(); err != nil {
		_ = pool.Close()
		return err
	}
	pool.SetMaxOpenConns(10)
	d.Gorm, d.pool = db, pool
	return nil
}

// openSQLite uses a private in-memory database when path is empty.
func (d *DB) openSQLite(path string) error {
	dsn := path
	if dsn == "" {
		dsn = fmt.Sprintf("file:presence-%s?mode=memory&cache=shared", uuid.NewString())
	}
	db, err := gorm.Open(sqlite.Open(dsn), d.gormConfig())
	if err != nil {
		return err
	}
	for _, pragma := range sqlitePragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return fmt.Errorf("error setting PRAGMA: %w", err)
		}
	}
	pool, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to access sql interface: %w", err)
	}
	// one writer at a time, sqlite would answer "database is locked" otherwise
	pool.SetMaxOpenConns(1)
	d.Gorm, d.pool = db, pool

	if path == "" {
		d.log.Info().Msg("Using local SQLite DB in memory")
	} else {
		d.log.Info().Str("path", path).Msg("Using local SQLite DB")
	}
	return nil
}

// Migrate creates the presence tables and the revision counter row. It is
// safe to run on an already migrated database.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(model.DatabaseModels...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	err := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.Revision{ID: model.RevisionID}).Error
	if err != nil {
		return fmt.Errorf("failed to create revision row: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (d *DB) Close() error {
	if d.pool == nil {
		return nil
	}
	return d.pool.Close()
}

// printer sends gorm's slow query and error reports to zerolog.
type printer struct{ log zerolog.Logger }

func (p printer) Printf(format string, args ...any) {
	p.log.Warn().Str("source", "gorm").Msgf(format, args...)
}
