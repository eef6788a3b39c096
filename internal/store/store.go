// Package store persists device and polling target configuration behind
// gorm, with Postgres for deployments and SQLite for tests and small setups.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"modbus-middleware/internal/apperr"
)

// Store wraps the gorm handle.
type Store struct {
	db  *gorm.DB
	log *logrus.Entry
}

// Open connects to the database named by url. postgres:// and postgresql://
// URLs use the Postgres driver, anything else is treated as a SQLite path
// (an optional sqlite:// prefix is stripped).
func Open(url string, echo bool, log *logrus.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		dialector = postgres.Open(url)
	default:
		dialector = sqlite.Open(strings.TrimPrefix(url, "sqlite://"))
	}

	level := gormlogger.Silent
	if echo {
		level = gormlogger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(level),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependency, err, "database open failed")
	}
	return &Store{db: db, log: log.WithField("component", "store")}, nil
}

// OpenDB wraps an existing gorm handle, used by tests.
func OpenDB(db *gorm.DB, log *logrus.Logger) *Store {
	return &Store{db: db, log: log.WithField("component", "store")}
}

// Migrate creates or updates the schema.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&ModbusDevice{}, &PollingTarget{}); err != nil {
		return apperr.Wrap(apperr.KindDependency, err, "migration failed")
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return apperr.Wrap(apperr.KindDependency, err, "database handle unavailable")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return apperr.Wrap(apperr.KindDependency, err, "database unreachable")
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func wrapDB(err error, notFoundDetail string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.New(apperr.KindNotFound, notFoundDetail)
	}
	return apperr.Wrap(apperr.KindDependency, err, "database query failed")
}
