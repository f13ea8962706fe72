// Package remote probes the remote relational backend. Only the health
// probe lives here; records are never synced through it.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/stevemurr/storefront-store/store"
)

var (
	// ErrSchemaMissing means the backend answered but the expected tables
	// are not there.
	ErrSchemaMissing = errors.New("remote schema missing")

	// ErrAuthFailure means the backend rejected the credentials.
	ErrAuthFailure = errors.New("remote authentication failed")
)

// SQLSTATE codes, grouped by how the connection state machine treats them.
var (
	schemaMissingCodes = map[string]bool{
		"42P01": true, // undefined_table
		"3F000": true, // invalid_schema_name
		"42703": true, // undefined_column
	}
	authFailureCodes = map[string]bool{
		"28000": true, // invalid_authorization_specification
		"28P01": true, // invalid_password
		"42501": true, // insufficient_privilege
	}
)

// Classify wraps err with ErrSchemaMissing or ErrAuthFailure when the
// server's SQLSTATE says so. Everything else is returned unchanged and
// counts as a connection failure.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case schemaMissingCodes[pgErr.Code]:
			return fmt.Errorf("%w: %w", ErrSchemaMissing, err)
		case authFailureCodes[pgErr.Code]:
			return fmt.Errorf("%w: %w", ErrAuthFailure, err)
		}
	}
	return err
}

// ProbeTable is the table read by the probe; its well-known row is the
// settings singleton.
const ProbeTable = "settings"

// GormProber checks the backend with one lightweight read. The database
// handle is opened on the first probe and kept; a prober is bound to one
// DSN for its whole life.
type GormProber struct {
	dsn string

	mu sync.Mutex
	db *gorm.DB
}

// NewGormProber returns a prober for a PostgreSQL DSN.
func NewGormProber(dsn string) *GormProber {
	return &GormProber{dsn: dsn}
}

func (p *GormProber) open(ctx context.Context) (*gorm.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return p.db, nil
	}
	// gorm.Open dials without a context; the caller's deadline is
	// enforced by the ping below and by the probe query.
	db, err := gorm.Open(postgres.Open(p.dsn), &gorm.Config{
		Logger:               logger.Default.LogMode(logger.Silent),
		DisableAutomaticPing: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(2)
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	p.db = db
	return db, nil
}

// Probe reads the settings row. A missing row is fine; only the query
// failing counts.
func (p *GormProber) Probe(ctx context.Context) error {
	db, err := p.open(ctx)
	if err != nil {
		return Classify(err)
	}
	var ids []string
	err = db.WithContext(ctx).
		Table(ProbeTable).
		Where("id = ?", store.SettingsID).
		Limit(1).
		Pluck("id", &ids).Error
	return Classify(err)
}

// Close releases the database handle, if one was opened.
func (p *GormProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	p.db = nil
	return sqlDB.Close()
}
