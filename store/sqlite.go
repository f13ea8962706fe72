package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
)

// Schema version tracking (PRAGMA user_version):
// 0 - empty database
// 1 - one table per persisted collection
const sqliteSchemaVersion = 1

// SQLiteOptions tunes the indexed engine.
type SQLiteOptions struct {
	// MaxPageCount caps the database size in pages; writes past the cap
	// fail with ErrQuotaExceeded. Zero leaves SQLite's default.
	MaxPageCount int
}

// SQLiteStore is the indexed engine: one table per collection, keyed by
// the record identifier.
//
// Tables:
//
//	<collection>(id TEXT PRIMARY KEY, data TEXT NOT NULL)
//
// Every call runs in its own transaction. Import replaces all snapshot
// collections inside a single transaction.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at dbPath. ":memory:"
// opens a private in-memory database.
func NewSQLiteStore(dbPath string, opts SQLiteOptions) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite has one writer; a single connection also keeps per-connection
	// pragmas and the in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	if opts.MaxPageCount > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA max_page_count=%d", opts.MaxPageCount))
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	if err := applySQLiteSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func applySQLiteSchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version >= sqliteSchemaVersion {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, c := range persisted {
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`, quoteTable(c))
		if _, err := tx.Exec(stmt); err != nil {
			return mapSQLiteError(err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return err
	}
	return mapSQLiteError(tx.Commit())
}

// quoteTable quotes a collection name for use as a table identifier.
// Callers validate c against the persisted set first.
func quoteTable(c Collection) string {
	return `"` + string(c) + `"`
}

func (s *SQLiteStore) Engine() Engine { return EngineIndexed }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetAll(ctx context.Context, c Collection) ([]Record, error) {
	if err := checkCollection(c); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM "+quoteTable(c)+" ORDER BY rowid")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []Record{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		recs, err := NormalizeRecords([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decode %s row: %w", c, err)
		}
		result = append(result, recs...)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) Upsert(ctx context.Context, c Collection, records ...Record) error {
	if err := checkCollection(c); err != nil {
		return err
	}
	prepared, err := prepareRecords(c, records)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertRecords(ctx, tx, c, prepared)
	})
}

func (s *SQLiteStore) Replace(ctx context.Context, c Collection, records []Record) error {
	if err := checkCollection(c); err != nil {
		return err
	}
	prepared, err := prepareRecords(c, records)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+quoteTable(c)); err != nil {
			return err
		}
		return insertRecords(ctx, tx, c, prepared)
	})
}

func (s *SQLiteStore) Clear(ctx context.Context, c Collection) error {
	if err := checkCollection(c); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM "+quoteTable(c))
	return mapSQLiteError(err)
}

func (s *SQLiteStore) Export(ctx context.Context) (Snapshot, error) {
	return exportAll(ctx, s)
}

// Import clears and reloads every snapshot collection in one transaction,
// so readers never observe a half-restored dataset.
func (s *SQLiteStore) Import(ctx context.Context, snap Snapshot) error {
	staged := make(map[Collection][]Record, len(snap))
	for c, recs := range snap {
		if err := checkCollection(c); err != nil {
			return err
		}
		prepared, err := prepareRecords(c, recs)
		if err != nil {
			return err
		}
		staged[c] = prepared
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, c := range persisted {
			recs, ok := staged[c]
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+quoteTable(c)); err != nil {
				return err
			}
			if err := insertRecords(ctx, tx, c, recs); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteError(err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return mapSQLiteError(err)
	}
	return mapSQLiteError(tx.Commit())
}

func insertRecords(ctx context.Context, tx *sql.Tx, c Collection, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+quoteTable(c)+` (id, data) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, rec := range recs {
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, rec.ID(), string(b)); err != nil {
			return err
		}
	}
	return nil
}
