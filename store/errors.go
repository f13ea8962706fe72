package store

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrUnknownCollection is returned for names outside the persisted set.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrUnknownEngine is returned for engine names that cannot be resolved.
	ErrUnknownEngine = errors.New("unknown storage engine")

	// ErrQuotaExceeded is returned when a write would exceed the engine's
	// storage ceiling. Nothing from the failed call is persisted.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrInvalidBackup is returned when a snapshot document cannot be
	// decoded into collections of records.
	ErrInvalidBackup = errors.New("invalid backup file")

	// ErrUnsupportedVersion is returned for snapshots written by a newer
	// format version than this build understands.
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
)

// mapSQLiteError translates driver errors into store errors.
//
//   - sqlite3.ErrFull → ErrQuotaExceeded (page ceiling or disk full)
//
// Other errors pass through unchanged.
func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrFull {
		return errors.Join(ErrQuotaExceeded, err)
	}
	return err
}
