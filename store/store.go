// Package store defines the record store contract and its engines.
package store

import "context"

// Engine names a concrete local storage backend.
type Engine string

const (
	// EngineIndexed is the transactional, versioned database engine
	// (one table per collection). It is the preferred default.
	EngineIndexed Engine = "indexed"

	// EngineFlatKey is the string-keyed fallback engine. Every collection
	// is serialized as one JSON array under a namespaced key, inside an
	// area with a hard byte ceiling. Not suitable for large catalogs.
	EngineFlatKey Engine = "flatkey"
)

// Adapter is the interface that every engine must implement. It operates
// on the fixed set of persisted collections; ephemeral and unknown
// collection names fail with ErrUnknownCollection.
type Adapter interface {
	// Engine reports which engine backs the adapter.
	Engine() Engine

	// GetAll returns every record in a collection, in storage order.
	// A collection that was never written yields an empty, non-nil slice.
	GetAll(ctx context.Context, collection Collection) ([]Record, error)

	// Upsert inserts or replaces records by identifier, in the order
	// given. Records without an identifier get one synthesized; in the
	// settings collection that identifier is SettingsID.
	Upsert(ctx context.Context, collection Collection, records ...Record) error

	// Replace makes the collection hold exactly the given records.
	Replace(ctx context.Context, collection Collection, records []Record) error

	// Clear removes every record from a collection. Idempotent.
	Clear(ctx context.Context, collection Collection) error

	// Export reads every persisted collection into a snapshot.
	Export(ctx context.Context) (Snapshot, error)

	// Import restores every collection present in the snapshot to exactly
	// the snapshot's records. Collections absent from the snapshot are
	// left untouched.
	Import(ctx context.Context, snap Snapshot) error

	// Close releases the engine's resources.
	Close() error
}

// exportAll assembles a snapshot by reading every persisted collection.
func exportAll(ctx context.Context, a Adapter) (Snapshot, error) {
	snap := make(Snapshot, len(persisted))
	for _, c := range persisted {
		recs, err := a.GetAll(ctx, c)
		if err != nil {
			return nil, err
		}
		snap[c] = recs
	}
	return snap, nil
}
