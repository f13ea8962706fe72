package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/stevemurr/storefront-store/schema"
)

// SnapshotVersion is the snapshot format version written by Encode.
const SnapshotVersion = 1

// metaKey holds the snapshot envelope. Keys starting with "_" never name
// a collection.
const metaKey = "_meta"

// Snapshot maps every exported collection to its records. It is the
// transport document of migrations and of backup/restore.
type Snapshot map[Collection][]Record

// Counts returns the number of records per collection.
func (s Snapshot) Counts() map[Collection]int {
	counts := make(map[Collection]int, len(s))
	for c, recs := range s {
		counts[c] = len(recs)
	}
	return counts
}

// Meta is the optional envelope of an encoded snapshot. Documents written
// before versioning have none and decode as version 0.
type Meta struct {
	Version    int    `json:"version"`
	ExportedAt string `json:"exportedAt,omitempty"`
	Engine     Engine `json:"engine,omitempty"`
}

// NewMeta stamps a snapshot exported now from engine.
func NewMeta(engine Engine, now time.Time) Meta {
	return Meta{Version: SnapshotVersion, ExportedAt: now.UTC().Format(time.RFC3339), Engine: engine}
}

// Format is a snapshot encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// ParseFormat resolves a format name; empty means JSON.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return FormatJSON, nil
	case "cbor":
		return FormatCBOR, nil
	}
	return "", fmt.Errorf("unknown snapshot format %q (supported: json, cbor)", name)
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatCBOR {
		return "application/cbor"
	}
	return "application/json"
}

// BackupFilename returns the download name of a backup taken at t.
func BackupFilename(t time.Time, f Format) string {
	ext := "json"
	if f == FormatCBOR {
		ext = "cbor"
	}
	return fmt.Sprintf("storefront-backup-%s.%s", t.Format("2006-01-02"), ext)
}

var cborDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// EncodeSnapshot writes snap as one document: a top-level object with one
// key per collection, each an array of records, plus the "_meta" envelope.
func EncodeSnapshot(w io.Writer, snap Snapshot, meta Meta, f Format) error {
	doc := make(map[string]any, len(snap)+1)
	doc[metaKey] = meta
	for c, recs := range snap {
		if recs == nil {
			recs = []Record{}
		}
		doc[string(c)] = recs
	}
	switch f {
	case FormatCBOR:
		return cbor.NewEncoder(w).Encode(doc)
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}
}

// DecodeSnapshot parses a whole snapshot document before returning any of
// it. Anything that is not an object of record arrays fails with
// ErrInvalidBackup; a newer format version also fails with
// ErrUnsupportedVersion. Collections this build does not know are
// dropped.
func DecodeSnapshot(r io.Reader, f Format) (Snapshot, Meta, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, Meta{}, err
	}
	if f == FormatCBOR {
		var doc map[string]any
		if err := cborDecMode.Unmarshal(data, &doc); err != nil {
			return nil, Meta{}, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
		}
		// Re-encode as JSON so numbers and maps take the same shape as a
		// JSON backup.
		if data, err = json.Marshal(doc); err != nil {
			return nil, Meta{}, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
		}
	}
	return decodeJSONSnapshot(data)
}

func decodeJSONSnapshot(data []byte) (Snapshot, Meta, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(data), &doc); err != nil {
		return nil, Meta{}, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	if doc == nil {
		return nil, Meta{}, fmt.Errorf("%w: document is null", ErrInvalidBackup)
	}

	var meta Meta
	if raw, ok := doc[metaKey]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, Meta{}, fmt.Errorf("%w: %s: %v", ErrInvalidBackup, metaKey, err)
		}
		if meta.Version > SnapshotVersion {
			return nil, Meta{}, fmt.Errorf("%w: %w: version %d, newest supported is %d",
				ErrInvalidBackup, ErrUnsupportedVersion, meta.Version, SnapshotVersion)
		}
	}

	shape := schema.SnapshotCollection()
	snap := make(Snapshot, len(doc))
	for key, raw := range doc {
		if strings.HasPrefix(key, "_") {
			continue
		}
		c := Collection(key)
		if !c.Persisted() {
			continue
		}
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, Meta{}, fmt.Errorf("%w: %s: %v", ErrInvalidBackup, key, err)
		}
		if err := schema.ValidateValue(shape, value); err != nil {
			return nil, Meta{}, fmt.Errorf("%w: %s: %v", ErrInvalidBackup, key, err)
		}
		items := value.([]any)
		recs := make([]Record, 0, len(items))
		for _, item := range items {
			recs = append(recs, Record(item.(map[string]any)))
		}
		snap[c] = recs
	}
	return snap, meta, nil
}
