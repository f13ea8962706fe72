package store

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// IDField is the record field used for upsert matching.
const IDField = "id"

// SettingsID is the fixed identifier of the settings singleton. Settings
// written without an identifier always land on this row.
const SettingsID = "app_settings"

// Record is an opaque JSON object. Only IDField is interpreted.
type Record map[string]any

// ID returns the record identifier in string form, or "" if it has none.
// Numeric identifiers from older data are matched by their decimal form.
func (r Record) ID() string {
	switch v := r[IDField].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	}
	return ""
}

// Clone returns a deep copy of the record by round-tripping through JSON,
// which is also how every engine stores it.
func (r Record) Clone() (Record, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var dst Record
	if err := json.Unmarshal(b, &dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// NewID returns a collision-resistant identifier: the creation time in
// base 36 followed by 48 random bits.
func NewID() string {
	u := uuid.New()
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + hex.EncodeToString(u[:6])
}

// prepareRecords copies the incoming records and fills in missing
// identifiers.
func prepareRecords(c Collection, in []Record) ([]Record, error) {
	out := make([]Record, 0, len(in))
	for i, rec := range in {
		if rec == nil {
			return nil, fmt.Errorf("%s: record %d is nil", c, i)
		}
		cp, err := rec.Clone()
		if err != nil {
			return nil, fmt.Errorf("%s: record %d: %w", c, i, err)
		}
		if cp.ID() == "" {
			if c == Settings {
				cp[IDField] = SettingsID
			} else {
				cp[IDField] = NewID()
			}
		}
		out = append(out, cp)
	}
	return out, nil
}

// Prepare returns the records a collection write would store: copies with
// identifiers filled in, later duplicates replacing earlier ones.
func Prepare(c Collection, records []Record) ([]Record, error) {
	prepared, err := prepareRecords(c, records)
	if err != nil {
		return nil, err
	}
	return mergeRecords(nil, prepared), nil
}

// mergeRecords applies incoming on top of existing by identifier. A match
// replaces the whole record in place; new identifiers are appended. Later
// entries in incoming win over earlier ones.
func mergeRecords(existing, incoming []Record) []Record {
	out := make([]Record, 0, len(existing)+len(incoming))
	index := make(map[string]int, len(existing)+len(incoming))
	for _, rec := range existing {
		if i, ok := index[rec.ID()]; ok {
			out[i] = rec
			continue
		}
		index[rec.ID()] = len(out)
		out = append(out, rec)
	}
	for _, rec := range incoming {
		if i, ok := index[rec.ID()]; ok {
			out[i] = rec
			continue
		}
		index[rec.ID()] = len(out)
		out = append(out, rec)
	}
	return out
}

// NormalizeRecords decodes a stored collection value. Arrays decode as-is;
// a lone object (legacy or malformed data) becomes a one-element slice;
// empty input and JSON null become an empty slice.
func NormalizeRecords(raw []byte) ([]Record, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []Record{}, nil
	}
	switch trimmed[0] {
	case '{':
		var one Record
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, err
		}
		return []Record{one}, nil
	case '[':
		var many []Record
		if err := json.Unmarshal(trimmed, &many); err != nil {
			return nil, err
		}
		out := make([]Record, 0, len(many))
		for _, rec := range many {
			if rec != nil {
				out = append(out, rec)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected JSON array or object, got %q", trimmed[:1])
}
