package schema_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/storefront-store/schema"
)

func TestValidateNilSchema(t *testing.T) {
	require.NoError(t, schema.Validate(nil, map[string]any{"anything": "goes"}))
}

func TestValidateRequired(t *testing.T) {
	s := map[string]any{
		"type":     "object",
		"required": []any{"name", "age"},
	}

	err := schema.Validate(s, map[string]any{"name": "Alice"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing required field "age"`)

	require.NoError(t, schema.Validate(s, map[string]any{"name": "Alice", "age": float64(30)}))
}

func TestValidateCollectsEveryViolation(t *testing.T) {
	s := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":  map[string]any{"type": "string"},
			"stock": map[string]any{"type": "integer", "minimum": float64(0)},
		},
		"required": []any{"sku"},
	}

	err := schema.Validate(s, map[string]any{"name": float64(1), "stock": float64(-2)})
	var verr *schema.ValidationError
	require.True(t, errors.As(err, &verr))

	paths := map[string]bool{}
	for _, v := range verr.Violations {
		paths[v.Path] = true
	}
	assert.Equal(t, map[string]bool{"$": true, "$.name": true, "$.stock": true}, paths)
	assert.Len(t, verr.Violations, 3)
}

func TestValidateTypeList(t *testing.T) {
	s := map[string]any{"type": []any{"string", "number"}}

	require.NoError(t, schema.ValidateValue(s, "p-1"))
	require.NoError(t, schema.ValidateValue(s, float64(7)))
	require.Error(t, schema.ValidateValue(s, true))
}

func TestValidateInteger(t *testing.T) {
	s := map[string]any{"type": "integer"}

	require.NoError(t, schema.ValidateValue(s, float64(3)))
	require.Error(t, schema.ValidateValue(s, float64(3.5)))
}

func TestValidateAdditionalProperties(t *testing.T) {
	s := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
		"additionalProperties": false,
	}

	require.Error(t, schema.Validate(s, map[string]any{"name": "ok", "extra": "bad"}))
	require.NoError(t, schema.Validate(s, map[string]any{"name": "ok"}))
}

func TestValidateConstraints(t *testing.T) {
	s := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code":  map[string]any{"type": "string", "minLength": float64(2), "maxLength": float64(5)},
			"score": map[string]any{"type": "number", "minimum": float64(0), "exclusiveMaximum": float64(100)},
			"role":  map[string]any{"type": "string", "enum": []any{"admin", "staff"}},
			"tags": map[string]any{
				"type":     "array",
				"items":    map[string]any{"type": "string"},
				"minItems": float64(1),
				"maxItems": float64(3),
			},
		},
	}

	tests := []struct {
		name string
		doc  map[string]any
		ok   bool
	}{
		{"valid", map[string]any{"code": "ABC", "score": float64(50), "role": "admin", "tags": []any{"go"}}, true},
		{"short string", map[string]any{"code": "A"}, false},
		{"long string", map[string]any{"code": "ABCDEF"}, false},
		{"below minimum", map[string]any{"score": float64(-1)}, false},
		{"at exclusive maximum", map[string]any{"score": float64(100)}, false},
		{"not in enum", map[string]any{"role": "root"}, false},
		{"empty array", map[string]any{"tags": []any{}}, false},
		{"too many items", map[string]any{"tags": []any{"a", "b", "c", "d"}}, false},
		{"wrong item type", map[string]any{"tags": []any{"a", float64(1)}}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := schema.Validate(s, tc.doc)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestCollectionSchemas(t *testing.T) {
	products := schema.ForCollection("products")
	require.NotNil(t, products)

	require.NoError(t, schema.Validate(products, map[string]any{
		"id": "p1", "name": "Pixel 9", "price": float64(799), "stock": float64(4),
	}))
	require.Error(t, schema.Validate(products, map[string]any{"id": "p1", "name": "Pixel 9", "stock": float64(-1)}))
	require.Error(t, schema.Validate(products, map[string]any{"id": "p1"}))

	orders := schema.ForCollection("orders")
	require.Error(t, schema.Validate(orders, map[string]any{"status": float64(3)}))
	// Status spellings are the back office's business.
	require.NoError(t, schema.Validate(orders, map[string]any{"status": "completed"}))
	require.NoError(t, schema.Validate(orders, map[string]any{"status": "Pending"}))
	require.NoError(t, schema.Validate(orders, map[string]any{
		"status": "pending",
		"items":  []any{map[string]any{"productId": "p1", "quantity": float64(2)}},
	}))

	assert.Nil(t, schema.ForCollection("cart"))
}

func TestSnapshotCollection(t *testing.T) {
	shape := schema.SnapshotCollection()

	require.NoError(t, schema.ValidateValue(shape, []any{}))
	require.NoError(t, schema.ValidateValue(shape, []any{map[string]any{"id": "a"}}))
	require.Error(t, schema.ValidateValue(shape, map[string]any{"id": "a"}))
	require.Error(t, schema.ValidateValue(shape, []any{"a"}))
	require.Error(t, schema.ValidateValue(shape, nil))
}
