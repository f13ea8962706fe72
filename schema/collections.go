package schema

// Built-in record schemas of the storefront collections. They pin the
// types of the fields the back office relies on and leave every other
// field free, so older records keep validating.

var idSchema = map[string]any{"type": []any{"string", "number"}}

func nonNegative(t string) map[string]any {
	return map[string]any{"type": t, "minimum": float64(0)}
}

func str() map[string]any { return map[string]any{"type": "string"} }

func record(required []any, props map[string]any) map[string]any {
	props["id"] = idSchema
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var collectionSchemas = map[string]map[string]any{
	"products": record([]any{"name"}, map[string]any{
		"name":        map[string]any{"type": "string", "minLength": float64(1)},
		"brand":       str(),
		"model":       str(),
		"category":    str(),
		"sku":         str(),
		"price":       nonNegative("number"),
		"cost":        nonNegative("number"),
		"stock":       nonNegative("integer"),
		"images":      map[string]any{"type": "array", "items": str()},
		"specs":       map[string]any{"type": "object"},
		"warehouseId": idSchema,
	}),
	"orders": record(nil, map[string]any{
		"customerId":  idSchema,
		"warehouseId": idSchema,
		"status":      str(),
		"total":       nonNegative("number"),
		"items": map[string]any{"type": "array", "items": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"productId": idSchema,
				"quantity":  map[string]any{"type": "integer", "minimum": float64(1)},
				"price":     nonNegative("number"),
			},
		}},
	}),
	"customers": record([]any{"name"}, map[string]any{
		"name":  str(),
		"email": str(),
		"phone": str(),
		"tier":  str(),
	}),
	"warehouses": record([]any{"name"}, map[string]any{
		"name":     str(),
		"location": str(),
		"capacity": nonNegative("integer"),
	}),
	"suppliers": record([]any{"name"}, map[string]any{
		"name":    str(),
		"contact": str(),
		"email":   str(),
	}),
	"purchase_orders": record(nil, map[string]any{
		"supplierId":  idSchema,
		"warehouseId": idSchema,
		"status":      str(),
		"total":       nonNegative("number"),
		"items":       map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
	}),
	"roles": record([]any{"name"}, map[string]any{
		"name":        str(),
		"permissions": map[string]any{"type": "array", "items": str()},
	}),
	"settings": record(nil, map[string]any{
		"storeName": str(),
		"currency":  str(),
		"taxRate":   nonNegative("number"),
	}),
	"returns": record(nil, map[string]any{
		"orderId": idSchema,
		"reason":  str(),
		"status":  str(),
		"refund":  nonNegative("number"),
	}),
	"notifications": record(nil, map[string]any{
		"message": str(),
		"read":    map[string]any{"type": "boolean"},
	}),
	"transfer_logs": record(nil, map[string]any{
		"productId":       idSchema,
		"fromWarehouseId": idSchema,
		"toWarehouseId":   idSchema,
		"quantity":        map[string]any{"type": "integer", "minimum": float64(1)},
	}),
}

// ForCollection returns the record schema of a collection, or nil when
// the collection has none.
func ForCollection(name string) map[string]any {
	return collectionSchemas[name]
}

var snapshotCollection = map[string]any{
	"type":  "array",
	"items": map[string]any{"type": "object"},
}

// SnapshotCollection is the shape every collection value of a snapshot
// document must have: an array of objects.
func SnapshotCollection() map[string]any {
	return snapshotCollection
}
