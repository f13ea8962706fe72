// Package model defines one concrete record type per storefront
// collection. Records cross the store boundary as store.Record values;
// Decode and Encode convert between the two through JSON.
package model

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stevemurr/storefront-store/store"
)

// Product is a phone (or accessory) in the catalog.
type Product struct {
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name"`
	Brand       string            `json:"brand,omitempty"`
	Model       string            `json:"model,omitempty"`
	Category    string            `json:"category,omitempty"`
	SKU         string            `json:"sku,omitempty"`
	Price       float64           `json:"price"`
	Cost        float64           `json:"cost,omitempty"`
	Stock       int               `json:"stock"`
	Images      []string          `json:"images,omitempty"`
	Specs       map[string]string `json:"specs,omitempty"`
	WarehouseID string            `json:"warehouseId,omitempty"`
}

type OrderItem struct {
	ProductID string  `json:"productId"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
}

type Order struct {
	ID          string      `json:"id,omitempty"`
	CustomerID  string      `json:"customerId,omitempty"`
	WarehouseID string      `json:"warehouseId,omitempty"`
	Status      string      `json:"status,omitempty"`
	Items       []OrderItem `json:"items,omitempty"`
	Total       float64     `json:"total"`
	CreatedAt   string      `json:"createdAt,omitempty"`
}

type Customer struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	Tier  string `json:"tier,omitempty"`
	Notes string `json:"notes,omitempty"`
}

type Warehouse struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
	Capacity int    `json:"capacity,omitempty"`
}

type Supplier struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Contact string `json:"contact,omitempty"`
	Email   string `json:"email,omitempty"`
}

type PurchaseOrderLine struct {
	ProductID string  `json:"productId"`
	Quantity  int     `json:"quantity"`
	UnitCost  float64 `json:"unitCost"`
}

type PurchaseOrder struct {
	ID          string              `json:"id,omitempty"`
	SupplierID  string              `json:"supplierId,omitempty"`
	WarehouseID string              `json:"warehouseId,omitempty"`
	Status      string              `json:"status,omitempty"`
	Items       []PurchaseOrderLine `json:"items,omitempty"`
	Total       float64             `json:"total"`
}

type Role struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions,omitempty"`
}

// Settings is the singleton configuration document. Its ID is always
// store.SettingsID once stored.
type Settings struct {
	ID        string  `json:"id,omitempty"`
	StoreName string  `json:"storeName,omitempty"`
	Currency  string  `json:"currency,omitempty"`
	TaxRate   float64 `json:"taxRate,omitempty"`
}

type Return struct {
	ID      string  `json:"id,omitempty"`
	OrderID string  `json:"orderId,omitempty"`
	Reason  string  `json:"reason,omitempty"`
	Status  string  `json:"status,omitempty"`
	Refund  float64 `json:"refund,omitempty"`
}

type Notification struct {
	ID        string `json:"id,omitempty"`
	Message   string `json:"message"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"createdAt,omitempty"`
}

type TransferLog struct {
	ID              string `json:"id,omitempty"`
	ProductID       string `json:"productId"`
	FromWarehouseID string `json:"fromWarehouseId"`
	ToWarehouseID   string `json:"toWarehouseId"`
	Quantity        int    `json:"quantity"`
	CreatedAt       string `json:"createdAt,omitempty"`
}

// Decode converts stored records into typed values. Fields without a
// counterpart in T are dropped.
func Decode[T any](recs []store.Record) ([]T, error) {
	out := make([]T, 0, len(recs))
	for i, rec := range recs {
		b, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		var v T
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("record %d (%s): %w", i, rec.ID(), err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Encode converts typed values into records ready for an Upsert.
func Encode[T any](items []T) ([]store.Record, error) {
	out := make([]store.Record, 0, len(items))
	for i, item := range items {
		b, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		var rec store.Record
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Load reads collection c through a and decodes it as T.
func Load[T any](ctx context.Context, a store.Adapter, c store.Collection) ([]T, error) {
	recs, err := a.GetAll(ctx, c)
	if err != nil {
		return nil, err
	}
	return Decode[T](recs)
}

// Save upserts typed values into collection c.
func Save[T any](ctx context.Context, a store.Adapter, c store.Collection, items ...T) error {
	recs, err := Encode(items)
	if err != nil {
		return err
	}
	return a.Upsert(ctx, c, recs...)
}
