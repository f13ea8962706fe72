package store

import (
	"fmt"
	"slices"
)

// Collection is the name of one logical table of records.
type Collection string

const (
	Products       Collection = "products"
	Orders         Collection = "orders"
	Customers      Collection = "customers"
	Warehouses     Collection = "warehouses"
	Suppliers      Collection = "suppliers"
	PurchaseOrders Collection = "purchase_orders"
	Roles          Collection = "roles"
	Settings       Collection = "settings"
	Returns        Collection = "returns"
	Notifications  Collection = "notifications"
	TransferLogs   Collection = "transfer_logs"

	// Cart and Session live only for the current session. They are never
	// exported and the engines refuse them.
	Cart    Collection = "cart"
	Session Collection = "session"
)

var persisted = []Collection{
	Products,
	Orders,
	Customers,
	Warehouses,
	Suppliers,
	PurchaseOrders,
	Roles,
	Settings,
	Returns,
	Notifications,
	TransferLogs,
}

// Collections returns the persisted collections in a stable order.
func Collections() []Collection {
	return slices.Clone(persisted)
}

// Persisted reports whether c is one of the persisted collections.
func (c Collection) Persisted() bool {
	return slices.Contains(persisted, c)
}

// Ephemeral reports whether c is session-only state.
func (c Collection) Ephemeral() bool {
	return c == Cart || c == Session
}

// ParseCollection resolves a collection name from the outside world.
func ParseCollection(name string) (Collection, error) {
	c := Collection(name)
	if err := checkCollection(c); err != nil {
		return "", err
	}
	return c, nil
}

func checkCollection(c Collection) error {
	if !c.Persisted() {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, string(c))
	}
	return nil
}
