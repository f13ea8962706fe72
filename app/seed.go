package app

import (
	"context"
	"fmt"

	"github.com/stevemurr/storefront-store/model"
	"github.com/stevemurr/storefront-store/store"
)

var (
	demoWarehouses = []model.Warehouse{
		{ID: "wh-main", Name: "Main store", Location: "Front counter", Capacity: 500},
		{ID: "wh-back", Name: "Back room", Location: "Storage", Capacity: 2000},
	}
	demoProducts = []model.Product{
		{ID: "demo-pixel-9", Name: "Pixel 9", Brand: "Google", Category: "phone", Price: 799, Stock: 12, WarehouseID: "wh-main"},
		{ID: "demo-iphone-16", Name: "iPhone 16", Brand: "Apple", Category: "phone", Price: 829, Stock: 8, WarehouseID: "wh-main"},
		{ID: "demo-galaxy-s24", Name: "Galaxy S24", Brand: "Samsung", Category: "phone", Price: 749, Stock: 15, WarehouseID: "wh-back"},
		{ID: "demo-usb-c-cable", Name: "USB-C cable 1m", Category: "accessory", Price: 12.5, Stock: 140, WarehouseID: "wh-back"},
	}
	demoSettings = model.Settings{StoreName: "Demo Phone Store", Currency: "USD", TaxRate: 0.08}
)

// seedDemo fills an empty engine with the demo catalog used in static
// data mode. A store that already has products is left alone.
func (a *App) seedDemo(ctx context.Context) error {
	existing, err := a.adapter.GetAll(ctx, store.Products)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	if err := model.Save(ctx, a.adapter, store.Warehouses, demoWarehouses...); err != nil {
		return fmt.Errorf("seed warehouses: %w", err)
	}
	if err := model.Save(ctx, a.adapter, store.Products, demoProducts...); err != nil {
		return fmt.Errorf("seed products: %w", err)
	}
	if err := model.Save(ctx, a.adapter, store.Settings, demoSettings); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	a.log.Info().Int("products", len(demoProducts)).Msg("seeded demo catalog")
	return nil
}
