package pos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultInventory returns the catalogue used when no seed file is
// configured.
func DefaultInventory() []Product {
	return []Product{
		{ID: "SP001", Barcode: "8930001", Name: "iPhone 15 Pro Max", Price: 34_990_000, Quantity: 5, Unit: "chiếc", Category: "Điện thoại"},
		{ID: "SP002", Barcode: "8930002", Name: "Samsung Galaxy S24 Ultra", Price: 31_990_000, Quantity: 8, Unit: "chiếc", Category: "Điện thoại"},
		{ID: "SP003", Barcode: "8930003", Name: "MacBook Air M3", Price: 27_990_000, Quantity: 3, Unit: "chiếc", Category: "Laptop"},
		{ID: "SP004", Barcode: "8930004", Name: "Tai nghe AirPods Pro 2", Price: 5_990_000, Quantity: 15, Unit: "cái", Category: "Phụ kiện"},
		{ID: "SP005", Barcode: "8930005", Name: "Sạc dự phòng Anker", Price: 890_000, Quantity: 20, Unit: "cục", Category: "Phụ kiện"},
	}
}

// SeedFile is the YAML layout of an inventory seed.
//
// Example:
//
//	products:
//	  - id: SP001
//	    name: "iPhone 15 Pro Max"
//	    price: 34990000
//	    quantity: 5
//	    unit: chiếc
type SeedFile struct {
	Products []Product `yaml:"products"`
}

// LoadSeed reads a seed file from disk.
func LoadSeed(path string) ([]Product, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pos: open seed %q: %w", path, err)
	}
	defer f.Close()

	products, err := LoadSeedFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("pos: parse seed %q: %w", path, err)
	}
	return products, nil
}

// LoadSeedFromReader parses seed YAML and validates every product.
func LoadSeedFromReader(r io.Reader) ([]Product, error) {
	var sf SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sf); err != nil {
		return nil, fmt.Errorf("pos: decode seed yaml: %w", err)
	}

	var errs []error
	seen := make(map[string]bool, len(sf.Products))
	for i, p := range sf.Products {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("products[%d]: id is required", i))
		} else if seen[p.ID] {
			errs = append(errs, fmt.Errorf("products[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("products[%d]: name is required", i))
		}
		if p.Price < 0 {
			errs = append(errs, fmt.Errorf("products[%d]: price must be >= 0", i))
		}
		if p.Quantity < 0 {
			errs = append(errs, fmt.Errorf("products[%d]: quantity must be >= 0", i))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return sf.Products, nil
}

// Seed writes products into store. Existing products with the same IDs are
// replaced.
func Seed(ctx context.Context, store Store, products []Product) error {
	for _, p := range products {
		if err := store.PutProduct(ctx, p); err != nil {
			return fmt.Errorf("pos: seed %q: %w", p.ID, err)
		}
	}
	return nil
}
