package models

import (
	"time"

	"github.com/google/uuid"
)

// Catalog item categories.
const (
	CategoryPhysical = "physical"
	CategoryDigital  = "digital"
	CategoryService  = "service"
	CategoryVoucher  = "voucher"
)

// CatalogItem is a redeemable reward. Stock is nil for unlimited items and
// never goes negative when finite.
type CatalogItem struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	RequiredMiles int64     `json:"required_miles"`
	Category      string    `json:"category"`
	Stock         *int      `json:"stock,omitempty"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RequiresShipping reports whether redeeming the item needs a shipping
// reference up front.
func (i *CatalogItem) RequiresShipping() bool {
	return i.Category == CategoryPhysical
}
