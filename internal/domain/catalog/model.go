package catalog

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrInvalidProduct  = errors.New("invalid product")
)

// Product is a sellable catalog entry.
type Product struct {
	ID             uuid.UUID `db:"id" json:"id"`
	Code           string    `db:"code" json:"code"`
	Name           string    `db:"name" json:"name"`
	ListPrice      float64   `db:"list_price" json:"list_price"`
	Active         bool      `db:"active" json:"active"`
	AvailableInPOS bool      `db:"available_in_pos" json:"available_in_pos"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Sellable reports whether the product may be put on a checkout order.
func (p *Product) Sellable() bool {
	return p.Active && p.AvailableInPOS
}
