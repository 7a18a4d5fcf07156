package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Lookup resolves a product that may be sold at the point of sale.
type Lookup interface {
	LookupProduct(ctx context.Context, id uuid.UUID) (*Product, error)
}

type Service struct {
	repo     Repository
	onChange []func(uuid.UUID)
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// OnChange registers fn to be called with the id of every updated product.
func (s *Service) OnChange(fn func(uuid.UUID)) {
	s.onChange = append(s.onChange, fn)
}

func validate(p *Product) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProduct)
	}
	if p.ListPrice < 0 {
		return fmt.Errorf("%w: list_price must not be negative", ErrInvalidProduct)
	}
	return nil
}

func (s *Service) CreateProduct(ctx context.Context, p *Product) error {
	if err := validate(p); err != nil {
		return err
	}
	return s.repo.Create(ctx, p)
}

func (s *Service) GetProduct(ctx context.Context, id uuid.UUID) (*Product, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) UpdateProduct(ctx context.Context, p *Product) error {
	if err := validate(p); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return err
	}
	for _, fn := range s.onChange {
		fn(p.ID)
	}
	return nil
}

func (s *Service) ListProducts(ctx context.Context, limit, offset int) ([]*Product, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// LookupProduct returns ErrProductNotFound for products that are missing,
// archived or hidden from the point of sale.
func (s *Service) LookupProduct(ctx context.Context, id uuid.UUID) (*Product, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Sellable() {
		return nil, fmt.Errorf("%w: %s is not sellable", ErrProductNotFound, id)
	}
	return p, nil
}
