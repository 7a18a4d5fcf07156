package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicpos/clinicpos/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const productCols = `id, code, name, list_price, active, available_in_pos, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, p *Product) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO product (id, code, name, list_price, active, available_in_pos)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`,
		p.ID, p.Code, p.Name, p.ListPrice, p.Active, p.AvailableInPOS,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Product, error) {
	return scanProduct(r.conn(ctx).QueryRow(ctx, `SELECT `+productCols+` FROM product WHERE id = $1`, id))
}

func (r *repoPG) Update(ctx context.Context, p *Product) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE product SET code=$2, name=$3, list_price=$4, active=$5, available_in_pos=$6, updated_at=NOW()
		WHERE id = $1
		RETURNING created_at, updated_at`,
		p.ID, p.Code, p.Name, p.ListPrice, p.Active, p.AvailableInPOS,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrProductNotFound
	}
	return err
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Product, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM product`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+productCols+` FROM product ORDER BY name, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	products := []*Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, err
		}
		products = append(products, p)
	}
	return products, total, rows.Err()
}

func scanProduct(row pgx.Row) (*Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.ListPrice, &p.Active, &p.AvailableInPOS, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
