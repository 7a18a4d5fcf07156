package catalog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clinicpos/clinicpos/internal/platform/db"
)

const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS product (
	id               TEXT PRIMARY KEY,
	code             TEXT NOT NULL DEFAULT '',
	name             TEXT NOT NULL,
	list_price       REAL NOT NULL DEFAULT 0,
	active           INTEGER NOT NULL DEFAULT 1,
	available_in_pos INTEGER NOT NULL DEFAULT 1,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
`

type repoSQLite struct {
	db *sql.DB
}

func NewSQLiteRepo(sqlDB *sql.DB) Repository {
	return &repoSQLite{db: sqlDB}
}

const productColsLite = `id, code, name, list_price, active, available_in_pos, created_at, updated_at`

func (r *repoSQLite) Create(ctx context.Context, p *Product) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO product (id, code, name, list_price, active, available_in_pos, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		p.ID.String(), p.Code, p.Name, p.ListPrice, p.Active, p.AvailableInPOS, db.UnixNano(now), db.UnixNano(now))
	return err
}

func (r *repoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Product, error) {
	return scanProductLite(r.db.QueryRowContext(ctx, `SELECT `+productColsLite+` FROM product WHERE id = ?`, id.String()))
}

func (r *repoSQLite) Update(ctx context.Context, p *Product) error {
	p.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE product SET code=?, name=?, list_price=?, active=?, available_in_pos=?, updated_at=?
		WHERE id = ?`,
		p.Code, p.Name, p.ListPrice, p.Active, p.AvailableInPOS, db.UnixNano(p.UpdatedAt), p.ID.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProductNotFound
	}
	return nil
}

func (r *repoSQLite) List(ctx context.Context, limit, offset int) ([]*Product, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM product`).Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+productColsLite+` FROM product ORDER BY name, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	products := []*Product{}
	for rows.Next() {
		p, err := scanProductLite(rows)
		if err != nil {
			return nil, 0, err
		}
		products = append(products, p)
	}
	return products, total, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProductLite(row rowScanner) (*Product, error) {
	var (
		p                    Product
		id                   string
		createdAt, updatedAt int64
	)
	err := row.Scan(&id, &p.Code, &p.Name, &p.ListPrice, &p.Active, &p.AvailableInPOS, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	p.CreatedAt = db.FromUnixNano(createdAt)
	p.UpdatedAt = db.FromUnixNano(updatedAt)
	return &p, nil
}
