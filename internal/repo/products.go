package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const productColumns = `id, name, premium, sum_assured, category, tier, active, created_at`

func scanProduct(row pgx.Row) (*Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.Name, &p.Premium, &p.SumAssured, &p.Category, &p.Tier, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListActiveProducts returns sellable catalog entries ordered by tier and premium.
func (r *Postgres) ListActiveProducts(ctx context.Context) ([]Product, error) {
	q := `SELECT ` + productColumns + ` FROM products WHERE active ORDER BY tier, premium;`
	return r.queryProducts(ctx, q)
}

// ListProductsByCategory returns active products of one coverage category.
func (r *Postgres) ListProductsByCategory(ctx context.Context, category string) ([]Product, error) {
	q := `SELECT ` + productColumns + ` FROM products WHERE active AND category = $1 ORDER BY tier, premium;`
	return r.queryProducts(ctx, q, category)
}

// GetProductByID retrieves a single catalog entry.
func (r *Postgres) GetProductByID(ctx context.Context, id string) (*Product, error) {
	q := `SELECT ` + productColumns + ` FROM products WHERE id = $1 LIMIT 1;`
	product, err := scanProduct(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return product, nil
}

func (r *Postgres) queryProducts(ctx context.Context, q string, args ...any) ([]Product, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return products, nil
}
