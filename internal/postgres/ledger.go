package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const productColumns = `id, name, stock, price, discount_rate::text, flash_price, flash_starts_at, flash_ends_at, stock_status`

// Ledger keeps product stock in the products table. Every mutation is a
// single conditional statement so the row lock is held only for that
// statement.
type Ledger struct{ DB DB }

func scanProduct(row pgx.Row) (inventory.Product, error) {
	var (
		p          inventory.Product
		rate       string
		status     string
		flashPrice *int64
		flashStart *time.Time
		flashEnd   *time.Time
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Stock, &p.Price, &rate, &flashPrice, &flashStart, &flashEnd, &status); err != nil {
		return p, err
	}
	d, err := decimal.NewFromString(rate)
	if err != nil {
		return p, err
	}
	p.DiscountRate = d
	p.Status = inventory.StockStatus(status)
	if flashPrice != nil && flashStart != nil && flashEnd != nil {
		p.FlashSale = &inventory.FlashSale{Price: *flashPrice, StartsAt: *flashStart, EndsAt: *flashEnd}
	}
	return p, nil
}

// Reserve decrements stock only when enough is left and returns the row as
// it stands after the decrement.
func (l *Ledger) Reserve(ctx context.Context, id string, qty int) (inventory.Product, error) {
	if qty <= 0 {
		return inventory.Product{}, &inventory.InsufficientStockError{ProductID: id, Requested: qty}
	}
	row := l.DB.QueryRow(ctx, `
		UPDATE products
		SET stock = stock - $2,
		    stock_status = CASE WHEN stock - $2 > 0 THEN 'in_stock' ELSE 'out_of_stock' END,
		    updated_at = now()
		WHERE id = $1 AND stock >= $2
		RETURNING `+productColumns, id, qty)
	p, err := scanProduct(row)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return inventory.Product{}, err
	}

	var exists bool
	if err := l.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, id).Scan(&exists); err != nil {
		return inventory.Product{}, err
	}
	if !exists {
		return inventory.Product{}, inventory.ErrProductNotFound
	}
	return inventory.Product{}, &inventory.InsufficientStockError{ProductID: id, Requested: qty}
}

const releaseStockSQL = `
	UPDATE products
	SET stock = stock + $2, stock_status = 'in_stock', updated_at = now()
	WHERE id = $1`

func (l *Ledger) Release(ctx context.Context, id string, qty int) error {
	tag, err := l.DB.Exec(ctx, releaseStockSQL, id, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return inventory.ErrProductNotFound
	}
	return nil
}

func (l *Ledger) ListProducts(ctx context.Context) ([]inventory.Product, error) {
	rows, err := l.DB.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []inventory.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
