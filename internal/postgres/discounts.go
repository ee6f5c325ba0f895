package postgres

import (
	"context"
	"errors"

	"github.com/ariefcatur/go-storefront-orders/internal/money"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type Discounts struct{ DB DB }

// Lookup resolves an active, unexpired code. Codes are matched case
// insensitively and stored upper case.
func (d *Discounts) Lookup(ctx context.Context, code string, subTotal int64) (int64, error) {
	var (
		rate string
		max  int64
	)
	err := d.DB.QueryRow(ctx, `
		SELECT rate::text, max_amount FROM discount_codes
		WHERE code = upper($1) AND active AND (expires_at IS NULL OR expires_at > now())`,
		code).Scan(&rate, &max)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, orders.ErrInvalidDiscount
	}
	if err != nil {
		return 0, err
	}
	r, err := decimal.NewFromString(rate)
	if err != nil {
		return 0, err
	}
	off := money.PercentOff(subTotal, r)
	if max > 0 && off > max {
		off = max
	}
	return off, nil
}
