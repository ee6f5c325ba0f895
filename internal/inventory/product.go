package inventory

import (
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/money"
	"github.com/shopspring/decimal"
)

type StockStatus string

const (
	InStock    StockStatus = "in_stock"
	OutOfStock StockStatus = "out_of_stock"
)

// FlashSale overrides the discounted price while StartsAt <= now < EndsAt.
type FlashSale struct {
	Price    int64
	StartsAt time.Time
	EndsAt   time.Time
}

func (f *FlashSale) Active(now time.Time) bool {
	return f != nil && !now.Before(f.StartsAt) && now.Before(f.EndsAt)
}

// Product is the slice of the catalog entity the order core reads.
type Product struct {
	ID           string
	Name         string
	Stock        int
	Price        int64
	DiscountRate decimal.Decimal
	FlashSale    *FlashSale
	Status       StockStatus
}

// UnitPrice is the per-unit price a buyer pays at now.
// An active flash sale replaces the percentage discount, it never stacks with it.
func (p Product) UnitPrice(now time.Time) int64 {
	if p.FlashSale.Active(now) {
		return money.Clamp(p.FlashSale.Price, 0, p.Price)
	}
	return p.Price - money.PercentOff(p.Price, p.DiscountRate)
}

// StatusFor derives the cosmetic stock label.
func StatusFor(stock int) StockStatus {
	if stock > 0 {
		return InStock
	}
	return OutOfStock
}
