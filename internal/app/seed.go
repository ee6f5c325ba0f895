package app

import (
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/ariefcatur/go-storefront-orders/internal/memstore"
	"github.com/shopspring/decimal"
)

// Seed loads a small demo catalog for STORE=memory runs.
func Seed(s *memstore.Store) {
	now := time.Now().UTC()
	s.PutProduct(inventory.Product{ID: "ao-dai-lua", Name: "Áo dài lụa", Stock: 20, Price: 850000})
	s.PutProduct(inventory.Product{ID: "non-la", Name: "Nón lá", Stock: 50, Price: 120000, DiscountRate: decimal.RequireFromString("0.15")})
	s.PutProduct(inventory.Product{ID: "ca-phe-phin", Name: "Cà phê phin", Stock: 5, Price: 90000, FlashSale: &inventory.FlashSale{
		Price:    59000,
		StartsAt: now,
		EndsAt:   now.Add(24 * time.Hour),
	}})
	s.PutDiscount("WELCOME10", memstore.Discount{Rate: decimal.RequireFromString("0.10"), MaxAmount: 100000})
}
