package orders

import "time"

// Buyer is either an authenticated user or a guest with embedded contact info.
type Buyer struct {
	UserID string `json:"user_id,omitempty"`
	Guest  *Guest `json:"guest,omitempty"`
}

type Guest struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"required,email"`
	Phone string `json:"phone"`
}

type Address struct {
	FullName string `json:"full_name" validate:"required"`
	Phone    string `json:"phone" validate:"required"`
	Line1    string `json:"line1" validate:"required"`
	Ward     string `json:"ward,omitempty"`
	District string `json:"district,omitempty"`
	City     string `json:"city" validate:"required"`
}

// LineItem is the price snapshot taken at reservation time. It is never
// recomputed from the catalog afterwards.
type LineItem struct {
	Line         int    `json:"line"`
	ProductID    string `json:"product_id"`
	Name         string `json:"name"`
	Quantity     int    `json:"quantity"`
	UnitPrice    int64  `json:"unit_price"`
	LineDiscount int64  `json:"line_discount"`
	// Released is set once the line's stock has been returned after cancellation.
	Released bool `json:"released"`
}

// Total is what the buyer pays for the line.
func (li LineItem) Total() int64 {
	return li.UnitPrice*int64(li.Quantity) - li.LineDiscount
}

type Order struct {
	ID                   string        `json:"id"`
	Buyer                Buyer         `json:"buyer"`
	Items                []LineItem    `json:"items"`
	ShippingAddress      Address       `json:"shipping_address"`
	Status               Status        `json:"status"`
	IsPaid               bool          `json:"is_paid"`
	PaidAt               *time.Time    `json:"paid_at,omitempty"`
	PaymentMethod        PaymentMethod `json:"payment_method"`
	PaymentRef           string        `json:"payment_ref,omitempty"`
	ReservationExpiresAt *time.Time    `json:"reservation_expires_at,omitempty"`
	DiscountCode         string        `json:"discount_code,omitempty"`
	SubTotal             int64         `json:"sub_total"`
	DiscountAmount       int64         `json:"discount_amount"`
	ShippingFee          int64         `json:"shipping_fee"`
	FinalTotal           int64         `json:"final_total"`
	Note                 string        `json:"note,omitempty"`
	Version              int64         `json:"version"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// Expired reports whether an unpaid reservation is past its window.
func (o *Order) Expired(now time.Time) bool {
	return !o.IsPaid && o.ReservationExpiresAt != nil && o.ReservationExpiresAt.Before(now)
}

// Unreleased returns the lines whose stock has not been returned yet.
func (o *Order) Unreleased() []LineItem {
	var out []LineItem
	for _, li := range o.Items {
		if !li.Released {
			out = append(out, li)
		}
	}
	return out
}

// OwnedBy reports whether userID is the authenticated buyer of o.
func (o *Order) OwnedBy(userID string) bool {
	return userID != "" && o.Buyer.UserID == userID
}

// AppendNote joins an audit entry onto an existing note.
func AppendNote(note, entry string) string {
	if entry == "" {
		return note
	}
	if note == "" {
		return entry
	}
	return note + "\n" + entry
}
