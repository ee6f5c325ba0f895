package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/jackc/pgx/v5"
)

const orderColumns = `id, user_id, guest, shipping_address, status, is_paid, paid_at, payment_method,
	payment_ref, reservation_expires_at, discount_code, sub_total, discount_amount, shipping_fee,
	final_total, note, version, created_at, updated_at`

// pageSize bounds how many orders one sweep query pulls at a time.
const pageSize = 100

// OrderStore implements orders.Store on postgres. Status changes are single
// guarded UPDATE statements; nothing holds a row lock across round trips.
type OrderStore struct{ DB DB }

func scanOrder(row pgx.Row) (*orders.Order, error) {
	var (
		o       orders.Order
		userID  *string
		guest   []byte
		address []byte
		status  string
		method  string
	)
	err := row.Scan(&o.ID, &userID, &guest, &address, &status, &o.IsPaid, &o.PaidAt, &method,
		&o.PaymentRef, &o.ReservationExpiresAt, &o.DiscountCode, &o.SubTotal, &o.DiscountAmount, &o.ShippingFee,
		&o.FinalTotal, &o.Note, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if userID != nil {
		o.Buyer.UserID = *userID
	}
	if len(guest) > 0 {
		o.Buyer.Guest = &orders.Guest{}
		if err := json.Unmarshal(guest, o.Buyer.Guest); err != nil {
			return nil, fmt.Errorf("decode guest of %s: %w", o.ID, err)
		}
	}
	if err := json.Unmarshal(address, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("decode address of %s: %w", o.ID, err)
	}
	o.Status = orders.Status(status)
	o.PaymentMethod = orders.PaymentMethod(method)
	return &o, nil
}

func (s *OrderStore) Create(ctx context.Context, o *orders.Order) error {
	var userID *string
	if o.Buyer.UserID != "" {
		userID = &o.Buyer.UserID
	}
	var guest []byte
	if o.Buyer.Guest != nil {
		b, err := json.Marshal(o.Buyer.Guest)
		if err != nil {
			return err
		}
		guest = b
	}
	address, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return err
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, user_id, guest, shipping_address, status, is_paid, paid_at, payment_method,
			payment_ref, reservation_expires_at, discount_code, sub_total, discount_amount, shipping_fee,
			final_total, note, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		o.ID, userID, guest, address, string(o.Status), o.IsPaid, o.PaidAt, string(o.PaymentMethod),
		o.PaymentRef, o.ReservationExpiresAt, o.DiscountCode, o.SubTotal, o.DiscountAmount, o.ShippingFee,
		o.FinalTotal, o.Note, o.Version, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return err
	}

	for _, li := range o.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items (order_id, line, product_id, name, qty, unit_price, line_discount, released)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			o.ID, li.Line, li.ProductID, li.Name, li.Quantity, li.UnitPrice, li.LineDiscount, li.Released)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// loadItems attaches order lines to every order in list with one query.
func (s *OrderStore) loadItems(ctx context.Context, list []*orders.Order) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]string, len(list))
	byID := make(map[string]*orders.Order, len(list))
	for i, o := range list {
		ids[i] = o.ID
		byID[o.ID] = o
		o.Items = nil
	}
	rows, err := s.DB.Query(ctx, `
		SELECT order_id, line, product_id, name, qty, unit_price, line_discount, released
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, line`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			orderID string
			li      orders.LineItem
		)
		if err := rows.Scan(&orderID, &li.Line, &li.ProductID, &li.Name, &li.Quantity, &li.UnitPrice, &li.LineDiscount, &li.Released); err != nil {
			return err
		}
		if o := byID[orderID]; o != nil {
			o.Items = append(o.Items, li)
		}
	}
	return rows.Err()
}

func (s *OrderStore) Get(ctx context.Context, id string) (*orders.Order, error) {
	o, err := scanOrder(s.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadItems(ctx, []*orders.Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *OrderStore) query(ctx context.Context, sql string, args ...any) ([]*orders.Order, error) {
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*orders.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if err := s.loadItems(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *OrderStore) List(ctx context.Context, f orders.ListFilter) ([]*orders.Order, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	sql := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.query(ctx, sql, args...)
}

// Transition is one guarded UPDATE: it writes only while the row still has
// status from (and is unpaid when RequireUnpaid is set). On zero rows it
// tells a missing order apart from a lost race.
func (s *OrderStore) Transition(ctx context.Context, id string, from, to orders.Status, u orders.Update) (*orders.Order, error) {
	u = u.Normalize(to)
	if err := orders.CheckTransition(from, to, u); err != nil {
		return nil, err
	}
	row := s.DB.QueryRow(ctx, `
		UPDATE orders SET
			status = $3,
			is_paid = is_paid OR $4,
			paid_at = COALESCE($5, paid_at),
			payment_ref = CASE WHEN $6 = '' THEN payment_ref ELSE $6 END,
			reservation_expires_at = CASE WHEN $7 THEN NULL ELSE reservation_expires_at END,
			note = CASE WHEN $8 = '' THEN note WHEN note = '' THEN $8 ELSE note || E'\n' || $8 END,
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND status = $2 AND (NOT $9 OR NOT is_paid)
		RETURNING `+orderColumns,
		id, string(from), string(to), u.MarkPaidAt != nil, u.MarkPaidAt, u.PaymentRef, u.ClearExpiry, u.AppendNote, u.RequireUnpaid)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, orders.ErrNotFound
		}
		return nil, fmt.Errorf("%w: order %s is no longer %s", orders.ErrConflict, id, from)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadItems(ctx, []*orders.Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

// paged walks the orders matching where by id keyset, one page per query.
// where may reference $1..$n for args; the cursor and limit follow them.
func (s *OrderStore) paged(ctx context.Context, where string, args ...any) iter.Seq2[*orders.Order, error] {
	sql := fmt.Sprintf(`SELECT %s FROM orders WHERE %s AND id > $%d ORDER BY id LIMIT $%d`,
		orderColumns, where, len(args)+1, len(args)+2)
	return func(yield func(*orders.Order, error) bool) {
		after := ""
		for {
			page, err := s.query(ctx, sql, append(append([]any{}, args...), after, pageSize)...)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, o := range page {
				if !yield(o, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

func (s *OrderStore) FindExpiredUnpaid(ctx context.Context, now time.Time) iter.Seq2[*orders.Order, error] {
	return s.paged(ctx, `status IN ('pending', 'processing') AND NOT is_paid
		AND reservation_expires_at IS NOT NULL AND reservation_expires_at < $1`, now)
}

func (s *OrderStore) FindUnreleased(ctx context.Context) iter.Seq2[*orders.Order, error] {
	return s.paged(ctx, `status = 'cancelled'
		AND EXISTS (SELECT 1 FROM order_items i WHERE i.order_id = orders.id AND NOT i.released)`)
}

func (s *OrderStore) ClaimRelease(ctx context.Context, orderID string, line int) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE order_items i SET released = true
		FROM orders o
		WHERE i.order_id = $1 AND i.line = $2 AND NOT i.released
		  AND o.id = i.order_id AND o.status = 'cancelled'`, orderID, line)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, claimMiss(ctx, s.DB, orderID, line)
}

// ReleaseLine claims a cancelled order's line and credits its stock back in
// one transaction, so a crash can neither lose nor repeat the release.
func (s *OrderStore) ReleaseLine(ctx context.Context, orderID string, line int) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		productID string
		qty       int
	)
	err = tx.QueryRow(ctx, `
		UPDATE order_items i SET released = true
		FROM orders o
		WHERE i.order_id = $1 AND i.line = $2 AND NOT i.released
		  AND o.id = i.order_id AND o.status = 'cancelled'
		RETURNING i.product_id, i.qty`, orderID, line).Scan(&productID, &qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, claimMiss(ctx, tx, orderID, line)
	}
	if err != nil {
		return false, err
	}

	tag, err := tx.Exec(ctx, releaseStockSQL, productID, qty)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, fmt.Errorf("%w: %s", inventory.ErrProductNotFound, productID)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// claimMiss explains why a line could not be claimed: nil when it was
// already released.
func claimMiss(ctx context.Context, db DB, orderID string, line int) error {
	var (
		status   string
		released bool
	)
	err := db.QueryRow(ctx, `
		SELECT o.status, i.released FROM order_items i JOIN orders o ON o.id = i.order_id
		WHERE i.order_id = $1 AND i.line = $2`, orderID, line).Scan(&status, &released)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.ErrNotFound
	}
	if err != nil {
		return err
	}
	if orders.Status(status) != orders.StatusCancelled {
		return fmt.Errorf("%w: order is %s", orders.ErrConflict, status)
	}
	return nil
}

func (s *OrderStore) UnclaimRelease(ctx context.Context, orderID string, line int) error {
	_, err := s.DB.Exec(ctx, `UPDATE order_items SET released = false WHERE order_id = $1 AND line = $2`, orderID, line)
	return err
}
