package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/vibast-solutions/ms-go-order-payments/app/entity"
)

const orderColumns = `
	id, customer_ref, sub_total, shipping_fee, discount_amount, total_amount,
	currency, payment_status, status, created_at, updated_at
`

type OrderRepository struct {
	db DBTX
}

func NewOrderRepository(db DBTX) *OrderRepository {
	return &OrderRepository{db: db}
}

// FindOrder returns the order with its items, or nil when it does not exist.
func (r *OrderRepository) FindOrder(ctx context.Context, id uint64) (*entity.Order, error) {
	return r.findOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
}

// LockOrder is FindOrder with a row lock held until the surrounding
// transaction ends. Deliveries for the same order serialize here.
func (r *OrderRepository) LockOrder(ctx context.Context, id uint64) (*entity.Order, error) {
	return r.findOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ? FOR UPDATE`, id)
}

func (r *OrderRepository) findOrder(ctx context.Context, query string, id uint64) (*entity.Order, error) {
	order := &entity.Order{}
	if err := scanOrder(r.db.QueryRowContext(ctx, query, id), order); errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	items, err := r.ListOrderItems(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return order, nil
}

func (r *OrderRepository) ListOrderItems(ctx context.Context, orderID uint64) ([]*entity.OrderItem, error) {
	query := `
		SELECT id, order_id, product_variant_id, quantity, unit_price
		FROM order_items
		WHERE order_id = ?
		ORDER BY id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]*entity.OrderItem, 0)
	for rows.Next() {
		item := &entity.OrderItem{}
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductVariantID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func (r *OrderRepository) UpdateOrderPaymentState(ctx context.Context, order *entity.Order) error {
	query := `
		UPDATE orders SET
			payment_status = ?,
			status = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, order.PaymentStatus, order.Status, order.UpdatedAt, order.ID)
	if err != nil {
		return err
	}
	return expectAffected(result, ErrOrderNotFound)
}

func scanOrder(scan rowScanner, order *entity.Order) error {
	var customerRef sql.NullString
	var currency sql.NullString

	err := scan.Scan(
		&order.ID,
		&customerRef,
		&order.SubTotal,
		&order.ShippingFee,
		&order.DiscountAmount,
		&order.TotalAmount,
		&currency,
		&order.PaymentStatus,
		&order.Status,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return err
	}

	order.CustomerRef = customerRef.String
	order.Currency = currency.String
	return nil
}
