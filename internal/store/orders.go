package store

import (
	"context"
	"database/sql"
	"fmt"

	"printpay/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateOrderWithItems inserts an order and its lines in one transaction
func (s *Store) CreateOrderWithItems(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders (number, payment_id, status, total_usd, total_crypto,
			ship_name, ship_line1, ship_line2, ship_city, ship_region, ship_postal_code, ship_country)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, version, created_at, updated_at`

	err = tx.GetContext(ctx, order, query,
		order.Number, order.PaymentID, order.Status, order.TotalUSD, order.TotalCrypto,
		order.ShipName, order.ShipLine1, order.ShipLine2, order.ShipCity,
		order.ShipRegion, order.ShipPostalCode, order.ShipCountry)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	itemQuery := `
		INSERT INTO order_items (order_id, product_id, title, quantity, unit_price, unit_cost, line_total, line_profit, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	for i := range items {
		items[i].OrderID = order.ID
		err = tx.GetContext(ctx, &items[i].ID, itemQuery,
			items[i].OrderID, items[i].ProductID, items[i].Title, items[i].Quantity,
			items[i].UnitPrice, items[i].UnitCost, items[i].LineTotal, items[i].LineProfit,
			items[i].Status)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	return tx.Commit()
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByNumber retrieves an order by its human-referenceable number
func (s *Store) GetOrderByNumber(ctx context.Context, number string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE number = $1", number)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByExternalID retrieves an order by the provider's order id.
// Returns nil when unknown so webhook handling can accept stale events.
func (s *Store) GetOrderByExternalID(ctx context.Context, externalID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE external_id = $1", externalID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByPaymentID retrieves the order created for a payment. Returns
// nil when no order exists yet; this is the double-creation guard for the
// confirmation trigger.
func (s *Store) GetOrderByPaymentID(ctx context.Context, paymentID int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE payment_id = $1", paymentID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderItems retrieves all items for an order
func (s *Store) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// UpdateOrderStatus transitions status conditionally on the expected prior
// state and bumps the row version
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, version = version + 1, updated_at = NOW() WHERE id = $2 AND status = $3",
		to, orderID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkOrderSubmitted records the provider order id and moves the order to
// processing. The guards keep the external id write-once.
func (s *Store) MarkOrderSubmitted(ctx context.Context, orderID int64, externalID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, external_id = $2, version = version + 1, updated_at = NOW()
		WHERE id = $3 AND status = $4 AND external_id IS NULL`,
		models.OrderStatusProcessing, externalID,
		orderID, models.OrderStatusPaymentConfirmed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetOrderTracking stores shipment tracking fields and the provider status mirror
func (s *Store) SetOrderTracking(ctx context.Context, orderID int64, tracking models.TrackingInfo, externalStatus string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET tracking_number = $1, tracking_carrier = $2, tracking_url = $3,
			external_status = $4, version = version + 1, updated_at = NOW()
		WHERE id = $5`,
		tracking.Number, tracking.Carrier, tracking.URL, externalStatus, orderID)
	return err
}

// SetOrderExternalStatus updates the provider status mirror
func (s *Store) SetOrderExternalStatus(ctx context.Context, orderID int64, externalStatus string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET external_status = $1, version = version + 1, updated_at = NOW() WHERE id = $2",
		externalStatus, orderID)
	return err
}

// SetOrderCancelReason records why an order failed or was cancelled
func (s *Store) SetOrderCancelReason(ctx context.Context, orderID int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET cancel_reason = $1, version = version + 1, updated_at = NOW() WHERE id = $2",
		reason, orderID)
	return err
}

// FlagOrderRefundReview marks a cancelled order for manual refund review
func (s *Store) FlagOrderRefundReview(ctx context.Context, orderID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET needs_refund_review = TRUE, version = version + 1, updated_at = NOW() WHERE id = $1",
		orderID)
	return err
}

// UpdateItemStatuses updates per-line statuses; an empty productIDs slice
// means every line of the order
func (s *Store) UpdateItemStatuses(ctx context.Context, orderID int64, productIDs []int64, status models.ItemStatus) error {
	if len(productIDs) == 0 {
		_, err := s.db.ExecContext(ctx,
			"UPDATE order_items SET status = $1 WHERE order_id = $2", status, orderID)
		return err
	}

	query, args, err := sqlx.In(
		"UPDATE order_items SET status = ? WHERE order_id = ? AND product_id IN (?)",
		status, orderID, productIDs)
	if err != nil {
		return err
	}
	query = s.db.Rebind(query)

	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// ListOrdersAwaitingSubmission returns orders whose fulfillment request has
// not been accepted by the provider yet
func (s *Store) ListOrdersAwaitingSubmission(ctx context.Context, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders, `
		SELECT * FROM orders
		WHERE status = $1 AND external_id IS NULL
		ORDER BY created_at ASC LIMIT $2`,
		models.OrderStatusPaymentConfirmed, limit)
	return orders, err
}
