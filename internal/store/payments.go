package store

import (
	"context"
	"database/sql"
	"time"

	"printpay/internal/models"
)

// CreatePayment inserts a new pending payment
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (reference, status, amount_usd, amount_crypto, quote_rate, recipient, cart, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`

	return s.db.GetContext(ctx, payment, query,
		payment.Reference, payment.Status, payment.AmountUSD, payment.AmountCrypto,
		payment.QuoteRate, payment.Recipient, payment.Cart, payment.ExpiresAt)
}

// GetPaymentByReference retrieves a payment by its on-chain reference
func (s *Store) GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, "SELECT * FROM payments WHERE reference = $1", reference)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// MarkPaymentConfirmed transitions pending -> confirmed. The status guard
// makes the transition win exactly once under concurrent verification.
func (s *Store) MarkPaymentConfirmed(ctx context.Context, paymentID int64, txID, sender string, confirmedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, tx_id = $2, sender = $3, confirmed_at = $4, updated_at = NOW()
		WHERE id = $5 AND status = $6`,
		models.PaymentStatusConfirmed, txID, sender, confirmedAt,
		paymentID, models.PaymentStatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkPaymentExpired transitions pending -> expired
func (s *Store) MarkPaymentExpired(ctx context.Context, paymentID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE payments SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		models.PaymentStatusExpired, paymentID, models.PaymentStatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkPaymentFailed transitions pending -> failed with a reason
func (s *Store) MarkPaymentFailed(ctx context.Context, paymentID int64, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE payments SET status = $1, fail_reason = $2, updated_at = NOW() WHERE id = $3 AND status = $4",
		models.PaymentStatusFailed, reason, paymentID, models.PaymentStatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkPaymentRefunded transitions confirmed -> refunded
func (s *Store) MarkPaymentRefunded(ctx context.Context, paymentID int64, refundRef string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE payments SET status = $1, refund_ref = $2, updated_at = NOW() WHERE id = $3 AND status = $4",
		models.PaymentStatusRefunded, refundRef, paymentID, models.PaymentStatusConfirmed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// LinkPaymentOrder records the order created from a confirmed payment.
// The null guard keeps the back-reference write-once.
func (s *Store) LinkPaymentOrder(ctx context.Context, paymentID, orderID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payments SET order_id = $1, updated_at = NOW() WHERE id = $2 AND order_id IS NULL",
		orderID, paymentID)
	return err
}

// ListPendingPayments returns pending payments for the verification poller
func (s *Store) ListPendingPayments(ctx context.Context, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments,
		"SELECT * FROM payments WHERE status = $1 ORDER BY created_at ASC LIMIT $2",
		models.PaymentStatusPending, limit)
	return payments, err
}

// ListConfirmedUnlinkedPayments returns confirmed payments that never got
// an order linked, so the fulfillment trigger can be re-fired
func (s *Store) ListConfirmedUnlinkedPayments(ctx context.Context, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments,
		"SELECT * FROM payments WHERE status = $1 AND order_id IS NULL ORDER BY confirmed_at ASC LIMIT $2",
		models.PaymentStatusConfirmed, limit)
	return payments, err
}
