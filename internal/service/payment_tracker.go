package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"printpay/internal/models"
	"printpay/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentStore is the persistence the tracker needs
type PaymentStore interface {
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error)
	MarkPaymentConfirmed(ctx context.Context, paymentID int64, txID, sender string, confirmedAt time.Time) (bool, error)
	MarkPaymentExpired(ctx context.Context, paymentID int64) (bool, error)
	MarkPaymentFailed(ctx context.Context, paymentID int64, reason string) (bool, error)
	MarkPaymentRefunded(ctx context.Context, paymentID int64, refundRef string) (bool, error)
	ListPendingPayments(ctx context.Context, limit int) ([]models.Payment, error)
	ListConfirmedUnlinkedPayments(ctx context.Context, limit int) ([]models.Payment, error)
}

// CatalogStore resolves products for pricing the purchase intent
type CatalogStore interface {
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
}

// OrderReader is the narrow order access the refund check needs
type OrderReader interface {
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) (bool, error)
}

// ChainLookup locates a transfer by its memo reference. A nil transfer with
// a nil error means not found (yet).
type ChainLookup interface {
	FindTransferByReference(ctx context.Context, reference string) (*models.ChainTransfer, error)
}

// Quoter returns the current settlement-currency rate. Implementations fall
// back to a configured value and never return an error.
type Quoter interface {
	CurrentRate(ctx context.Context, symbol string) decimal.Decimal
}

// FulfillmentTrigger receives the at-most-once confirmation callback
type FulfillmentTrigger interface {
	OnPaymentConfirmed(ctx context.Context, payment *models.Payment) error
}

// TrackerConfig carries the business knobs of the payment lifecycle
type TrackerConfig struct {
	TTL                time.Duration
	MerchantAddress    string
	SettlementSymbol   string
	SettlementDecimals int32
}

// PaymentTracker owns the payment state machine: pending -> confirmed,
// failed or expired, and confirmed -> refunded. All other transitions are
// rejected. Mutations of one reference serialize through a per-key lock;
// the status-guarded store updates extend the guarantee across processes.
type PaymentTracker struct {
	store        PaymentStore
	catalog      CatalogStore
	orders       OrderReader
	chain        ChainLookup
	quoter       Quoter
	orchestrator FulfillmentTrigger
	locks        *KeyLock
	cfg          TrackerConfig
	now          func() time.Time
	logger       *zap.Logger
}

// NewPaymentTracker creates a new payment tracker
func NewPaymentTracker(
	store PaymentStore,
	catalog CatalogStore,
	orders OrderReader,
	chain ChainLookup,
	quoter Quoter,
	orchestrator FulfillmentTrigger,
	cfg TrackerConfig,
) *PaymentTracker {
	return &PaymentTracker{
		store:        store,
		catalog:      catalog,
		orders:       orders,
		chain:        chain,
		quoter:       quoter,
		orchestrator: orchestrator,
		locks:        NewKeyLock(),
		cfg:          cfg,
		now:          time.Now,
		logger:       util.GetLogger(),
	}
}

// CreatePaymentRequest is a purchase intent submitted by the checkout layer
type CreatePaymentRequest struct {
	Items    []models.CartItem `json:"items" binding:"required,min=1"`
	Shipping models.Address    `json:"shipping" binding:"required"`
}

// VerificationResult is the outcome of one verification pass
type VerificationResult struct {
	Status models.PaymentStatus `json:"status"`
	Reason string               `json:"reason,omitempty"`
	TxID   string               `json:"tx_id,omitempty"`
}

// CreatePayment prices the cart at the current quote rate, generates a
// unique reference and persists the payment as pending. Nothing external
// happens yet; the buyer transfers against the returned reference.
func (t *PaymentTracker) CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentTracker.CreatePayment")
	defer span.End()

	products, err := t.resolveProducts(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	totalUSD := decimal.Zero
	for _, item := range req.Items {
		product := products[item.ProductID]
		totalUSD = totalUSD.Add(product.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	rate := t.quoter.CurrentRate(ctx, t.cfg.SettlementSymbol)
	amountCrypto := totalUSD.DivRound(rate, t.cfg.SettlementDecimals)

	cart, err := json.Marshal(models.Cart{Items: req.Items, Shipping: req.Shipping})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cart: %w", err)
	}

	payment := &models.Payment{
		Reference:    uuid.New().String(),
		Status:       models.PaymentStatusPending,
		AmountUSD:    totalUSD,
		AmountCrypto: amountCrypto,
		QuoteRate:    rate,
		Recipient:    t.cfg.MerchantAddress,
		Cart:         cart,
		ExpiresAt:    t.now().Add(t.cfg.TTL),
	}

	if err := t.store.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}

	util.PaymentsCreatedTotal.Inc()
	t.logger.Info("Payment created",
		zap.String("reference", payment.Reference),
		zap.String("amount_usd", totalUSD.String()),
		zap.String("amount_crypto", amountCrypto.String()),
		zap.String("rate", rate.String()))

	return payment, nil
}

// GetPayment retrieves a payment by reference
func (t *PaymentTracker) GetPayment(ctx context.Context, reference string) (*models.Payment, error) {
	payment, err := t.store.GetPaymentByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, fmt.Errorf("%s: %w", reference, ErrPaymentNotFound)
	}
	return payment, nil
}

// Verify runs one non-blocking verification pass. Terminal payments return
// their cached outcome; an unexpired payment with no matching transfer
// stays pending for the caller to retry later. A matching transfer
// transitions the payment to confirmed and triggers fulfillment exactly
// once, however many verifiers race on the same reference.
func (t *PaymentTracker) Verify(ctx context.Context, reference string) (*VerificationResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentTracker.Verify")
	defer span.End()

	payment, err := t.GetPayment(ctx, reference)
	if err != nil {
		return nil, err
	}

	if payment.Status != models.PaymentStatusPending {
		return resultFor(payment), nil
	}

	if t.now().After(payment.ExpiresAt) {
		return t.commitExpired(ctx, payment)
	}

	// chain lookup happens outside the per-reference lock
	start := time.Now()
	transfer, err := t.chain.FindTransferByReference(ctx, reference)
	util.ChainLookupLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("chain lookup for %s: %w", reference, err)
	}

	if transfer == nil {
		return &VerificationResult{Status: models.PaymentStatusPending}, nil
	}

	if reason, ok := t.matches(payment, transfer); !ok {
		return t.commitFailed(ctx, payment, reason)
	}

	return t.commitConfirmed(ctx, payment, transfer)
}

// matches validates the transfer against the payment: exact numeric match
// at the currency's minimum unit, and the configured merchant recipient.
func (t *PaymentTracker) matches(payment *models.Payment, transfer *models.ChainTransfer) (string, bool) {
	if !transfer.Amount.Round(t.cfg.SettlementDecimals).Equal(payment.AmountCrypto) {
		return fmt.Sprintf("amount mismatch: expected %s, got %s",
			payment.AmountCrypto.String(), transfer.Amount.String()), false
	}
	if transfer.Recipient != payment.Recipient {
		return fmt.Sprintf("recipient mismatch: expected %s, got %s",
			payment.Recipient, transfer.Recipient), false
	}
	return "", true
}

func (t *PaymentTracker) commitExpired(ctx context.Context, payment *models.Payment) (*VerificationResult, error) {
	unlock := t.locks.Lock(payment.Reference)
	defer unlock()

	won, err := t.store.MarkPaymentExpired(ctx, payment.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to expire payment %s: %w", payment.Reference, err)
	}
	if won {
		util.PaymentsExpiredTotal.Inc()
		t.logger.Info("Payment expired", zap.String("reference", payment.Reference))
		return &VerificationResult{Status: models.PaymentStatusExpired}, nil
	}
	return t.reload(ctx, payment.Reference)
}

func (t *PaymentTracker) commitFailed(ctx context.Context, payment *models.Payment, reason string) (*VerificationResult, error) {
	unlock := t.locks.Lock(payment.Reference)
	defer unlock()

	won, err := t.store.MarkPaymentFailed(ctx, payment.ID, reason)
	if err != nil {
		return nil, fmt.Errorf("failed to fail payment %s: %w", payment.Reference, err)
	}
	if won {
		util.PaymentsFailedTotal.WithLabelValues("verification_mismatch").Inc()
		t.logger.Warn("Payment failed verification",
			zap.String("reference", payment.Reference),
			zap.String("reason", reason))
		return &VerificationResult{Status: models.PaymentStatusFailed, Reason: reason}, nil
	}
	return t.reload(ctx, payment.Reference)
}

func (t *PaymentTracker) commitConfirmed(ctx context.Context, payment *models.Payment, transfer *models.ChainTransfer) (*VerificationResult, error) {
	unlock := t.locks.Lock(payment.Reference)

	// expiry wins even when a matching transfer exists
	if t.now().After(payment.ExpiresAt) {
		unlock()
		return t.commitExpired(ctx, payment)
	}

	confirmedAt := t.now()
	won, err := t.store.MarkPaymentConfirmed(ctx, payment.ID, transfer.TxID, transfer.Sender, confirmedAt)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to confirm payment %s: %w", payment.Reference, err)
	}
	if !won {
		// another verifier committed a transition first
		return t.reload(ctx, payment.Reference)
	}

	util.PaymentsConfirmedTotal.Inc()
	t.logger.Info("Payment confirmed",
		zap.String("reference", payment.Reference),
		zap.String("tx_id", transfer.TxID))

	payment.Status = models.PaymentStatusConfirmed
	payment.TxID = &transfer.TxID
	payment.Sender = &transfer.Sender
	payment.ConfirmedAt = &confirmedAt

	if err := t.orchestrator.OnPaymentConfirmed(ctx, payment); err != nil {
		// the payment stays confirmed; RetriggerFulfillment picks up the
		// unlinked payment on the next poller sweep
		t.logger.Error("Fulfillment trigger failed",
			zap.String("reference", payment.Reference),
			zap.Error(err))
	}

	return &VerificationResult{Status: models.PaymentStatusConfirmed, TxID: transfer.TxID}, nil
}

func (t *PaymentTracker) reload(ctx context.Context, reference string) (*VerificationResult, error) {
	payment, err := t.GetPayment(ctx, reference)
	if err != nil {
		return nil, err
	}
	return resultFor(payment), nil
}

func resultFor(payment *models.Payment) *VerificationResult {
	result := &VerificationResult{Status: payment.Status}
	if payment.FailReason != nil {
		result.Reason = *payment.FailReason
	}
	if payment.TxID != nil {
		result.TxID = *payment.TxID
	}
	return result
}

// Refund transitions confirmed -> refunded. It is rejected while the linked
// order has progressed past a cancellable stage.
func (t *PaymentTracker) Refund(ctx context.Context, reference, refundRef string) error {
	ctx, span := util.StartSpan(ctx, "PaymentTracker.Refund")
	defer span.End()

	payment, err := t.GetPayment(ctx, reference)
	if err != nil {
		return err
	}

	if payment.Status != models.PaymentStatusConfirmed {
		return fmt.Errorf("refund of %s payment %s: %w", payment.Status, reference, ErrInvalidState)
	}

	var order *models.Order
	if payment.OrderID != nil {
		order, err = t.orders.GetOrderByID(ctx, *payment.OrderID)
		if err != nil {
			return fmt.Errorf("failed to load order for refund: %w", err)
		}
		if !refundable(order.Status) {
			return fmt.Errorf("order %s is %s: %w", order.Number, order.Status, ErrInvalidState)
		}
	}

	unlock := t.locks.Lock(reference)
	defer unlock()

	won, err := t.store.MarkPaymentRefunded(ctx, payment.ID, refundRef)
	if err != nil {
		return fmt.Errorf("failed to refund payment %s: %w", reference, err)
	}
	if !won {
		return fmt.Errorf("payment %s no longer confirmed: %w", reference, ErrInvalidState)
	}

	util.PaymentsRefundedTotal.Inc()
	t.logger.Info("Payment refunded",
		zap.String("reference", reference),
		zap.String("refund_ref", refundRef))

	if order != nil && order.Status.CanTransitionTo(models.OrderStatusRefunded) {
		if _, err := t.orders.UpdateOrderStatus(ctx, order.ID, order.Status, models.OrderStatusRefunded); err != nil {
			t.logger.Error("Failed to mark order refunded",
				zap.String("order", order.Number),
				zap.Error(err))
		}
	}

	return nil
}

// ListPending returns pending payments for the verification poller
func (t *PaymentTracker) ListPending(ctx context.Context, limit int) ([]models.Payment, error) {
	return t.store.ListPendingPayments(ctx, limit)
}

// RetriggerFulfillment re-fires the confirmation callback for confirmed
// payments whose order was never created or linked, so a trigger lost to
// an infrastructure failure does not strand the payment.
func (t *PaymentTracker) RetriggerFulfillment(ctx context.Context, limit int) error {
	payments, err := t.store.ListConfirmedUnlinkedPayments(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to list confirmed payments without orders: %w", err)
	}

	for i := range payments {
		payment := &payments[i]
		t.logger.Info("Retriggering fulfillment for confirmed payment",
			zap.String("reference", payment.Reference))
		if err := t.orchestrator.OnPaymentConfirmed(ctx, payment); err != nil {
			t.logger.Error("Fulfillment retrigger failed",
				zap.String("reference", payment.Reference),
				zap.Error(err))
		}
	}
	return nil
}

func refundable(status models.OrderStatus) bool {
	switch status {
	case models.OrderStatusShipped, models.OrderStatusDelivered, models.OrderStatusRefunded:
		return false
	}
	return true
}

func (t *PaymentTracker) resolveProducts(ctx context.Context, items []models.CartItem) (map[int64]*models.Product, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("cart is empty")
	}

	ids := make([]int64, len(items))
	for i, item := range items {
		if item.Quantity < 1 {
			return nil, fmt.Errorf("invalid quantity for product %d", item.ProductID)
		}
		ids[i] = item.ProductID
	}

	products, err := t.catalog.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}

	productMap := make(map[int64]*models.Product, len(products))
	for i := range products {
		productMap[products[i].ID] = &products[i]
	}

	for _, item := range items {
		product, ok := productMap[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("product not found: %d", item.ProductID)
		}
		if !product.Available {
			return nil, fmt.Errorf("product unavailable: %d", item.ProductID)
		}
	}

	return productMap, nil
}
