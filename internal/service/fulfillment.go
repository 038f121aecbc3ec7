package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"printpay/internal/models"
	"printpay/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderStore is the persistence the orchestrator needs
type OrderStore interface {
	CreateOrderWithItems(ctx context.Context, order *models.Order, items []models.OrderItem) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*models.Order, error)
	GetOrderByExternalID(ctx context.Context, externalID string) (*models.Order, error)
	GetOrderByPaymentID(ctx context.Context, paymentID int64) (*models.Order, error)
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) (bool, error)
	MarkOrderSubmitted(ctx context.Context, orderID int64, externalID string) (bool, error)
	SetOrderTracking(ctx context.Context, orderID int64, tracking models.TrackingInfo, externalStatus string) error
	SetOrderExternalStatus(ctx context.Context, orderID int64, externalStatus string) error
	SetOrderCancelReason(ctx context.Context, orderID int64, reason string) error
	FlagOrderRefundReview(ctx context.Context, orderID int64) error
	UpdateItemStatuses(ctx context.Context, orderID int64, productIDs []int64, status models.ItemStatus) error
	ListOrdersAwaitingSubmission(ctx context.Context, limit int) ([]models.Order, error)
	LinkPaymentOrder(ctx context.Context, paymentID, orderID int64) error
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
	SetProductAvailabilityByVariant(ctx context.Context, variantID string, available bool) error
}

// Ledger is the inventory surface the orchestrator drives
type Ledger interface {
	Reserve(ctx context.Context, orderID int64, lines []models.ReservationLine) error
	Confirm(ctx context.Context, orderID int64) error
	Release(ctx context.Context, orderID int64) error
}

// FulfillmentItem is one line of a provider order request
type FulfillmentItem struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

// FulfillmentRequest is an order submission to the provider
type FulfillmentRequest struct {
	IdempotencyKey string            `json:"-"`
	ExternalRef    string            `json:"external_ref"`
	Address        models.Address    `json:"address"`
	Items          []FulfillmentItem `json:"line_items"`
}

// ProviderClient is the fulfillment provider the orchestrator submits to.
// Implementations consult the rate governor before every call.
type ProviderClient interface {
	SubmitOrder(ctx context.Context, req *FulfillmentRequest) (string, error)
	GetOrderStatus(ctx context.Context, externalID string) (string, error)
}

// FulfillmentOrchestrator owns the order state machine. Transitions arrive
// from the synchronous payment-confirmation trigger, which creates the
// order, and from provider webhook events, which advance it.
type FulfillmentOrchestrator struct {
	store    OrderStore
	ledger   Ledger
	provider ProviderClient
	notifier Notifier
	locks    *KeyLock
	logger   *zap.Logger
}

// NewFulfillmentOrchestrator creates a new fulfillment orchestrator
func NewFulfillmentOrchestrator(
	store OrderStore,
	ledger Ledger,
	provider ProviderClient,
	notifier Notifier,
) *FulfillmentOrchestrator {
	return &FulfillmentOrchestrator{
		store:    store,
		ledger:   ledger,
		provider: provider,
		notifier: notifier,
		locks:    NewKeyLock(),
		logger:   util.GetLogger(),
	}
}

// OnPaymentConfirmed builds the order from the payment's captured cart,
// reserves inventory, and submits the fulfillment request. A reservation
// shortfall is a terminal failed order surfaced to operators; a submission
// failure leaves the order payment_confirmed and retryable.
func (o *FulfillmentOrchestrator) OnPaymentConfirmed(ctx context.Context, payment *models.Payment) error {
	ctx, span := util.StartSpan(ctx, "FulfillmentOrchestrator.OnPaymentConfirmed")
	defer span.End()

	unlock := o.locks.Lock("payment:" + payment.Reference)
	defer unlock()

	// the order row is the authoritative double-creation guard; a crash
	// between creating it and linking the payment leaves the payment
	// unlinked, so the in-memory order id cannot be trusted
	existing, err := o.store.GetOrderByPaymentID(ctx, payment.ID)
	if err != nil {
		return fmt.Errorf("failed to look up order for payment %s: %w", payment.Reference, err)
	}
	if existing != nil {
		return o.resumeOrder(ctx, payment, existing)
	}

	var cart models.Cart
	if err := json.Unmarshal(payment.Cart, &cart); err != nil {
		return fmt.Errorf("failed to decode cart for payment %s: %w", payment.Reference, err)
	}

	order, items, err := o.buildOrder(ctx, payment, &cart)
	if err != nil {
		return err
	}

	if err := o.store.CreateOrderWithItems(ctx, order, items); err != nil {
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return fmt.Errorf("failed to create order for payment %s: %w", payment.Reference, err)
	}

	if err := o.store.LinkPaymentOrder(ctx, payment.ID, order.ID); err != nil {
		o.logger.Error("Failed to link payment to order",
			zap.String("reference", payment.Reference),
			zap.Error(err))
	}
	payment.OrderID = &order.ID

	util.OrdersCreatedTotal.Inc()
	o.logger.Info("Order created",
		zap.String("number", order.Number),
		zap.String("reference", payment.Reference))

	return o.activate(ctx, order, items)
}

// resumeOrder picks up a payment whose order row already exists: relinks
// the payment if the link was lost and re-runs activation when the order
// never left pending_payment.
func (o *FulfillmentOrchestrator) resumeOrder(ctx context.Context, payment *models.Payment, order *models.Order) error {
	if payment.OrderID == nil {
		if err := o.store.LinkPaymentOrder(ctx, payment.ID, order.ID); err != nil {
			o.logger.Error("Failed to link payment to order",
				zap.String("reference", payment.Reference),
				zap.Error(err))
		}
		payment.OrderID = &order.ID
	}

	if order.Status != models.OrderStatusPendingPayment {
		o.logger.Info("Order already exists for payment",
			zap.String("reference", payment.Reference),
			zap.Int64("order_id", order.ID))
		return nil
	}

	items, err := o.store.GetOrderItems(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("failed to load items for order %s: %w", order.Number, err)
	}

	o.logger.Info("Resuming interrupted order activation",
		zap.String("number", order.Number),
		zap.String("reference", payment.Reference))
	return o.activate(ctx, order, items)
}

// activate reserves stock for a newly created order and submits it to the
// provider. The reservation and status advance are both idempotent, so
// activation can safely run again after an interruption.
func (o *FulfillmentOrchestrator) activate(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	lines := make([]models.ReservationLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, models.ReservationLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	// the reservation commits before the provider call so a slow submission
	// can never oversell
	if err := o.ledger.Reserve(ctx, order.ID, lines); err != nil {
		if errors.Is(err, ErrInsufficientInventory) {
			return o.failUnfulfillable(ctx, order, err.Error())
		}
		return fmt.Errorf("reservation for order %s: %w", order.Number, err)
	}

	if _, err := o.store.UpdateOrderStatus(ctx, order.ID, models.OrderStatusPendingPayment, models.OrderStatusPaymentConfirmed); err != nil {
		return fmt.Errorf("failed to advance order %s: %w", order.Number, err)
	}
	order.Status = models.OrderStatusPaymentConfirmed

	return o.submit(ctx, order, items)
}

// buildOrder snapshots titles and prices into the order lines so later
// catalog edits cannot change the historical order
func (o *FulfillmentOrchestrator) buildOrder(ctx context.Context, payment *models.Payment, cart *models.Cart) (*models.Order, []models.OrderItem, error) {
	ids := make([]int64, len(cart.Items))
	for i, item := range cart.Items {
		ids[i] = item.ProductID
	}

	products, err := o.store.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load products: %w", err)
	}
	productMap := make(map[int64]*models.Product, len(products))
	for i := range products {
		productMap[products[i].ID] = &products[i]
	}

	items := make([]models.OrderItem, 0, len(cart.Items))
	for _, ci := range cart.Items {
		product, ok := productMap[ci.ProductID]
		if !ok {
			return nil, nil, fmt.Errorf("product not found: %d", ci.ProductID)
		}

		qty := decimal.NewFromInt(int64(ci.Quantity))
		lineTotal := product.Price.Mul(qty)
		lineCost := product.Cost.Mul(qty)
		items = append(items, models.OrderItem{
			ProductID:  product.ID,
			Title:      product.Name,
			Quantity:   ci.Quantity,
			UnitPrice:  product.Price,
			UnitCost:   product.Cost,
			LineTotal:  lineTotal,
			LineProfit: lineTotal.Sub(lineCost),
			Status:     models.ItemStatusPending,
		})
	}

	order := &models.Order{
		Number:         generateOrderNumber(),
		PaymentID:      payment.ID,
		Status:         models.OrderStatusPendingPayment,
		TotalUSD:       payment.AmountUSD,
		TotalCrypto:    payment.AmountCrypto,
		ShipName:       cart.Shipping.Name,
		ShipLine1:      cart.Shipping.Line1,
		ShipLine2:      cart.Shipping.Line2,
		ShipCity:       cart.Shipping.City,
		ShipRegion:     cart.Shipping.Region,
		ShipPostalCode: cart.Shipping.PostalCode,
		ShipCountry:    cart.Shipping.Country,
	}
	return order, items, nil
}

// failUnfulfillable records a terminal failed order; no fulfillment request
// is sent and no refund is issued automatically
func (o *FulfillmentOrchestrator) failUnfulfillable(ctx context.Context, order *models.Order, reason string) error {
	if _, err := o.store.UpdateOrderStatus(ctx, order.ID, order.Status, models.OrderStatusFailed); err != nil {
		return fmt.Errorf("failed to fail order %s: %w", order.Number, err)
	}
	if err := o.store.SetOrderCancelReason(ctx, order.ID, reason); err != nil {
		o.logger.Error("Failed to record failure reason", zap.Error(err))
	}

	util.OrdersFailedTotal.WithLabelValues("insufficient_inventory").Inc()
	o.logger.Warn("Order unfulfillable",
		zap.String("number", order.Number),
		zap.String("reason", reason))

	o.notifier.Notify(ctx, models.NotifyOrderFailed, map[string]string{
		"order":  order.Number,
		"reason": reason,
	})
	return nil
}

// submit places the fulfillment request with the provider. The idempotency
// key is the order number, so an external retry cannot create a duplicate
// provider order.
func (o *FulfillmentOrchestrator) submit(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ProductID
	}
	products, err := o.store.GetProductsByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to load products for submission: %w", err)
	}
	variantByProduct := make(map[int64]string, len(products))
	for _, p := range products {
		variantByProduct[p.ID] = p.ProviderVariantID
	}

	req := &FulfillmentRequest{
		IdempotencyKey: order.Number,
		ExternalRef:    order.Number,
		Address: models.Address{
			Name:       order.ShipName,
			Line1:      order.ShipLine1,
			Line2:      order.ShipLine2,
			City:       order.ShipCity,
			Region:     order.ShipRegion,
			PostalCode: order.ShipPostalCode,
			Country:    order.ShipCountry,
		},
	}
	for _, item := range items {
		req.Items = append(req.Items, FulfillmentItem{
			VariantID: variantByProduct[item.ProductID],
			Quantity:  item.Quantity,
		})
	}

	externalID, err := o.provider.SubmitOrder(ctx, req)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("submission_failed").Inc()
		o.notifier.Notify(ctx, models.NotifySubmissionFailed, map[string]string{
			"order": order.Number,
			"error": err.Error(),
		})
		o.logger.Error("Fulfillment submission failed; order stays retryable",
			zap.String("number", order.Number),
			zap.Error(err))
		return fmt.Errorf("order %s: %w: %s", order.Number, ErrExternalSubmission, err.Error())
	}

	won, err := o.store.MarkOrderSubmitted(ctx, order.ID, externalID)
	if err != nil {
		return fmt.Errorf("failed to record submission for order %s: %w", order.Number, err)
	}
	if !won {
		o.logger.Warn("Order already submitted elsewhere",
			zap.String("number", order.Number),
			zap.String("external_id", externalID))
		return nil
	}

	util.OrdersSubmittedTotal.Inc()
	o.logger.Info("Order submitted to provider",
		zap.String("number", order.Number),
		zap.String("external_id", externalID))
	return nil
}

// RetrySubmission re-submits a fulfillment request for an order stuck in
// payment_confirmed. Safe to call repeatedly; the idempotency key guards
// against duplicate provider orders.
func (o *FulfillmentOrchestrator) RetrySubmission(ctx context.Context, orderID int64) error {
	ctx, span := util.StartSpan(ctx, "FulfillmentOrchestrator.RetrySubmission")
	defer span.End()

	unlock := o.locks.Lock(fmt.Sprintf("order:%d", orderID))
	defer unlock()

	order, err := o.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != models.OrderStatusPaymentConfirmed || order.ExternalID != nil {
		return nil
	}

	items, err := o.store.GetOrderItems(ctx, orderID)
	if err != nil {
		return err
	}

	return o.submit(ctx, order, items)
}

// ApplyEvent applies one provider webhook event to order state. Events for
// unknown orders, duplicate deliveries and transitions outside the state
// table are accepted idempotently: logged, no transition.
func (o *FulfillmentOrchestrator) ApplyEvent(ctx context.Context, event models.FulfillmentEvent) error {
	ctx, span := util.StartSpan(ctx, "FulfillmentOrchestrator.ApplyEvent")
	defer span.End()

	switch event.Type {
	case models.EventOutOfStock:
		return o.applyStockEvent(ctx, event, false)
	case models.EventBackInStock:
		return o.applyStockEvent(ctx, event, true)
	case models.EventUnhandled:
		o.logger.Info("Unhandled webhook event type",
			zap.String("event_id", event.ID),
			zap.String("raw_type", event.RawType))
		return nil
	}

	order, err := o.store.GetOrderByExternalID(ctx, event.ExternalOrderID)
	if err != nil {
		return fmt.Errorf("failed to load order for event %s: %w", event.ID, err)
	}
	if order == nil {
		o.logger.Warn("Webhook event for unknown order",
			zap.String("event_id", event.ID),
			zap.String("external_id", event.ExternalOrderID))
		return nil
	}

	unlock := o.locks.Lock(fmt.Sprintf("order:%d", order.ID))
	defer unlock()

	switch event.Type {
	case models.EventSentToProduction:
		return o.applyProduction(ctx, order, event)
	case models.EventShipped:
		return o.applyShipped(ctx, order, event)
	case models.EventDelivered:
		return o.applyDelivered(ctx, order, event)
	case models.EventCanceled:
		return o.applyCanceled(ctx, order, event)
	}
	return nil
}

func (o *FulfillmentOrchestrator) applyStockEvent(ctx context.Context, event models.FulfillmentEvent, available bool) error {
	if err := o.store.SetProductAvailabilityByVariant(ctx, event.VariantID, available); err != nil {
		return fmt.Errorf("failed to flip availability for variant %s: %w", event.VariantID, err)
	}

	kind := models.NotifyOutOfStock
	if available {
		kind = models.NotifyBackInStock
	}
	o.notifier.Notify(ctx, kind, map[string]string{"variant_id": event.VariantID})

	o.logger.Info("Provider stock event applied",
		zap.String("variant_id", event.VariantID),
		zap.Bool("available", available))
	return nil
}

func (o *FulfillmentOrchestrator) applyProduction(ctx context.Context, order *models.Order, event models.FulfillmentEvent) error {
	applied, err := o.transition(ctx, order, models.OrderStatusProduction, event)
	if err != nil || !applied {
		return err
	}

	if err := o.store.UpdateItemStatuses(ctx, order.ID, event.ItemProductIDs, models.ItemStatusInProduction); err != nil {
		return fmt.Errorf("failed to update item statuses: %w", err)
	}
	return o.mirrorExternalStatus(ctx, order, event)
}

func (o *FulfillmentOrchestrator) applyShipped(ctx context.Context, order *models.Order, event models.FulfillmentEvent) error {
	applied, err := o.transition(ctx, order, models.OrderStatusShipped, event)
	if err != nil {
		return err
	}
	// a later shipped event for the remaining lines of a partial shipment
	// still updates those lines and tracking, without a transition
	if !applied && order.Status != models.OrderStatusShipped {
		return nil
	}

	if event.Tracking != nil {
		externalStatus := event.ExternalStatus
		if externalStatus == "" {
			externalStatus = string(models.EventShipped)
		}
		if err := o.store.SetOrderTracking(ctx, order.ID, *event.Tracking, externalStatus); err != nil {
			return fmt.Errorf("failed to store tracking: %w", err)
		}
	}

	if err := o.store.UpdateItemStatuses(ctx, order.ID, event.ItemProductIDs, models.ItemStatusShipped); err != nil {
		return fmt.Errorf("failed to update item statuses: %w", err)
	}

	if applied {
		// stock is physically consumed only now
		if err := o.ledger.Confirm(ctx, order.ID); err != nil {
			return fmt.Errorf("failed to confirm inventory for order %s: %w", order.Number, err)
		}

		util.OrdersShippedTotal.Inc()
		o.notifier.Notify(ctx, models.NotifyOrderShipped, map[string]string{
			"order": order.Number,
		})
	}
	return nil
}

func (o *FulfillmentOrchestrator) applyDelivered(ctx context.Context, order *models.Order, event models.FulfillmentEvent) error {
	applied, err := o.transition(ctx, order, models.OrderStatusDelivered, event)
	if err != nil || !applied {
		return err
	}

	if err := o.store.UpdateItemStatuses(ctx, order.ID, event.ItemProductIDs, models.ItemStatusDelivered); err != nil {
		return fmt.Errorf("failed to update item statuses: %w", err)
	}
	return o.mirrorExternalStatus(ctx, order, event)
}

func (o *FulfillmentOrchestrator) applyCanceled(ctx context.Context, order *models.Order, event models.FulfillmentEvent) error {
	applied, err := o.transition(ctx, order, models.OrderStatusCancelled, event)
	if err != nil || !applied {
		return err
	}

	if event.Reason != "" {
		if err := o.store.SetOrderCancelReason(ctx, order.ID, event.Reason); err != nil {
			o.logger.Error("Failed to record cancel reason", zap.Error(err))
		}
	}

	if err := o.store.UpdateItemStatuses(ctx, order.ID, nil, models.ItemStatusCancelled); err != nil {
		return fmt.Errorf("failed to update item statuses: %w", err)
	}

	if err := o.ledger.Release(ctx, order.ID); err != nil {
		return fmt.Errorf("failed to release inventory for order %s: %w", order.Number, err)
	}

	if err := o.store.FlagOrderRefundReview(ctx, order.ID); err != nil {
		o.logger.Error("Failed to flag refund review", zap.Error(err))
	}

	util.OrdersCancelledTotal.Inc()
	o.notifier.Notify(ctx, models.NotifyRefundReviewNeeded, map[string]string{
		"order":  order.Number,
		"reason": event.Reason,
	})
	return o.mirrorExternalStatus(ctx, order, event)
}

// transition applies one table-checked order transition; out-of-table or
// already-applied transitions are skipped, not rejected
func (o *FulfillmentOrchestrator) transition(ctx context.Context, order *models.Order, to models.OrderStatus, event models.FulfillmentEvent) (bool, error) {
	if !order.Status.CanTransitionTo(to) {
		o.logger.Info("Skipping out-of-table order transition",
			zap.String("number", order.Number),
			zap.String("from", string(order.Status)),
			zap.String("to", string(to)),
			zap.String("event_id", event.ID))
		return false, nil
	}

	applied, err := o.store.UpdateOrderStatus(ctx, order.ID, order.Status, to)
	if err != nil {
		return false, fmt.Errorf("failed to transition order %s: %w", order.Number, err)
	}
	if !applied {
		o.logger.Info("Order transition lost to a concurrent writer",
			zap.String("number", order.Number),
			zap.String("to", string(to)))
		return false, nil
	}

	order.Status = to
	return true, nil
}

func (o *FulfillmentOrchestrator) mirrorExternalStatus(ctx context.Context, order *models.Order, event models.FulfillmentEvent) error {
	status := event.ExternalStatus
	if status == "" {
		status = event.RawType
	}
	if err := o.store.SetOrderExternalStatus(ctx, order.ID, status); err != nil {
		o.logger.Error("Failed to mirror external status", zap.Error(err))
	}
	return nil
}

// GetOrder retrieves an order and its items by number
func (o *FulfillmentOrchestrator) GetOrder(ctx context.Context, number string) (*models.Order, []models.OrderItem, error) {
	order, err := o.store.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, nil, err
	}
	if order == nil {
		return nil, nil, fmt.Errorf("order not found: %s", number)
	}

	items, err := o.store.GetOrderItems(ctx, order.ID)
	if err != nil {
		return nil, nil, err
	}
	return order, items, nil
}

// ProviderStatus fetches the provider's view of an order, for reconciliation
func (o *FulfillmentOrchestrator) ProviderStatus(ctx context.Context, number string) (string, error) {
	order, err := o.store.GetOrderByNumber(ctx, number)
	if err != nil {
		return "", err
	}
	if order == nil || order.ExternalID == nil {
		return "", fmt.Errorf("order not submitted: %s", number)
	}
	return o.provider.GetOrderStatus(ctx, *order.ExternalID)
}

// ListAwaitingSubmission returns orders eligible for a submission retry
func (o *FulfillmentOrchestrator) ListAwaitingSubmission(ctx context.Context, limit int) ([]models.Order, error) {
	return o.store.ListOrdersAwaitingSubmission(ctx, limit)
}

func generateOrderNumber() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	return fmt.Sprintf("PP-%s-%s", time.Now().UTC().Format("20060102"), suffix)
}
