package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"printpay/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOrderStore struct {
	mu            sync.Mutex
	nextID        int64
	orders        map[int64]*models.Order
	items         map[int64][]models.OrderItem
	products      map[int64]models.Product
	linkedOrders  map[int64]int64
	variantAvail  map[string]bool
	refundReviews map[int64]bool
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{
		orders:        make(map[int64]*models.Order),
		items:         make(map[int64][]models.OrderItem),
		linkedOrders:  make(map[int64]int64),
		variantAvail:  make(map[string]bool),
		refundReviews: make(map[int64]bool),
		products: map[int64]models.Product{
			1: {ID: 1, Name: "Classic Tee", Price: d("29.99"), Cost: d("11.50"), ProviderVariantID: "v-tee", Available: true},
			2: {ID: 2, Name: "Mug", Price: d("14.95"), Cost: d("4.20"), ProviderVariantID: "v-mug", Available: true},
		},
	}
}

func (f *fakeOrderStore) CreateOrderWithItems(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	order.ID = f.nextID
	clone := *order
	f.orders[order.ID] = &clone
	stored := make([]models.OrderItem, len(items))
	copy(stored, items)
	for i := range stored {
		stored[i].OrderID = order.ID
	}
	f.items[order.ID] = stored
	return nil
}

func (f *fakeOrderStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, errors.New("order not found")
	}
	clone := *o
	return &clone, nil
}

func (f *fakeOrderStore) GetOrderByNumber(ctx context.Context, number string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.Number == number {
			clone := *o
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *fakeOrderStore) GetOrderByExternalID(ctx context.Context, externalID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.ExternalID != nil && *o.ExternalID == externalID {
			clone := *o
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *fakeOrderStore) GetOrderByPaymentID(ctx context.Context, paymentID int64) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, order := range f.orders {
		if order.PaymentID == paymentID {
			clone := *order
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *fakeOrderStore) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.OrderItem, len(f.items[orderID]))
	copy(out, f.items[orderID])
	return out, nil
}

func (f *fakeOrderStore) UpdateOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	o.Version++
	return true, nil
}

func (f *fakeOrderStore) MarkOrderSubmitted(ctx context.Context, orderID int64, externalID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || o.Status != models.OrderStatusPaymentConfirmed || o.ExternalID != nil {
		return false, nil
	}
	o.Status = models.OrderStatusProcessing
	o.ExternalID = &externalID
	return true, nil
}

func (f *fakeOrderStore) SetOrderTracking(ctx context.Context, orderID int64, tracking models.TrackingInfo, externalStatus string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[orderID]
	o.TrackingNumber = &tracking.Number
	o.TrackingCarrier = &tracking.Carrier
	o.TrackingURL = &tracking.URL
	o.ExternalStatus = &externalStatus
	return nil
}

func (f *fakeOrderStore) SetOrderExternalStatus(ctx context.Context, orderID int64, externalStatus string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[orderID].ExternalStatus = &externalStatus
	return nil
}

func (f *fakeOrderStore) SetOrderCancelReason(ctx context.Context, orderID int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[orderID].CancelReason = &reason
	return nil
}

func (f *fakeOrderStore) FlagOrderRefundReview(ctx context.Context, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundReviews[orderID] = true
	f.orders[orderID].NeedsRefundReview = true
	return nil
}

func (f *fakeOrderStore) UpdateItemStatuses(ctx context.Context, orderID int64, productIDs []int64, status models.ItemStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	subset := make(map[int64]bool, len(productIDs))
	for _, id := range productIDs {
		subset[id] = true
	}
	items := f.items[orderID]
	for i := range items {
		if len(productIDs) == 0 || subset[items[i].ProductID] {
			items[i].Status = status
		}
	}
	return nil
}

func (f *fakeOrderStore) ListOrdersAwaitingSubmission(ctx context.Context, limit int) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, o := range f.orders {
		if o.Status == models.OrderStatusPaymentConfirmed && o.ExternalID == nil && len(out) < limit {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeOrderStore) LinkPaymentOrder(ctx context.Context, paymentID, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkedOrders[paymentID] = orderID
	return nil
}

func (f *fakeOrderStore) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Product
	for _, id := range ids {
		if p, ok := f.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeOrderStore) SetProductAvailabilityByVariant(ctx context.Context, variantID string, available bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.variantAvail[variantID] = available
	return nil
}

func (f *fakeOrderStore) order(id int64) models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.orders[id]
}

// callRecorder orders ledger and provider calls across fakes
type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *callRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *callRecorder) count(call string) int {
	c := 0
	for _, got := range r.all() {
		if got == call {
			c++
		}
	}
	return c
}

type fakeLedger struct {
	rec        *callRecorder
	reserveErr error
}

func (l *fakeLedger) Reserve(ctx context.Context, orderID int64, lines []models.ReservationLine) error {
	l.rec.record("reserve")
	return l.reserveErr
}

func (l *fakeLedger) Confirm(ctx context.Context, orderID int64) error {
	l.rec.record("confirm")
	return nil
}

func (l *fakeLedger) Release(ctx context.Context, orderID int64) error {
	l.rec.record("release")
	return nil
}

type fakeProvider struct {
	rec        *callRecorder
	externalID string
	submitErr  error
	mu         sync.Mutex
	lastReq    *FulfillmentRequest
}

func (p *fakeProvider) SubmitOrder(ctx context.Context, req *FulfillmentRequest) (string, error) {
	p.rec.record("submit")
	p.mu.Lock()
	p.lastReq = req
	p.mu.Unlock()
	if p.submitErr != nil {
		return "", p.submitErr
	}
	return p.externalID, nil
}

func (p *fakeProvider) GetOrderStatus(ctx context.Context, externalID string) (string, error) {
	p.rec.record("status")
	return "in-production", nil
}

type orchestratorFixture struct {
	orchestrator *FulfillmentOrchestrator
	store        *fakeOrderStore
	ledger       *fakeLedger
	provider     *fakeProvider
	notifier     *recordingNotifier
	rec          *callRecorder
}

func newOrchestratorFixture() *orchestratorFixture {
	rec := &callRecorder{}
	store := newFakeOrderStore()
	ledger := &fakeLedger{rec: rec}
	provider := &fakeProvider{rec: rec, externalID: "ext-1"}
	notifier := newRecordingNotifier()
	return &orchestratorFixture{
		orchestrator: NewFulfillmentOrchestrator(store, ledger, provider, notifier),
		store:        store,
		ledger:       ledger,
		provider:     provider,
		notifier:     notifier,
		rec:          rec,
	}
}

func confirmedPayment(t *testing.T, items []models.CartItem) *models.Payment {
	t.Helper()
	cart, err := json.Marshal(models.Cart{
		Items: items,
		Shipping: models.Address{
			Name: "A B", Line1: "1 Main St", City: "Lisbon", PostalCode: "1000", Country: "PT",
		},
	})
	require.NoError(t, err)

	txID := "tx-1"
	return &models.Payment{
		ID:           42,
		Reference:    "ref-42",
		Status:       models.PaymentStatusConfirmed,
		AmountUSD:    d("74.93"),
		AmountCrypto: d("0.49953"),
		TxID:         &txID,
		Cart:         cart,
	}
}

func TestOnPaymentConfirmedHappyPath(t *testing.T) {
	fx := newOrchestratorFixture()
	payment := confirmedPayment(t, []models.CartItem{
		{ProductID: 1, Quantity: 2},
		{ProductID: 2, Quantity: 1},
	})

	err := fx.orchestrator.OnPaymentConfirmed(context.Background(), payment)
	require.NoError(t, err)

	require.NotNil(t, payment.OrderID)
	order := fx.store.order(*payment.OrderID)
	assert.Equal(t, models.OrderStatusProcessing, order.Status)
	require.NotNil(t, order.ExternalID)
	assert.Equal(t, "ext-1", *order.ExternalID)
	assert.Equal(t, int64(42), order.PaymentID)
	assert.NotEmpty(t, order.Number)

	// the hold is in place before the provider is contacted
	assert.Equal(t, []string{"reserve", "submit"}, fx.rec.all())

	items, _ := fx.store.GetOrderItems(context.Background(), order.ID)
	require.Len(t, items, 2)
	assert.Equal(t, "Classic Tee", items[0].Title)
	assert.True(t, items[0].LineTotal.Equal(d("59.98")), items[0].LineTotal.String())
	assert.True(t, items[0].LineProfit.Equal(d("36.98")), items[0].LineProfit.String())

	fx.provider.mu.Lock()
	req := fx.provider.lastReq
	fx.provider.mu.Unlock()
	require.NotNil(t, req)
	assert.Equal(t, order.Number, req.IdempotencyKey)
	require.Len(t, req.Items, 2)
	assert.Equal(t, "v-tee", req.Items[0].VariantID)
	assert.Equal(t, 2, req.Items[0].Quantity)
}

func TestOnPaymentConfirmedIdempotent(t *testing.T) {
	fx := newOrchestratorFixture()
	payment := confirmedPayment(t, []models.CartItem{{ProductID: 1, Quantity: 1}})

	require.NoError(t, fx.orchestrator.OnPaymentConfirmed(context.Background(), payment))
	firstOrderID := *payment.OrderID

	require.NoError(t, fx.orchestrator.OnPaymentConfirmed(context.Background(), payment))

	assert.Equal(t, firstOrderID, *payment.OrderID)
	assert.Equal(t, 1, fx.rec.count("reserve"))
	assert.Equal(t, 1, fx.rec.count("submit"))
	fx.store.mu.Lock()
	assert.Len(t, fx.store.orders, 1)
	fx.store.mu.Unlock()
}

func TestOnPaymentConfirmedResumesUnlinkedOrder(t *testing.T) {
	fx := newOrchestratorFixture()
	payment := confirmedPayment(t, []models.CartItem{{ProductID: 1, Quantity: 2}})
	ctx := context.Background()

	// an earlier trigger created the order row but died before linking the
	// payment or reserving stock
	stranded := &models.Order{
		Number:    "PP-STRANDED",
		PaymentID: payment.ID,
		Status:    models.OrderStatusPendingPayment,
	}
	require.NoError(t, fx.store.CreateOrderWithItems(ctx, stranded, []models.OrderItem{
		{ProductID: 1, Quantity: 2, Title: "Classic Tee"},
	}))

	require.NoError(t, fx.orchestrator.OnPaymentConfirmed(ctx, payment))

	fx.store.mu.Lock()
	assert.Len(t, fx.store.orders, 1)
	linked := fx.store.linkedOrders[payment.ID]
	fx.store.mu.Unlock()
	assert.Equal(t, stranded.ID, linked)
	require.NotNil(t, payment.OrderID)
	assert.Equal(t, stranded.ID, *payment.OrderID)

	order := fx.store.order(stranded.ID)
	assert.Equal(t, models.OrderStatusProcessing, order.Status)
	assert.Equal(t, []string{"reserve", "submit"}, fx.rec.all())
}

func TestOnPaymentConfirmedRelinksProgressedOrder(t *testing.T) {
	fx := newOrchestratorFixture()
	payment := confirmedPayment(t, []models.CartItem{{ProductID: 1, Quantity: 1}})
	ctx := context.Background()

	extID := "ext-9"
	progressed := &models.Order{
		Number:     "PP-PROGRESSED",
		PaymentID:  payment.ID,
		Status:     models.OrderStatusProcessing,
		ExternalID: &extID,
	}
	require.NoError(t, fx.store.CreateOrderWithItems(ctx, progressed, nil))

	require.NoError(t, fx.orchestrator.OnPaymentConfirmed(ctx, payment))

	// only the lost link is repaired; the order is not re-activated
	fx.store.mu.Lock()
	assert.Equal(t, progressed.ID, fx.store.linkedOrders[payment.ID])
	assert.Len(t, fx.store.orders, 1)
	fx.store.mu.Unlock()
	assert.Empty(t, fx.rec.all())
}

func TestOnPaymentConfirmedInsufficientInventory(t *testing.T) {
	fx := newOrchestratorFixture()
	fx.ledger.reserveErr = fmt.Errorf("order 1: %w", ErrInsufficientInventory)
	payment := confirmedPayment(t, []models.CartItem{{ProductID: 1, Quantity: 1}})

	err := fx.orchestrator.OnPaymentConfirmed(context.Background(), payment)
	require.NoError(t, err)

	order := fx.store.order(*payment.OrderID)
	assert.Equal(t, models.OrderStatusFailed, order.Status)
	require.NotNil(t, order.CancelReason)

	assert.Equal(t, 0, fx.rec.count("submit"))
	assert.Equal(t, 1, fx.notifier.count(models.NotifyOrderFailed))
}

func TestOnPaymentConfirmedSubmissionFailureIsRetryable(t *testing.T) {
	fx := newOrchestratorFixture()
	fx.provider.submitErr = errors.New("502 from provider")
	payment := confirmedPayment(t, []models.CartItem{{ProductID: 1, Quantity: 1}})
	ctx := context.Background()

	err := fx.orchestrator.OnPaymentConfirmed(ctx, payment)
	assert.ErrorIs(t, err, ErrExternalSubmission)

	order := fx.store.order(*payment.OrderID)
	assert.Equal(t, models.OrderStatusPaymentConfirmed, order.Status)
	assert.Nil(t, order.ExternalID)
	assert.Equal(t, 1, fx.notifier.count(models.NotifySubmissionFailed))

	awaiting, err := fx.orchestrator.ListAwaitingSubmission(ctx, 10)
	require.NoError(t, err)
	require.Len(t, awaiting, 1)

	// the provider recovers and the retry completes the submission
	fx.provider.submitErr = nil
	require.NoError(t, fx.orchestrator.RetrySubmission(ctx, order.ID))

	order = fx.store.order(order.ID)
	assert.Equal(t, models.OrderStatusProcessing, order.Status)
	require.NotNil(t, order.ExternalID)

	// a further retry is a no-op
	require.NoError(t, fx.orchestrator.RetrySubmission(ctx, order.ID))
	assert.Equal(t, 2, fx.rec.count("submit"))
}

func submitOrder(t *testing.T, fx *orchestratorFixture, items []models.CartItem) models.Order {
	t.Helper()
	payment := confirmedPayment(t, items)
	require.NoError(t, fx.orchestrator.OnPaymentConfirmed(context.Background(), payment))
	return fx.store.order(*payment.OrderID)
}

func TestApplyEventProduction(t *testing.T) {
	fx := newOrchestratorFixture()
	order := submitOrder(t, fx, []models.CartItem{{ProductID: 1, Quantity: 1}})

	err := fx.orchestrator.ApplyEvent(context.Background(), models.FulfillmentEvent{
		ID:              "evt-1",
		Type:            models.EventSentToProduction,
		RawType:         "order:sent-to-production",
		ExternalOrderID: "ext-1",
		ExternalStatus:  "in-production",
	})
	require.NoError(t, err)

	got := fx.store.order(order.ID)
	assert.Equal(t, models.OrderStatusProduction, got.Status)
	require.NotNil(t, got.ExternalStatus)
	assert.Equal(t, "in-production", *got.ExternalStatus)

	items, _ := fx.store.GetOrderItems(context.Background(), order.ID)
	assert.Equal(t, models.ItemStatusInProduction, items[0].Status)
}

func TestApplyEventShipped(t *testing.T) {
	fx := newOrchestratorFixture()
	order := submitOrder(t, fx, []models.CartItem{{ProductID: 1, Quantity: 1}})

	event := models.FulfillmentEvent{
		ID:              "evt-1",
		Type:            models.EventShipped,
		RawType:         "order:shipped",
		ExternalOrderID: "ext-1",
		Tracking:        &models.TrackingInfo{Number: "TRK123", Carrier: "DHL", URL: "https://t.example/TRK123"},
	}
	require.NoError(t, fx.orchestrator.ApplyEvent(context.Background(), event))

	got := fx.store.order(order.ID)
	assert.Equal(t, models.OrderStatusShipped, got.Status)
	require.NotNil(t, got.TrackingNumber)
	assert.Equal(t, "TRK123", *got.TrackingNumber)

	assert.Equal(t, 1, fx.rec.count("confirm"))
	assert.Equal(t, 1, fx.notifier.count(models.NotifyOrderShipped))

	// a duplicate delivery neither confirms stock nor re-notifies
	event.ID = "evt-1-redelivery"
	require.NoError(t, fx.orchestrator.ApplyEvent(context.Background(), event))
	assert.Equal(t, 1, fx.rec.count("confirm"))
	assert.Equal(t, 1, fx.notifier.count(models.NotifyOrderShipped))
}

func TestApplyEventPartialShipmentRemainder(t *testing.T) {
	fx := newOrchestratorFixture()
	order := submitOrder(t, fx, []models.CartItem{
		{ProductID: 1, Quantity: 1},
		{ProductID: 2, Quantity: 1},
	})

	first := models.FulfillmentEvent{
		ID:              "evt-1",
		Type:            models.EventShipped,
		RawType:         "order:shipped",
		ExternalOrderID: "ext-1",
		ItemProductIDs:  []int64{1},
		Tracking:        &models.TrackingInfo{Number: "TRK1", Carrier: "DHL"},
	}
	require.NoError(t, fx.orchestrator.ApplyEvent(context.Background(), first))

	items, _ := fx.store.GetOrderItems(context.Background(), order.ID)
	assert.Equal(t, models.ItemStatusShipped, items[0].Status)
	assert.Equal(t, models.ItemStatusPending, items[1].Status)

	// the remainder ships later; the order is already shipped so only the
	// line statuses and tracking change
	second := models.FulfillmentEvent{
		ID:              "evt-2",
		Type:            models.EventShipped,
		RawType:         "order:shipped",
		ExternalOrderID: "ext-1",
		ItemProductIDs:  []int64{2},
		Tracking:        &models.TrackingInfo{Number: "TRK2", Carrier: "DHL"},
	}
	require.NoError(t, fx.orchestrator.ApplyEvent(context.Background(), second))

	items, _ = fx.store.GetOrderItems(context.Background(), order.ID)
	assert.Equal(t, models.ItemStatusShipped, items[1].Status)

	got := fx.store.order(order.ID)
	require.NotNil(t, got.TrackingNumber)
	assert.Equal(t, "TRK2", *got.TrackingNumber)
	assert.Equal(t, 1, fx.rec.count("confirm"))
}

func TestApplyEventDelivered(t *testing.T) {
	fx := newOrchestratorFixture()
	order := submitOrder(t, fx, []models.CartItem{{ProductID: 1, Quantity: 1}})

	require.NoError(t, fx.orchestrator.ApplyEvent(context.Background(), models.FulfillmentEvent{
		ID: "evt-1", Type: models.EventShipped, RawType: "order:shipped", ExternalOrderID: "ext-1",
	}))
	require.NoError(t, fx.orchestrator.ApplyEvent(context.Background(), models.FulfillmentEvent{
		ID: "evt-2", Type: models.EventDelivered, RawType: "order:delivered", ExternalOrderID: "ext-1",
	}))

	got := fx.store.order(order.ID)
	assert.Equal(t, models.OrderStatusDelivered, got.Status)

	items, _ := fx.store.GetOrderItems(context.Background(), order.ID)
	assert.Equal(t, models.ItemStatusDelivered, items[0].Status)
}

func TestApplyEventDeliveredBeforeShipmentIsSkipped(t *testing.T) {
	fx := newOrchestratorFixture()
	order := submitOrder(t, fx, []models.CartItem{{ProductID: 1, Quantity: 1}})

	require.NoError(t, fx.orchestrator.ApplyEvent(context.Background(), models.FulfillmentEvent{
		ID: "evt-1", Type: models.EventDelivered, RawType: "order:delivered", ExternalOrderID: "ext-1",
	}))

	got := fx.store.order(order.ID)
	assert.Equal(t, models.OrderStatusProcessing, got.Status)

	items, _ := fx.store.GetOrderItems(context.Background(), order.ID)
	assert.Equal(t, models.ItemStatusPending, items[0].Status)
}

func TestApplyEventCanceled(t *testing.T) {
	fx := newOrchestratorFixture()
	order := submitOrder(t, fx, []models.CartItem{{ProductID: 1, Quantity: 1}})

	err := fx.orchestrator.ApplyEvent(context.Background(), models.FulfillmentEvent{
		ID:              "evt-1",
		Type:            models.EventCanceled,
		RawType:         "order:canceled",
		ExternalOrderID: "ext-1",
		Reason:          "print file rejected",
	})
	require.NoError(t, err)

	got := fx.store.order(order.ID)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)
	require.NotNil(t, got.CancelReason)
	assert.Equal(t, "print file rejected", *got.CancelReason)
	assert.True(t, got.NeedsRefundReview)

	assert.Equal(t, 1, fx.rec.count("release"))
	assert.Equal(t, 0, fx.rec.count("confirm"))
	assert.Equal(t, 1, fx.notifier.count(models.NotifyRefundReviewNeeded))

	items, _ := fx.store.GetOrderItems(context.Background(), order.ID)
	assert.Equal(t, models.ItemStatusCancelled, items[0].Status)
}

func TestApplyEventCancelAfterShipmentIsSkipped(t *testing.T) {
	fx := newOrchestratorFixture()
	order := submitOrder(t, fx, []models.CartItem{{ProductID: 1, Quantity: 1}})

	require.NoError(t, fx.orchestrator.ApplyEvent(context.Background(), models.FulfillmentEvent{
		ID: "evt-1", Type: models.EventShipped, RawType: "order:shipped", ExternalOrderID: "ext-1",
	}))
	require.NoError(t, fx.orchestrator.ApplyEvent(context.Background(), models.FulfillmentEvent{
		ID: "evt-2", Type: models.EventCanceled, RawType: "order:canceled", ExternalOrderID: "ext-1",
	}))

	got := fx.store.order(order.ID)
	assert.Equal(t, models.OrderStatusShipped, got.Status)
	assert.Equal(t, 0, fx.rec.count("release"))
}

func TestApplyEventUnknownOrder(t *testing.T) {
	fx := newOrchestratorFixture()

	err := fx.orchestrator.ApplyEvent(context.Background(), models.FulfillmentEvent{
		ID:              "evt-1",
		Type:            models.EventShipped,
		RawType:         "order:shipped",
		ExternalOrderID: "nobody-knows-this-one",
	})
	assert.NoError(t, err)
}

func TestApplyEventStockFlips(t *testing.T) {
	fx := newOrchestratorFixture()
	ctx := context.Background()

	require.NoError(t, fx.orchestrator.ApplyEvent(ctx, models.FulfillmentEvent{
		ID: "evt-1", Type: models.EventOutOfStock, RawType: "product:out-of-stock", VariantID: "v-tee",
	}))

	fx.store.mu.Lock()
	avail, ok := fx.store.variantAvail["v-tee"]
	fx.store.mu.Unlock()
	require.True(t, ok)
	assert.False(t, avail)
	assert.Equal(t, 1, fx.notifier.count(models.NotifyOutOfStock))

	require.NoError(t, fx.orchestrator.ApplyEvent(ctx, models.FulfillmentEvent{
		ID: "evt-2", Type: models.EventBackInStock, RawType: "product:back-in-stock", VariantID: "v-tee",
	}))

	fx.store.mu.Lock()
	avail = fx.store.variantAvail["v-tee"]
	fx.store.mu.Unlock()
	assert.True(t, avail)
	assert.Equal(t, 1, fx.notifier.count(models.NotifyBackInStock))
}

func TestApplyEventUnhandledType(t *testing.T) {
	fx := newOrchestratorFixture()

	err := fx.orchestrator.ApplyEvent(context.Background(), models.FulfillmentEvent{
		ID: "evt-1", Type: models.EventUnhandled, RawType: "shop:disconnected",
	})
	assert.NoError(t, err)
	assert.Empty(t, fx.rec.all())
}

func TestProviderStatus(t *testing.T) {
	fx := newOrchestratorFixture()
	order := submitOrder(t, fx, []models.CartItem{{ProductID: 1, Quantity: 1}})

	status, err := fx.orchestrator.ProviderStatus(context.Background(), order.Number)
	require.NoError(t, err)
	assert.Equal(t, "in-production", status)

	_, err = fx.orchestrator.ProviderStatus(context.Background(), "PP-UNKNOWN")
	assert.ErrorContains(t, err, "not submitted")
}
