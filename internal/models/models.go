package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the closed set of payment states.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusConfirmed PaymentStatus = "confirmed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusExpired   PaymentStatus = "expired"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:   {PaymentStatusConfirmed, PaymentStatusFailed, PaymentStatusExpired},
	PaymentStatusConfirmed: {PaymentStatusRefunded},
}

// CanTransitionTo reports whether the transition is in the payment state table.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further verification can change the state.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusFailed || s == PaymentStatusExpired || s == PaymentStatusRefunded
}

// OrderStatus is the closed set of order states.
type OrderStatus string

const (
	OrderStatusPendingPayment   OrderStatus = "pending_payment"
	OrderStatusPaymentConfirmed OrderStatus = "payment_confirmed"
	OrderStatusProcessing       OrderStatus = "processing"
	OrderStatusProduction       OrderStatus = "production"
	OrderStatusShipped          OrderStatus = "shipped"
	OrderStatusDelivered        OrderStatus = "delivered"
	OrderStatusCancelled        OrderStatus = "cancelled"
	OrderStatusFailed           OrderStatus = "failed"
	OrderStatusRefunded         OrderStatus = "refunded"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPendingPayment:   {OrderStatusPaymentConfirmed, OrderStatusFailed},
	OrderStatusPaymentConfirmed: {OrderStatusProcessing, OrderStatusCancelled, OrderStatusFailed, OrderStatusRefunded},
	OrderStatusProcessing:       {OrderStatusProduction, OrderStatusShipped, OrderStatusCancelled, OrderStatusFailed, OrderStatusRefunded},
	OrderStatusProduction:       {OrderStatusShipped, OrderStatusCancelled, OrderStatusFailed, OrderStatusRefunded},
	OrderStatusShipped:          {OrderStatusDelivered, OrderStatusRefunded},
	OrderStatusDelivered:        {OrderStatusRefunded},
	OrderStatusCancelled:        {OrderStatusRefunded},
}

// CanTransitionTo reports whether the transition is in the order state table.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Cancellable reports whether the provider can still cancel the order,
// which is also the window during which a refund may be issued.
func (s OrderStatus) Cancellable() bool {
	switch s {
	case OrderStatusPaymentConfirmed, OrderStatusProcessing, OrderStatusProduction:
		return true
	}
	return false
}

// ItemStatus tracks per-line production milestones for partial shipments.
type ItemStatus string

const (
	ItemStatusPending      ItemStatus = "pending"
	ItemStatusInProduction ItemStatus = "in_production"
	ItemStatusShipped      ItemStatus = "shipped"
	ItemStatusDelivered    ItemStatus = "delivered"
	ItemStatusCancelled    ItemStatus = "cancelled"
)

// Product represents a product in the catalog
type Product struct {
	ID                int64           `db:"id" json:"id"`
	SKU               string          `db:"sku" json:"sku"`
	Name              string          `db:"name" json:"name"`
	Price             decimal.Decimal `db:"price" json:"price"`
	Cost              decimal.Decimal `db:"cost" json:"cost"`
	ProviderVariantID string          `db:"provider_variant_id" json:"provider_variant_id"`
	Available         bool            `db:"available" json:"available"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
}

// InventoryRecord represents stock counts for one product
type InventoryRecord struct {
	ProductID         int64     `db:"product_id" json:"product_id"`
	Available         int       `db:"available" json:"available"`
	Reserved          int       `db:"reserved" json:"reserved"`
	LowStockThreshold int       `db:"low_stock_threshold" json:"low_stock_threshold"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// Payment represents one payment attempt, keyed by its on-chain reference
type Payment struct {
	ID           int64           `db:"id" json:"id"`
	Reference    string          `db:"reference" json:"reference"`
	Status       PaymentStatus   `db:"status" json:"status"`
	AmountUSD    decimal.Decimal `db:"amount_usd" json:"amount_usd"`
	AmountCrypto decimal.Decimal `db:"amount_crypto" json:"amount_crypto"`
	QuoteRate    decimal.Decimal `db:"quote_rate" json:"quote_rate"`
	Recipient    string          `db:"recipient" json:"recipient"`
	Sender       *string         `db:"sender" json:"sender,omitempty"`
	TxID         *string         `db:"tx_id" json:"tx_id,omitempty"`
	OrderID      *int64          `db:"order_id" json:"order_id,omitempty"`
	Cart         []byte          `db:"cart" json:"-"`
	FailReason   *string         `db:"fail_reason" json:"fail_reason,omitempty"`
	RefundRef    *string         `db:"refund_ref" json:"refund_ref,omitempty"`
	ExpiresAt    time.Time       `db:"expires_at" json:"expires_at"`
	ConfirmedAt  *time.Time      `db:"confirmed_at" json:"confirmed_at,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// Cart is the purchase intent captured at payment creation, replayed
// verbatim when the order is built so catalog edits cannot change it.
type Cart struct {
	Items    []CartItem `json:"items"`
	Shipping Address    `json:"shipping"`
}

type CartItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Order represents a fulfilled purchase, created once per confirmed payment
type Order struct {
	ID                int64           `db:"id" json:"id"`
	Number            string          `db:"number" json:"number"`
	PaymentID         int64           `db:"payment_id" json:"payment_id"`
	Status            OrderStatus     `db:"status" json:"status"`
	TotalUSD          decimal.Decimal `db:"total_usd" json:"total_usd"`
	TotalCrypto       decimal.Decimal `db:"total_crypto" json:"total_crypto"`
	ShipName          string          `db:"ship_name" json:"ship_name"`
	ShipLine1         string          `db:"ship_line1" json:"ship_line1"`
	ShipLine2         string          `db:"ship_line2" json:"ship_line2,omitempty"`
	ShipCity          string          `db:"ship_city" json:"ship_city"`
	ShipRegion        string          `db:"ship_region" json:"ship_region"`
	ShipPostalCode    string          `db:"ship_postal_code" json:"ship_postal_code"`
	ShipCountry       string          `db:"ship_country" json:"ship_country"`
	ExternalID        *string         `db:"external_id" json:"external_id,omitempty"`
	ExternalStatus    *string         `db:"external_status" json:"external_status,omitempty"`
	TrackingNumber    *string         `db:"tracking_number" json:"tracking_number,omitempty"`
	TrackingCarrier   *string         `db:"tracking_carrier" json:"tracking_carrier,omitempty"`
	TrackingURL       *string         `db:"tracking_url" json:"tracking_url,omitempty"`
	CancelReason      *string         `db:"cancel_reason" json:"cancel_reason,omitempty"`
	NeedsRefundReview bool            `db:"needs_refund_review" json:"needs_refund_review"`
	Version           int             `db:"version" json:"-"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderItem represents one line of an order with a denormalized
// title/price snapshot taken at purchase time
type OrderItem struct {
	ID         int64           `db:"id" json:"id"`
	OrderID    int64           `db:"order_id" json:"order_id"`
	ProductID  int64           `db:"product_id" json:"product_id"`
	Title      string          `db:"title" json:"title"`
	Quantity   int             `db:"quantity" json:"quantity"`
	UnitPrice  decimal.Decimal `db:"unit_price" json:"unit_price"`
	UnitCost   decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	LineTotal  decimal.Decimal `db:"line_total" json:"line_total"`
	LineProfit decimal.Decimal `db:"line_profit" json:"line_profit"`
	Status     ItemStatus      `db:"status" json:"status"`
}

// ReservationState tracks the lifecycle of an order's stock hold so that
// confirm/release apply at most once.
type ReservationState string

const (
	ReservationReserved  ReservationState = "reserved"
	ReservationConfirmed ReservationState = "confirmed"
	ReservationReleased  ReservationState = "released"
)

// ReservationLine is one product hold inside an order reservation
type ReservationLine struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// AppliedLine reports the post-confirm inventory position for one line
type AppliedLine struct {
	ProductID int64
	Quantity  int
	Available int
	Threshold int
}

// ChainTransfer is an on-chain transfer located by payment reference
type ChainTransfer struct {
	Amount    decimal.Decimal
	Sender    string
	Recipient string
	TxID      string
}

// WebhookEvent is the processing record for one inbound webhook delivery
type WebhookEvent struct {
	ID          int64      `db:"id" json:"id"`
	EventID     string     `db:"event_id" json:"event_id"`
	EventType   string     `db:"event_type" json:"event_type"`
	Payload     []byte     `db:"payload" json:"-"`
	Processed   bool       `db:"processed" json:"processed"`
	Error       *string    `db:"error" json:"error,omitempty"`
	ReceivedAt  time.Time  `db:"received_at" json:"received_at"`
	ProcessedAt *time.Time `db:"processed_at" json:"processed_at,omitempty"`
}
