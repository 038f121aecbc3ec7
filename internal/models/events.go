package models

import "time"

// FulfillmentEventType is the closed set of provider webhook events.
// Unknown types are captured as EventUnhandled rather than rejected.
type FulfillmentEventType string

const (
	EventSentToProduction FulfillmentEventType = "order:sent-to-production"
	EventShipped          FulfillmentEventType = "order:shipped"
	EventDelivered        FulfillmentEventType = "order:delivered"
	EventCanceled         FulfillmentEventType = "order:canceled"
	EventOutOfStock       FulfillmentEventType = "product:out-of-stock"
	EventBackInStock      FulfillmentEventType = "product:back-in-stock"
	EventUnhandled        FulfillmentEventType = "unhandled"
)

// ParseFulfillmentEventType maps a wire event type onto the closed set
func ParseFulfillmentEventType(raw string) FulfillmentEventType {
	switch FulfillmentEventType(raw) {
	case EventSentToProduction, EventShipped, EventDelivered, EventCanceled,
		EventOutOfStock, EventBackInStock:
		return FulfillmentEventType(raw)
	}
	return EventUnhandled
}

// TrackingInfo carries shipment tracking fields from a shipped event
type TrackingInfo struct {
	Number  string `json:"number"`
	Carrier string `json:"carrier"`
	URL     string `json:"url"`
}

// FulfillmentEvent is a provider webhook event parsed into tagged form.
// ExternalOrderID is set for order events, VariantID for stock events.
// ItemProductIDs, when non-empty, limits the per-line status update to
// the referenced lines (partial shipment); empty means all lines.
type FulfillmentEvent struct {
	ID              string
	Type            FulfillmentEventType
	RawType         string
	ExternalOrderID string
	ExternalStatus  string
	Tracking        *TrackingInfo
	ItemProductIDs  []int64
	Reason          string
	VariantID       string
	OccurredAt      time.Time
}

// Notification kinds published to the fire-and-forget sink
const (
	NotifyLowStock           = "inventory.low_stock"
	NotifyOutOfStock         = "inventory.out_of_stock"
	NotifyBackInStock        = "inventory.back_in_stock"
	NotifyOrderFailed        = "order.failed"
	NotifyOrderShipped       = "order.shipped"
	NotifySubmissionFailed   = "order.submission_failed"
	NotifyRefundReviewNeeded = "order.refund_review_needed"
)

// Notification is the payload published to the notification topic
type Notification struct {
	EventID    string            `json:"event_id"`
	Kind       string            `json:"kind"`
	OccurredAt time.Time         `json:"occurred_at"`
	Fields     map[string]string `json:"fields,omitempty"`
}
