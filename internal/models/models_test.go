package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPaymentTransitions(t *testing.T) {
	assert.True(t, PaymentStatusPending.CanTransitionTo(PaymentStatusConfirmed))
	assert.True(t, PaymentStatusPending.CanTransitionTo(PaymentStatusFailed))
	assert.True(t, PaymentStatusPending.CanTransitionTo(PaymentStatusExpired))
	assert.True(t, PaymentStatusConfirmed.CanTransitionTo(PaymentStatusRefunded))

	assert.False(t, PaymentStatusPending.CanTransitionTo(PaymentStatusRefunded))
	assert.False(t, PaymentStatusConfirmed.CanTransitionTo(PaymentStatusPending))
	assert.False(t, PaymentStatusFailed.CanTransitionTo(PaymentStatusConfirmed))
	assert.False(t, PaymentStatusExpired.CanTransitionTo(PaymentStatusConfirmed))
	assert.False(t, PaymentStatusRefunded.CanTransitionTo(PaymentStatusConfirmed))
}

func TestPaymentTerminal(t *testing.T) {
	assert.False(t, PaymentStatusPending.Terminal())
	assert.False(t, PaymentStatusConfirmed.Terminal())
	assert.True(t, PaymentStatusFailed.Terminal())
	assert.True(t, PaymentStatusExpired.Terminal())
	assert.True(t, PaymentStatusRefunded.Terminal())
}

func TestOrderTransitions(t *testing.T) {
	assert.True(t, OrderStatusPendingPayment.CanTransitionTo(OrderStatusPaymentConfirmed))
	assert.True(t, OrderStatusPaymentConfirmed.CanTransitionTo(OrderStatusProcessing))
	assert.True(t, OrderStatusProcessing.CanTransitionTo(OrderStatusProduction))
	assert.True(t, OrderStatusProduction.CanTransitionTo(OrderStatusShipped))
	assert.True(t, OrderStatusShipped.CanTransitionTo(OrderStatusDelivered))

	// a provider may report shipped without ever reporting production
	assert.True(t, OrderStatusProcessing.CanTransitionTo(OrderStatusShipped))

	assert.True(t, OrderStatusProduction.CanTransitionTo(OrderStatusCancelled))
	assert.True(t, OrderStatusCancelled.CanTransitionTo(OrderStatusRefunded))
	assert.True(t, OrderStatusDelivered.CanTransitionTo(OrderStatusRefunded))

	assert.False(t, OrderStatusPendingPayment.CanTransitionTo(OrderStatusShipped))
	assert.False(t, OrderStatusShipped.CanTransitionTo(OrderStatusCancelled))
	assert.False(t, OrderStatusDelivered.CanTransitionTo(OrderStatusShipped))
	assert.False(t, OrderStatusFailed.CanTransitionTo(OrderStatusProcessing))
	assert.False(t, OrderStatusRefunded.CanTransitionTo(OrderStatusProcessing))
}

func TestOrderCancellable(t *testing.T) {
	assert.True(t, OrderStatusPaymentConfirmed.Cancellable())
	assert.True(t, OrderStatusProcessing.Cancellable())
	assert.True(t, OrderStatusProduction.Cancellable())

	assert.False(t, OrderStatusPendingPayment.Cancellable())
	assert.False(t, OrderStatusShipped.Cancellable())
	assert.False(t, OrderStatusDelivered.Cancellable())
	assert.False(t, OrderStatusCancelled.Cancellable())
	assert.False(t, OrderStatusFailed.Cancellable())
}

func TestParseFulfillmentEventType(t *testing.T) {
	assert.Equal(t, EventSentToProduction, ParseFulfillmentEventType("order:sent-to-production"))
	assert.Equal(t, EventShipped, ParseFulfillmentEventType("order:shipped"))
	assert.Equal(t, EventDelivered, ParseFulfillmentEventType("order:delivered"))
	assert.Equal(t, EventCanceled, ParseFulfillmentEventType("order:canceled"))
	assert.Equal(t, EventOutOfStock, ParseFulfillmentEventType("product:out-of-stock"))
	assert.Equal(t, EventBackInStock, ParseFulfillmentEventType("product:back-in-stock"))
	assert.Equal(t, EventUnhandled, ParseFulfillmentEventType("shop:disconnected"))
	assert.Equal(t, EventUnhandled, ParseFulfillmentEventType(""))
}
