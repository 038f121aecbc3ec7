package broker

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"printpay/internal/models"
)

// EventPublisher publishes store notifications to Kafka. Delivery is
// fire-and-forget: a broker outage must never fail the operation that
// raised the notification, so publish errors are logged and swallowed.
type EventPublisher struct {
	producer *Producer
}

func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// Notify implements the notifier contract used by the ledger and orchestrator.
func (p *EventPublisher) Notify(ctx context.Context, kind string, fields map[string]string) {
	n := models.Notification{
		EventID:    uuid.New().String(),
		Kind:       kind,
		OccurredAt: time.Now().UTC(),
		Fields:     fields,
	}

	if err := p.producer.PublishMessage(ctx, kind, n); err != nil {
		log.Printf("Failed to publish notification: kind=%s, err=%v", kind, err)
		return
	}

	log.Printf("Published notification: kind=%s, id=%s", kind, n.EventID)
}
