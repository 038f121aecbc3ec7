package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"printpay/internal/broker"
	"printpay/internal/models"
	"printpay/internal/redisclient"
	"printpay/internal/service"
)

const pendingBatchSize = 50

// PaymentPoller sweeps pending payments so a payment settles even when
// no client ever calls the verify endpoint. A short Redis lock per
// reference keeps replicas from verifying the same payment at once.
type PaymentPoller struct {
	tracker  *service.PaymentTracker
	redis    *redisclient.Client
	interval time.Duration
	done     chan struct{}
}

// NewPaymentPoller creates a new payment poller
func NewPaymentPoller(tracker *service.PaymentTracker, redis *redisclient.Client, interval time.Duration) *PaymentPoller {
	return &PaymentPoller{
		tracker:  tracker,
		redis:    redis,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start starts the poller loop
func (p *PaymentPoller) Start(ctx context.Context) error {
	log.Println("Starting payment poller...")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Payment poller context cancelled, stopping...")
			return ctx.Err()
		case <-p.done:
			return nil
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// Stop stops the poller
func (p *PaymentPoller) Stop() error {
	log.Println("Stopping payment poller...")
	close(p.done)
	return nil
}

func (p *PaymentPoller) sweep(ctx context.Context) {
	payments, err := p.tracker.ListPending(ctx, pendingBatchSize)
	if err != nil {
		log.Printf("Failed to list pending payments: %v", err)
		return
	}

	for _, payment := range payments {
		lockKey := "verify:" + payment.Reference

		acquired, err := p.redis.AcquireLock(ctx, lockKey, 30*time.Second)
		if err != nil {
			log.Printf("Failed to acquire verify lock for %s: %v", payment.Reference, err)
			continue
		}
		if !acquired {
			continue
		}

		if _, err := p.tracker.Verify(ctx, payment.Reference); err != nil {
			log.Printf("Failed to verify payment %s: %v", payment.Reference, err)
		}

		if err := p.redis.ReleaseLock(ctx, lockKey); err != nil {
			log.Printf("Failed to release verify lock for %s: %v", payment.Reference, err)
		}
	}

	// confirmed payments with no linked order lost their fulfillment
	// trigger to a crash or infrastructure error; re-fire it here
	if err := p.tracker.RetriggerFulfillment(ctx, pendingBatchSize); err != nil {
		log.Printf("Failed to retrigger stalled fulfillments: %v", err)
	}
}

// SubmissionRetryWorker resubmits paid orders whose provider submission
// failed. Orders stay in payment_confirmed until a submission sticks.
type SubmissionRetryWorker struct {
	orchestrator *service.FulfillmentOrchestrator
	interval     time.Duration
	done         chan struct{}
}

// NewSubmissionRetryWorker creates a new submission retry worker
func NewSubmissionRetryWorker(orchestrator *service.FulfillmentOrchestrator, interval time.Duration) *SubmissionRetryWorker {
	return &SubmissionRetryWorker{
		orchestrator: orchestrator,
		interval:     interval,
		done:         make(chan struct{}),
	}
}

// Start starts the retry loop
func (w *SubmissionRetryWorker) Start(ctx context.Context) error {
	log.Println("Starting submission retry worker...")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Submission retry worker context cancelled, stopping...")
			return ctx.Err()
		case <-w.done:
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// Stop stops the worker
func (w *SubmissionRetryWorker) Stop() error {
	log.Println("Stopping submission retry worker...")
	close(w.done)
	return nil
}

func (w *SubmissionRetryWorker) sweep(ctx context.Context) {
	orders, err := w.orchestrator.ListAwaitingSubmission(ctx, pendingBatchSize)
	if err != nil {
		log.Printf("Failed to list orders awaiting submission: %v", err)
		return
	}

	for _, order := range orders {
		if err := w.orchestrator.RetrySubmission(ctx, order.ID); err != nil {
			log.Printf("Retry submission failed for order %s: %v", order.Number, err)
		}
	}
}

// NotificationWorker consumes store notifications for ops visibility
type NotificationWorker struct {
	consumer *broker.Consumer
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer) *NotificationWorker {
	return &NotificationWorker{consumer: consumer}
}

// Start starts the notification worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	log.Println("Starting notification worker...")

	return w.consumer.StartConsuming(ctx, func(ctx context.Context, msg kafka.Message) error {
		var n models.Notification
		if err := json.Unmarshal(msg.Value, &n); err != nil {
			log.Printf("Failed to unmarshal notification: %v", err)
			return err
		}

		log.Printf("Store notification: kind=%s, id=%s, fields=%v", n.Kind, n.EventID, n.Fields)
		return nil
	})
}

// Stop stops the notification worker
func (w *NotificationWorker) Stop() error {
	log.Println("Stopping notification worker...")
	return w.consumer.Close()
}
