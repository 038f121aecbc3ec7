package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"printpay/internal/models"
	"printpay/internal/util"

	"go.uber.org/zap"
)

var (
	// ErrInvalidSignature rejects a delivery whose HMAC does not match
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMalformedPayload rejects a delivery that cannot be parsed
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// EventStore is the persisted dedup/processing record store
type EventStore interface {
	GetWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error)
	InsertWebhookEvent(ctx context.Context, event *models.WebhookEvent) (bool, error)
	MarkWebhookProcessed(ctx context.Context, eventID string, procErr *string) error
}

// DedupCache is an optional fast-path cache in front of the event store
type DedupCache interface {
	IsEventSeen(ctx context.Context, eventID string) (bool, error)
	MarkEventSeen(ctx context.Context, eventID string, ttl time.Duration) error
}

// EventApplier receives parsed events; the orchestrator implements it
type EventApplier interface {
	ApplyEvent(ctx context.Context, event models.FulfillmentEvent) error
}

// Ingestor validates, deduplicates and dispatches provider webhook
// deliveries. Events apply to order state at most once; a poison event is
// marked processed with its error captured so it is never reprocessed.
type Ingestor struct {
	store   EventStore
	cache   DedupCache
	applier EventApplier
	secret  []byte
	env     string
	logger  *zap.Logger
}

// NewIngestor creates a webhook ingestor; cache may be nil. An empty secret
// disables signature verification, which is only permitted outside
// production and is logged loudly.
func NewIngestor(store EventStore, cache DedupCache, applier EventApplier, secret, env string) *Ingestor {
	logger := util.GetLogger()
	if secret == "" {
		logger.Warn("WEBHOOK SIGNATURE VERIFICATION DISABLED - do not run like this in production",
			zap.String("env", env))
	}

	return &Ingestor{
		store:   store,
		cache:   cache,
		applier: applier,
		secret:  []byte(secret),
		env:     env,
		logger:  logger,
	}
}

// Result is the outcome of one delivery
type Result struct {
	EventID         string
	EventType       models.FulfillmentEventType
	Duplicate       bool
	ProcessingError error
}

// wirePayload is the provider's webhook body
type wirePayload struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Resource  struct {
		ID        string               `json:"id"`
		Status    string               `json:"status"`
		Reason    string               `json:"reason"`
		VariantID string               `json:"variant_id"`
		Tracking  *models.TrackingInfo `json:"tracking"`
		LineItems []struct {
			ProductID int64 `json:"product_id"`
		} `json:"line_items"`
	} `json:"resource"`
}

// Handle processes one raw delivery. The type header, when the provider
// sends one, must agree with the type inside the payload. A returned error
// means the delivery was rejected before processing (bad signature or
// malformed body); errors from applying the event are captured on the
// processing record and surfaced through Result.ProcessingError without
// failing the delivery.
func (i *Ingestor) Handle(ctx context.Context, raw []byte, signature, typeHeader string) (*Result, error) {
	ctx, span := util.StartSpan(ctx, "Ingestor.Handle")
	defer span.End()

	if err := i.verifySignature(raw, signature); err != nil {
		util.WebhookRejectedTotal.WithLabelValues("invalid_signature").Inc()
		return nil, err
	}

	payload, err := parsePayload(raw)
	if err != nil {
		util.WebhookRejectedTotal.WithLabelValues("malformed_payload").Inc()
		return nil, err
	}

	if typeHeader != "" && typeHeader != payload.Type {
		util.WebhookRejectedTotal.WithLabelValues("malformed_payload").Inc()
		return nil, fmt.Errorf("type header %q does not match payload type %q: %w",
			typeHeader, payload.Type, ErrMalformedPayload)
	}

	eventType := models.ParseFulfillmentEventType(payload.Type)
	util.WebhookEventsTotal.WithLabelValues(string(eventType)).Inc()
	result := &Result{EventID: payload.ID, EventType: eventType}

	if dup, err := i.alreadyProcessed(ctx, payload.ID); err != nil {
		return nil, fmt.Errorf("dedup lookup for event %s: %w", payload.ID, err)
	} else if dup {
		util.WebhookReplaysTotal.Inc()
		i.logger.Info("Duplicate webhook delivery skipped", zap.String("event_id", payload.ID))
		result.Duplicate = true
		return result, nil
	}

	inserted, err := i.store.InsertWebhookEvent(ctx, &models.WebhookEvent{
		EventID:   payload.ID,
		EventType: payload.Type,
		Payload:   raw,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record event %s: %w", payload.ID, err)
	}
	if !inserted {
		existing, err := i.store.GetWebhookEvent(ctx, payload.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to re-read event %s: %w", payload.ID, err)
		}
		if existing == nil || existing.Processed {
			// a concurrent delivery of the same id won the insert
			result.Duplicate = true
			return result, nil
		}
		// the earlier delivery recorded the event but died before applying
		// it; finish the work on this redelivery
		i.logger.Warn("Completing webhook event recorded by an interrupted delivery",
			zap.String("event_id", payload.ID))
	}

	procErr := i.applier.ApplyEvent(ctx, toFulfillmentEvent(payload, eventType))

	var errStr *string
	if procErr != nil {
		msg := procErr.Error()
		errStr = &msg
		i.logger.Error("Webhook event processing failed; event marked seen",
			zap.String("event_id", payload.ID),
			zap.String("type", payload.Type),
			zap.Error(procErr))
	}

	// mark processed even on failure so a poison event is not reprocessed
	if err := i.store.MarkWebhookProcessed(ctx, payload.ID, errStr); err != nil {
		return nil, fmt.Errorf("failed to mark event %s processed: %w", payload.ID, err)
	}

	if i.cache != nil {
		if err := i.cache.MarkEventSeen(ctx, payload.ID, 24*time.Hour); err != nil {
			i.logger.Warn("Failed to cache event id", zap.Error(err))
		}
	}

	result.ProcessingError = procErr
	return result, nil
}

func (i *Ingestor) verifySignature(raw []byte, signature string) error {
	if len(i.secret) == 0 {
		if i.env == "production" {
			return fmt.Errorf("no webhook secret configured in production: %w", ErrInvalidSignature)
		}
		i.logger.Warn("Accepting unsigned webhook delivery")
		return nil
	}

	if signature == "" {
		return fmt.Errorf("missing signature header: %w", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, i.secret)
	mac.Write(raw)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

func parsePayload(raw []byte) (*wirePayload, error) {
	var payload wirePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedPayload, err.Error())
	}
	if payload.ID == "" || payload.Type == "" {
		return nil, fmt.Errorf("missing event id or type: %w", ErrMalformedPayload)
	}
	return &payload, nil
}

// alreadyProcessed consults the cache first, then the authoritative store
func (i *Ingestor) alreadyProcessed(ctx context.Context, eventID string) (bool, error) {
	if i.cache != nil {
		seen, err := i.cache.IsEventSeen(ctx, eventID)
		if err != nil {
			i.logger.Warn("Dedup cache lookup failed", zap.Error(err))
		} else if seen {
			return true, nil
		}
	}

	existing, err := i.store.GetWebhookEvent(ctx, eventID)
	if err != nil {
		return false, err
	}
	return existing != nil && existing.Processed, nil
}

func toFulfillmentEvent(payload *wirePayload, eventType models.FulfillmentEventType) models.FulfillmentEvent {
	event := models.FulfillmentEvent{
		ID:              payload.ID,
		Type:            eventType,
		RawType:         payload.Type,
		ExternalOrderID: payload.Resource.ID,
		ExternalStatus:  payload.Resource.Status,
		Tracking:        payload.Resource.Tracking,
		Reason:          payload.Resource.Reason,
		VariantID:       payload.Resource.VariantID,
		OccurredAt:      payload.CreatedAt,
	}
	for _, li := range payload.Resource.LineItems {
		event.ItemProductIDs = append(event.ItemProductIDs, li.ProductID)
	}
	return event
}
