package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"printpay/internal/service"
	"printpay/internal/util"

	"go.uber.org/zap"
)

// Client talks to the print/ship provider's REST API. Every call consults
// the rate governor before going out and records its outcome afterwards
// for error-ratio compliance.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	governor   *service.RateGovernor
	logger     *zap.Logger
}

// NewClient creates a new provider client
func NewClient(baseURL, apiKey string, timeout time.Duration, governor *service.RateGovernor) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		governor:   governor,
		logger:     util.GetLogger(),
	}
}

type submitResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// SubmitOrder places a fulfillment order. The idempotency key header lets
// the provider deduplicate retried submissions.
func (c *Client) SubmitOrder(ctx context.Context, req *service.FulfillmentRequest) (string, error) {
	if err := c.governor.CheckAndRecord(service.ClassPublish); err != nil {
		return "", err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal order request: %w", err)
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("X-Idempotency-Key", req.IdempotencyKey)

	var submitted submitResponse
	err = c.do(httpReq, &submitted)
	c.governor.RecordOutcome(err)
	util.ProviderRequestLatency.WithLabelValues("submit_order").Observe(time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("submit order: %w", err)
	}
	if submitted.ID == "" {
		return "", fmt.Errorf("submit order: provider returned no order id")
	}

	c.logger.Info("Provider accepted order",
		zap.String("external_ref", req.ExternalRef),
		zap.String("external_id", submitted.ID))
	return submitted.ID, nil
}

// GetOrderStatus fetches the provider's current status for an order
func (c *Client) GetOrderStatus(ctx context.Context, externalID string) (string, error) {
	if err := c.governor.CheckAndRecord(service.ClassCatalog); err != nil {
		return "", err
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/orders/"+externalID, nil)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	var status statusResponse
	err = c.do(httpReq, &status)
	c.governor.RecordOutcome(err)
	util.ProviderRequestLatency.WithLabelValues("get_order_status").Observe(time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("get order status: %w", err)
	}

	return status.Status, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(snippet))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
