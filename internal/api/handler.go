package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"printpay/internal/service"
	"printpay/internal/util"
	"printpay/internal/webhook"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SignatureHeader carries the hex HMAC of the raw webhook body.
const SignatureHeader = "X-Webhook-Signature"

// EventTypeHeader carries the provider's event type indicator; it must
// agree with the type inside the payload when present.
const EventTypeHeader = "X-Webhook-Event-Type"

// Handler contains HTTP handlers
type Handler struct {
	tracker      *service.PaymentTracker
	orchestrator *service.FulfillmentOrchestrator
	ledger       *service.InventoryLedger
	governor     *service.RateGovernor
	ingestor     *webhook.Ingestor
}

// NewHandler creates a new HTTP handler
func NewHandler(
	tracker *service.PaymentTracker,
	orchestrator *service.FulfillmentOrchestrator,
	ledger *service.InventoryLedger,
	governor *service.RateGovernor,
	ingestor *webhook.Ingestor,
) *Handler {
	return &Handler{
		tracker:      tracker,
		orchestrator: orchestrator,
		ledger:       ledger,
		governor:     governor,
		ingestor:     ingestor,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhooks/fulfillment", h.fulfillmentWebhook)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/payments", h.createPayment)
		v1.GET("/payments/:reference", h.getPayment)
		v1.POST("/payments/:reference/verify", h.verifyPayment)
		v1.POST("/payments/:reference/refund", h.refundPayment)

		v1.GET("/orders/:number", h.getOrder)
		v1.GET("/orders/:number/provider-status", h.getProviderStatus)

		v1.GET("/inventory/:product_id", h.getInventory)
		v1.GET("/provider/usage", h.getProviderUsage)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createPayment quotes a cart and opens a payment window
func (h *Handler) createPayment(c *gin.Context) {
	var req service.CreatePaymentRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	payment, err := h.tracker.CreatePayment(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "Failed to create payment",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, payment)
}

// getPayment handles get payment by reference
func (h *Handler) getPayment(c *gin.Context) {
	payment, err := h.tracker.GetPayment(c.Request.Context(), c.Param("reference"))
	if err != nil {
		if errors.Is(err, service.ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Payment not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load payment",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, payment)
}

// verifyPayment checks the chain for a settling transfer
func (h *Handler) verifyPayment(c *gin.Context) {
	result, err := h.tracker.Verify(c.Request.Context(), c.Param("reference"))
	if err != nil {
		if errors.Is(err, service.ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Payment not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Verification failed",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

type refundRequest struct {
	RefundRef string `json:"refund_ref" binding:"required"`
}

// refundPayment records an operator-initiated refund
func (h *Handler) refundPayment(c *gin.Context) {
	var req refundRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	err := h.tracker.Refund(c.Request.Context(), c.Param("reference"), req.RefundRef)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPaymentNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Payment not found",
			})
		case errors.Is(err, service.ErrInvalidState):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "Payment not refundable",
				"details": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "Failed to refund payment",
				"details": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "refunded"})
}

// getOrder handles get order by number
func (h *Handler) getOrder(c *gin.Context) {
	order, items, err := h.orchestrator.GetOrder(c.Request.Context(), c.Param("number"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Order not found",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// getProviderStatus fetches the live order status from the provider
func (h *Handler) getProviderStatus(c *gin.Context) {
	status, err := h.orchestrator.ProviderStatus(c.Request.Context(), c.Param("number"))
	if err != nil {
		if errors.Is(err, service.ErrRateLimitExceeded) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Provider rate limit exceeded",
			})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "Failed to fetch provider status",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"external_status": status})
}

// getInventory handles inventory lookup by product ID
func (h *Handler) getInventory(c *gin.Context) {
	productID, err := strconv.ParseInt(c.Param("product_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid product ID",
		})
		return
	}

	record, err := h.ledger.GetInventory(c.Request.Context(), productID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Inventory record not found",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, record)
}

// getProviderUsage reports rate limit window usage for operators
func (h *Handler) getProviderUsage(c *gin.Context) {
	c.JSON(http.StatusOK, h.governor.Usage())
}

// fulfillmentWebhook ingests provider event deliveries
func (h *Handler) fulfillmentWebhook(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to read request body",
		})
		return
	}

	result, err := h.ingestor.Handle(c.Request.Context(), raw, c.GetHeader(SignatureHeader), c.GetHeader(EventTypeHeader))
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrInvalidSignature):
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid signature",
			})
		case errors.Is(err, webhook.ErrMalformedPayload):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Malformed payload",
				"details": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "Failed to ingest event",
				"details": err.Error(),
			})
		}
		return
	}

	resp := gin.H{
		"event_id":  result.EventID,
		"type":      result.EventType,
		"duplicate": result.Duplicate,
	}
	if result.ProcessingError != nil {
		// Acknowledged so the provider stops retrying; the failure is
		// captured on the stored event for operator follow-up.
		resp["processing_error"] = result.ProcessingError.Error()
	}

	c.JSON(http.StatusOK, resp)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
