package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"printpay/internal/redisclient"
	"printpay/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Client fetches the settlement-currency rate from a price feed. It never
// returns an error: a Redis-cached rate is served first, and any feed
// failure falls back to the configured rate.
type Client struct {
	feedURL    string
	fallback   decimal.Decimal
	cacheTTL   time.Duration
	httpClient *http.Client
	cache      *redisclient.Client
	logger     *zap.Logger
}

// NewClient creates a price feed client; cache may be nil
func NewClient(feedURL string, fallback decimal.Decimal, cacheTTL, timeout time.Duration, cache *redisclient.Client) *Client {
	return &Client{
		feedURL:    feedURL,
		fallback:   fallback,
		cacheTTL:   cacheTTL,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cache,
		logger:     util.GetLogger(),
	}
}

type feedResponse struct {
	Price string `json:"price"`
}

// CurrentRate returns the current rate for symbol in the quote currency
func (c *Client) CurrentRate(ctx context.Context, symbol string) decimal.Decimal {
	if c.cache != nil {
		if cached, err := c.cache.GetCachedQuote(ctx, symbol); err != nil {
			c.logger.Warn("Quote cache lookup failed", zap.Error(err))
		} else if cached != "" {
			if rate, err := decimal.NewFromString(cached); err == nil {
				return rate
			}
		}
	}

	rate, err := c.fetch(ctx, symbol)
	if err != nil {
		c.logger.Warn("Price feed unavailable, using fallback rate",
			zap.String("symbol", symbol),
			zap.String("fallback", c.fallback.String()),
			zap.Error(err))
		return c.fallback
	}

	if c.cache != nil {
		if err := c.cache.CacheQuote(ctx, symbol, rate.String(), c.cacheTTL); err != nil {
			c.logger.Warn("Failed to cache quote", zap.Error(err))
		}
	}

	return rate
}

func (c *Client) fetch(ctx context.Context, symbol string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s?symbol=%s", c.feedURL, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price feed returned status %d", resp.StatusCode)
	}

	var feed feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return decimal.Zero, err
	}

	rate, err := decimal.NewFromString(feed.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q: %w", feed.Price, err)
	}
	if rate.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("non-positive price %s", rate.String())
	}

	return rate, nil
}
