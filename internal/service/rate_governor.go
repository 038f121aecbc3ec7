package service

import (
	"fmt"
	"sync"
	"time"

	"printpay/internal/util"

	"go.uber.org/zap"
)

// EndpointClass identifies which provider budget an outbound call consumes.
// Every call counts against the global window; catalog-class reads and
// publish-class writes additionally consume their stricter budgets.
type EndpointClass string

const (
	ClassDefault EndpointClass = "default"
	ClassCatalog EndpointClass = "catalog"
	ClassPublish EndpointClass = "publish"
)

// GovernorLimits carries the provider's documented request budgets
type GovernorLimits struct {
	GlobalPerMinute  int
	CatalogPerMinute int
	PublishPer30Min  int
}

// RateGovernor tracks sliding request windows and the cumulative error
// ratio for fulfillment-provider calls. State is process-local and resets
// on restart. Windows roll over lazily on first touch after their period
// elapses; there is no background timer.
type RateGovernor struct {
	mu      sync.Mutex
	now     func() time.Time
	global  *rateWindow
	catalog *rateWindow
	publish *rateWindow
	total   int64
	failed  int64
	logger  *zap.Logger
}

type rateWindow struct {
	name   string
	limit  int
	period time.Duration
	start  time.Time
	count  int
}

// NewRateGovernor creates a governor with the given budgets
func NewRateGovernor(limits GovernorLimits) *RateGovernor {
	return &RateGovernor{
		now:     time.Now,
		global:  &rateWindow{name: "global", limit: limits.GlobalPerMinute, period: time.Minute},
		catalog: &rateWindow{name: "catalog", limit: limits.CatalogPerMinute, period: time.Minute},
		publish: &rateWindow{name: "publish", limit: limits.PublishPer30Min, period: 30 * time.Minute},
		logger:  util.GetLogger(),
	}
}

func (w *rateWindow) roll(now time.Time) {
	if w.start.IsZero() || now.Sub(w.start) >= w.period {
		w.start = now
		w.count = 0
	}
}

// CheckAndRecord must be called before every outbound provider call. It
// returns ErrRateLimitExceeded without consuming capacity when any
// applicable window is saturated; otherwise it records the attempt against
// every applicable window.
func (g *RateGovernor) CheckAndRecord(class EndpointClass) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	windows := []*rateWindow{g.global}
	switch class {
	case ClassCatalog:
		windows = append(windows, g.catalog)
	case ClassPublish:
		windows = append(windows, g.publish)
	}

	now := g.now()
	for _, w := range windows {
		w.roll(now)
		if w.count >= w.limit {
			util.RateLimitRejectedTotal.WithLabelValues(w.name).Inc()
			g.logger.Warn("Rate governor rejected call",
				zap.String("class", string(class)),
				zap.String("window", w.name),
				zap.Int("limit", w.limit))
			return fmt.Errorf("%s window saturated: %w", w.name, ErrRateLimitExceeded)
		}
	}

	for _, w := range windows {
		w.count++
	}
	return nil
}

// RecordOutcome feeds the cumulative error ratio. Called after every
// outbound call completes, success or failure.
func (g *RateGovernor) RecordOutcome(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.total++
	if err != nil {
		g.failed++
	}
}

// ErrorRatio returns the cumulative failed/total ratio for compliance
// reporting; 0 before any call completes.
func (g *RateGovernor) ErrorRatio() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.total == 0 {
		return 0
	}
	return float64(g.failed) / float64(g.total)
}

// WindowUsage reports one window's position for the ops endpoint
type WindowUsage struct {
	Limit    int       `json:"limit"`
	Used     int       `json:"used"`
	ResetsAt time.Time `json:"resets_at"`
}

// GovernorUsage is a point-in-time usage report
type GovernorUsage struct {
	Windows    map[string]WindowUsage `json:"windows"`
	Total      int64                  `json:"total_calls"`
	Failed     int64                  `json:"failed_calls"`
	ErrorRatio float64                `json:"error_ratio"`
}

// Usage reports current window usage and the cumulative error ratio
func (g *RateGovernor) Usage() GovernorUsage {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	windows := make(map[string]WindowUsage, 3)
	for _, w := range []*rateWindow{g.global, g.catalog, g.publish} {
		w.roll(now)
		windows[w.name] = WindowUsage{
			Limit:    w.limit,
			Used:     w.count,
			ResetsAt: w.start.Add(w.period),
		}
	}

	usage := GovernorUsage{Windows: windows, Total: g.total, Failed: g.failed}
	if g.total > 0 {
		usage.ErrorRatio = float64(g.failed) / float64(g.total)
	}
	return usage
}
