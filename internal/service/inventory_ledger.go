package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"printpay/internal/models"
	"printpay/internal/redisclient"
	"printpay/internal/store"
	"printpay/internal/util"

	"go.uber.org/zap"
)

// InventoryStore is the persistence the ledger needs. All stock mutation
// goes through these three operations; nothing else may touch the counts.
type InventoryStore interface {
	ReserveLines(ctx context.Context, orderID int64, lines []models.ReservationLine) error
	ConfirmReservation(ctx context.Context, orderID int64) ([]models.AppliedLine, bool, error)
	ReleaseReservation(ctx context.Context, orderID int64) ([]models.ReservationLine, bool, error)
	SetProductAvailability(ctx context.Context, productID int64, available bool) error
	GetInventory(ctx context.Context, productID int64) (*models.InventoryRecord, error)
	GetProducts(ctx context.Context) ([]models.Product, error)
}

// StockCache is the optional Redis fast path mirroring the ledger
type StockCache interface {
	ReserveStock(ctx context.Context, lines []models.ReservationLine) (int, error)
	ReleaseStock(ctx context.Context, lines []models.ReservationLine) error
	CommitStock(ctx context.Context, lines []models.ReservationLine) error
	InitInventory(ctx context.Context, productID int64, available, reserved int) error
}

// Notifier is the fire-and-forget notification sink
type Notifier interface {
	Notify(ctx context.Context, kind string, fields map[string]string)
}

// InventoryLedger owns stock counts, reservations and thresholds. The
// database is authoritative; the Redis mirror rejects obviously short
// reservations without a round trip to Postgres.
type InventoryLedger struct {
	store    InventoryStore
	cache    StockCache
	notifier Notifier
	logger   *zap.Logger
}

// NewInventoryLedger creates a new inventory ledger; cache may be nil
func NewInventoryLedger(store InventoryStore, cache StockCache, notifier Notifier) *InventoryLedger {
	return &InventoryLedger{
		store:    store,
		cache:    cache,
		notifier: notifier,
		logger:   util.GetLogger(),
	}
}

// SyncStockMirror seeds the Redis mirror from the database. Must run at
// startup before any reservation so the fast path answers from real
// counts; the reserve, release and commit scripts keep it current after
// that. Per-product failures are logged and skipped so one bad row does
// not block the rest of the catalog.
func (l *InventoryLedger) SyncStockMirror(ctx context.Context) error {
	if l.cache == nil {
		return nil
	}

	l.logger.Info("Starting stock mirror sync")

	products, err := l.store.GetProducts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load products: %w", err)
	}

	for _, product := range products {
		inv, err := l.store.GetInventory(ctx, product.ID)
		if err != nil {
			l.logger.Error("Failed to load inventory",
				zap.Int64("product_id", product.ID),
				zap.Error(err))
			continue
		}

		if err := l.cache.InitInventory(ctx, product.ID, inv.Available, inv.Reserved); err != nil {
			l.logger.Error("Failed to seed stock mirror",
				zap.Int64("product_id", product.ID),
				zap.Error(err))
		}
	}

	l.logger.Info("Stock mirror sync completed", zap.Int("count", len(products)))
	return nil
}

// Reserve places an all-or-nothing hold for every line of an order.
// Returns ErrInsufficientInventory when any line is short; no line is
// partially applied in that case.
func (l *InventoryLedger) Reserve(ctx context.Context, orderID int64, lines []models.ReservationLine) error {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Reserve")
	defer span.End()

	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	cacheHeld := false
	if l.cache != nil {
		outcome, err := l.cache.ReserveStock(ctx, lines)
		if err != nil {
			l.logger.Warn("Redis reservation failed, relying on database",
				zap.Int64("order_id", orderID),
				zap.Error(err))
		} else if outcome == redisclient.ReserveShort {
			util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
			return fmt.Errorf("order %d: %w", orderID, ErrInsufficientInventory)
		} else if outcome == redisclient.ReserveOK {
			cacheHeld = true
		}
	}

	if err := l.store.ReserveLines(ctx, orderID, lines); err != nil {
		if cacheHeld {
			l.compensateCache(ctx, orderID, lines)
		}
		if errors.Is(err, store.ErrInsufficientStock) {
			util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
			return fmt.Errorf("order %d: %w", orderID, ErrInsufficientInventory)
		}
		util.InventoryReservationsFailed.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to reserve inventory for order %d: %w", orderID, err)
	}

	return nil
}

// Confirm converts an order's hold into a permanent deduction and fires the
// low-stock and out-of-stock side effects. A second call is a no-op.
func (l *InventoryLedger) Confirm(ctx context.Context, orderID int64) error {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Confirm")
	defer span.End()

	applied, ok, err := l.store.ConfirmReservation(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to confirm reservation for order %d: %w", orderID, err)
	}
	if !ok {
		l.logger.Info("Reservation already settled", zap.Int64("order_id", orderID))
		return nil
	}

	if l.cache != nil {
		lines := make([]models.ReservationLine, 0, len(applied))
		for _, a := range applied {
			lines = append(lines, models.ReservationLine{ProductID: a.ProductID, Quantity: a.Quantity})
		}
		if err := l.cache.CommitStock(ctx, lines); err != nil {
			l.logger.Error("Failed to commit stock in Redis", zap.Error(err))
		}
	}

	for _, line := range applied {
		l.checkThresholds(ctx, line)
	}

	return nil
}

// Release drops an order's hold without touching available stock. Used on
// cancellation before confirmation. A second call is a no-op.
func (l *InventoryLedger) Release(ctx context.Context, orderID int64) error {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Release")
	defer span.End()

	lines, ok, err := l.store.ReleaseReservation(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to release reservation for order %d: %w", orderID, err)
	}
	if !ok {
		l.logger.Info("Reservation already settled", zap.Int64("order_id", orderID))
		return nil
	}

	if l.cache != nil {
		if err := l.cache.ReleaseStock(ctx, lines); err != nil {
			l.logger.Error("Failed to release stock in Redis", zap.Error(err))
		}
	}

	return nil
}

// GetInventory retrieves the stock position for a product
func (l *InventoryLedger) GetInventory(ctx context.Context, productID int64) (*models.InventoryRecord, error) {
	return l.store.GetInventory(ctx, productID)
}

func (l *InventoryLedger) compensateCache(ctx context.Context, orderID int64, lines []models.ReservationLine) {
	if err := l.cache.ReleaseStock(ctx, lines); err != nil {
		l.logger.Error("Failed to compensate Redis reservation",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}
}

// checkThresholds fires side effects when a confirm crossed the low-stock
// threshold or drained the product entirely
func (l *InventoryLedger) checkThresholds(ctx context.Context, line models.AppliedLine) {
	if line.Available <= 0 {
		util.OutOfStockEventsTotal.Inc()
		if err := l.store.SetProductAvailability(ctx, line.ProductID, false); err != nil {
			l.logger.Error("Failed to flag product unavailable",
				zap.Int64("product_id", line.ProductID),
				zap.Error(err))
		}
		l.notifier.Notify(ctx, models.NotifyOutOfStock, map[string]string{
			"product_id": fmt.Sprintf("%d", line.ProductID),
		})
		return
	}

	before := line.Available + line.Quantity
	if before > line.Threshold && line.Available <= line.Threshold {
		util.LowStockEventsTotal.Inc()
		l.notifier.Notify(ctx, models.NotifyLowStock, map[string]string{
			"product_id": fmt.Sprintf("%d", line.ProductID),
			"available":  fmt.Sprintf("%d", line.Available),
			"threshold":  fmt.Sprintf("%d", line.Threshold),
		})
	}
}
