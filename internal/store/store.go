package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"printpay/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ErrInsufficientStock is returned when a reservation cannot hold every line
var ErrInsufficientStock = errors.New("insufficient stock")

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT * FROM products WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProductsByIDs retrieves multiple products by IDs
func (s *Store) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var products []models.Product
	err = s.db.SelectContext(ctx, &products, query, args...)
	return products, err
}

// GetProducts retrieves the full catalog
func (s *Store) GetProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := s.db.SelectContext(ctx, &products, "SELECT * FROM products ORDER BY id")
	return products, err
}

// SetProductAvailabilityByVariant flips the availability flag for the product
// mapped to a provider catalog variant
func (s *Store) SetProductAvailabilityByVariant(ctx context.Context, variantID string, available bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE products SET available = $1 WHERE provider_variant_id = $2",
		available, variantID)
	return err
}

// SetProductAvailability flips the availability flag for a product
func (s *Store) SetProductAvailability(ctx context.Context, productID int64, available bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE products SET available = $1 WHERE id = $2",
		available, productID)
	return err
}

// GetInventory retrieves inventory for a product
func (s *Store) GetInventory(ctx context.Context, productID int64) (*models.InventoryRecord, error) {
	var inv models.InventoryRecord
	err := s.db.GetContext(ctx, &inv, "SELECT * FROM inventory WHERE product_id = $1", productID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("inventory not found for product: %d", productID)
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// ReserveLines places a stock hold for every line of an order in one
// transaction. Rows are locked FOR UPDATE in product-id order; if any line
// is short the whole transaction rolls back and nothing is applied.
// A second call for the same order id is a no-op (the hold already exists).
func (s *Store) ReserveLines(ctx context.Context, orderID int64, lines []models.ReservationLine) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	linesJSON, err := marshalLines(lines)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO order_reservations (order_id, state, lines) VALUES ($1, $2, $3) ON CONFLICT (order_id) DO NOTHING",
		orderID, models.ReservationReserved, linesJSON)
	if err != nil {
		return fmt.Errorf("failed to create reservation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// hold already taken for this order
		return nil
	}

	sorted := sortedLines(lines)
	for _, line := range sorted {
		var inv struct {
			Available int `db:"available"`
			Reserved  int `db:"reserved"`
		}
		err = tx.GetContext(ctx, &inv,
			"SELECT available, reserved FROM inventory WHERE product_id = $1 FOR UPDATE", line.ProductID)
		if err != nil {
			return fmt.Errorf("failed to lock inventory for product %d: %w", line.ProductID, err)
		}

		if inv.Available-inv.Reserved < line.Quantity {
			return fmt.Errorf("product %d: %w", line.ProductID, ErrInsufficientStock)
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE inventory SET reserved = reserved + $1, updated_at = NOW() WHERE product_id = $2",
			line.Quantity, line.ProductID)
		if err != nil {
			return fmt.Errorf("failed to reserve stock for product %d: %w", line.ProductID, err)
		}
	}

	return tx.Commit()
}

// ConfirmReservation converts an order's hold into a permanent deduction.
// Returns applied=false when the hold was already confirmed or released.
func (s *Store) ConfirmReservation(ctx context.Context, orderID int64) ([]models.AppliedLine, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	lines, ok, err := transitionReservation(ctx, tx, orderID, models.ReservationConfirmed)
	if err != nil || !ok {
		return nil, false, err
	}

	applied := make([]models.AppliedLine, 0, len(lines))
	for _, line := range sortedLines(lines) {
		var row struct {
			Available int `db:"available"`
			Threshold int `db:"low_stock_threshold"`
		}
		err = tx.GetContext(ctx, &row, `
			UPDATE inventory
			SET available = available - $1, reserved = reserved - $1, updated_at = NOW()
			WHERE product_id = $2
			RETURNING available, low_stock_threshold`,
			line.Quantity, line.ProductID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to commit stock for product %d: %w", line.ProductID, err)
		}

		applied = append(applied, models.AppliedLine{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Available: row.Available,
			Threshold: row.Threshold,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return applied, true, nil
}

// ReleaseReservation reverses an order's hold without touching available.
// Returns applied=false when the hold was already confirmed or released.
func (s *Store) ReleaseReservation(ctx context.Context, orderID int64) ([]models.ReservationLine, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	lines, ok, err := transitionReservation(ctx, tx, orderID, models.ReservationReleased)
	if err != nil || !ok {
		return nil, false, err
	}

	for _, line := range sortedLines(lines) {
		_, err = tx.ExecContext(ctx,
			"UPDATE inventory SET reserved = reserved - $1, updated_at = NOW() WHERE product_id = $2",
			line.Quantity, line.ProductID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to release stock for product %d: %w", line.ProductID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return lines, true, nil
}

// transitionReservation moves the reservation row out of the reserved state.
// The state guard makes confirm/release idempotent across processes.
func transitionReservation(ctx context.Context, tx *sqlx.Tx, orderID int64, to models.ReservationState) ([]models.ReservationLine, bool, error) {
	var linesJSON []byte
	err := tx.GetContext(ctx, &linesJSON, `
		UPDATE order_reservations
		SET state = $1, updated_at = NOW()
		WHERE order_id = $2 AND state = $3
		RETURNING lines`,
		to, orderID, models.ReservationReserved)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to transition reservation: %w", err)
	}

	lines, err := unmarshalLines(linesJSON)
	if err != nil {
		return nil, false, err
	}
	return lines, true, nil
}

func marshalLines(lines []models.ReservationLine) ([]byte, error) {
	b, err := json.Marshal(lines)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reservation lines: %w", err)
	}
	return b, nil
}

func unmarshalLines(data []byte) ([]models.ReservationLine, error) {
	var lines []models.ReservationLine
	if err := json.Unmarshal(data, &lines); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reservation lines: %w", err)
	}
	return lines, nil
}

func sortedLines(lines []models.ReservationLine) []models.ReservationLine {
	sorted := make([]models.ReservationLine, len(lines))
	copy(sorted, lines)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })
	return sorted
}
