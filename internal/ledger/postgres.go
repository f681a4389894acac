package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AnuragDani/pos-terminal/internal/cache"
	"github.com/AnuragDani/pos-terminal/internal/database"
	"github.com/AnuragDani/pos-terminal/internal/logger"
	"github.com/AnuragDani/pos-terminal/internal/models"
)

const idempotencyTTL = 24 * time.Hour

// Postgres writes orders straight into the back-office database
type Postgres struct {
	db     *database.DB
	cache  *cache.Client
	logger *logger.Logger
}

// NewPostgres creates a Postgres ledger. idempotency may be nil, in which
// case duplicates are caught by the order_number constraint alone.
func NewPostgres(db *database.DB, idempotency *cache.Client, log *logger.Logger) *Postgres {
	if log == nil {
		log = logger.New("ledger")
	}
	return &Postgres{
		db:     db,
		cache:  idempotency,
		logger: log,
	}
}

// EnsureSchema creates the orders tables if they don't exist
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS orders (
			id UUID PRIMARY KEY,
			order_number VARCHAR(64) NOT NULL UNIQUE,
			idempotency_key VARCHAR(255) NOT NULL,
			store_id VARCHAR(100) NOT NULL,
			terminal_id VARCHAR(100) NOT NULL,
			user_id VARCHAR(100),
			business_id VARCHAR(100),
			customer_id VARCHAR(100),
			subtotal NUMERIC(12,2) NOT NULL DEFAULT 0,
			tax NUMERIC(12,2) NOT NULL DEFAULT 0,
			tip NUMERIC(12,2) NOT NULL DEFAULT 0,
			discount NUMERIC(12,2) NOT NULL DEFAULT 0,
			total NUMERIC(12,2) NOT NULL,
			payment_method VARCHAR(50) NOT NULL,
			status VARCHAR(50) NOT NULL DEFAULT 'completed',
			source VARCHAR(50) NOT NULL DEFAULT 'offline_sync',
			created_at TIMESTAMP NOT NULL,
			received_at TIMESTAMP NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_idempotency_key ON orders(idempotency_key);
		CREATE INDEX IF NOT EXISTS idx_orders_store_created ON orders(store_id, created_at);

		CREATE TABLE IF NOT EXISTS order_items (
			id BIGSERIAL PRIMARY KEY,
			order_id UUID NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			product_id VARCHAR(100) NOT NULL,
			quantity INT NOT NULL,
			unit_price NUMERIC(12,2) NOT NULL,
			total_price NUMERIC(12,2) NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items(order_id);
	`

	if _, err := p.db.Conn.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create orders tables: %w", err)
	}
	return nil
}

// CreateOrder writes the order header and its lines in one transaction.
// Replaying an order that is already recorded succeeds without a second row.
func (p *Postgres) CreateOrder(ctx context.Context, order *models.Order) error {
	key := idempotencyKey(order)
	if p.cache != nil {
		if seen, err := p.cache.Exists(ctx, key); err == nil && seen {
			p.logger.Info("Order already recorded", "order_number", order.OrderNumber, "source", "cache")
			return nil
		}
	}

	duplicate := false
	err := p.db.WithTx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, `
			INSERT INTO orders (
				id, order_number, idempotency_key, store_id, terminal_id, user_id,
				business_id, customer_id, subtotal, tax, tip, discount, total,
				payment_method, status, source, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			ON CONFLICT DO NOTHING
			RETURNING id`,
			order.ID, order.OrderNumber, order.IdempotencyKey, order.StoreID, order.TerminalID,
			nullString(order.UserID), nullString(order.BusinessID), nullString(order.CustomerID),
			order.Subtotal, order.Tax, order.Tip, order.Discount, order.Total,
			order.PaymentMethod, order.Status, order.Source, order.CreatedAt,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			duplicate = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to insert order %s: %w", order.OrderNumber, err)
		}

		for _, item := range order.Items {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (order_id, product_id, quantity, unit_price, total_price)
				VALUES ($1, $2, $3, $4, $5)`,
				id, item.ProductID, item.Quantity, item.UnitPrice, item.TotalPrice)
			if err != nil {
				return fmt.Errorf("failed to insert order item %s: %w", item.ProductID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if duplicate {
		p.logger.Info("Order already recorded", "order_number", order.OrderNumber, "source", "database")
	} else {
		p.logger.Info("Order created", "order_number", order.OrderNumber, "items", len(order.Items), "total", order.Total)
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, key, order.OrderNumber, idempotencyTTL); err != nil {
			p.logger.Warn("Failed to cache idempotency marker", "order_number", order.OrderNumber, "error", err)
		}
	}
	return nil
}

// Ping reports whether the ledger database is reachable
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func idempotencyKey(order *models.Order) string {
	return "order:" + order.IdempotencyKey
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
