package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AnuragDani/pos-terminal/internal/logger"
	"github.com/AnuragDani/pos-terminal/internal/models"
	"github.com/AnuragDani/pos-terminal/internal/offline"
)

// ErrIntegrity marks a record whose fingerprint no longer matches its contents
var ErrIntegrity = errors.New("integrity check failed")

// Store is the slice of the offline store the drain needs
type Store interface {
	GetUnsyncedTransactions(ctx context.Context) []models.OfflineTransaction
	MarkTransactionSynced(ctx context.Context, id string) error
}

// Ledger is the remote order ledger
type Ledger interface {
	CreateOrder(ctx context.Context, order *models.Order) error
}

// Notifier receives the summary of a non-empty drain
type Notifier interface {
	SyncCompleted(result models.SyncResult, duration time.Duration)
}

// ReceiptSource looks up the rendered receipt of a transaction
type ReceiptSource interface {
	GetReceipt(ctx context.Context, transactionID string) ([]byte, error)
}

// ReceiptArchiver copies a confirmed sale's receipt off the terminal
type ReceiptArchiver interface {
	Archive(ctx context.Context, transactionID string, content []byte) error
}

const (
	StateIdle     = "idle"
	StateDraining = "draining"
)

// SyncStatus describes the service for the cashier status display
type SyncStatus struct {
	State        string             `json:"state"`
	LastRun      *time.Time         `json:"last_run,omitempty"`
	LastResult   *models.SyncResult `json:"last_result,omitempty"`
	LastDuration string             `json:"last_duration,omitempty"`
}

// Service drains unsynced sales from the terminal into the order ledger
type Service struct {
	store    Store
	ledger   Ledger
	notifier Notifier
	receipts ReceiptSource
	archiver ReceiptArchiver
	logger   *logger.Logger
	now      func() time.Time

	draining atomic.Bool

	mu           sync.RWMutex
	lastRun      *time.Time
	lastResult   *models.SyncResult
	lastDuration time.Duration
}

// Option configures a Service
type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithReceiptArchive copies each confirmed sale's receipt from source to archiver
func WithReceiptArchive(source ReceiptSource, archiver ReceiptArchiver) Option {
	return func(s *Service) {
		s.receipts = source
		s.archiver = archiver
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a reconciliation service
func NewService(store Store, ledger Ledger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		ledger: ledger,
		logger: logger.New("reconcile"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncTransactions runs one drain cycle and reports how many records were
// confirmed and how many were left for the next cycle. A call made while
// another drain is in flight returns a zero result without doing anything.
func (s *Service) SyncTransactions(ctx context.Context) models.SyncResult {
	if !s.draining.CompareAndSwap(false, true) {
		s.logger.Debug("Sync already in progress, skipping")
		return models.SyncResult{}
	}
	defer s.draining.Store(false)

	start := s.now()
	var result models.SyncResult

	pending := s.store.GetUnsyncedTransactions(ctx)
	if len(pending) == 0 {
		s.record(start, result)
		return result
	}

	s.logger.Info("Sync started", "pending", len(pending))

	for _, tx := range pending {
		if err := s.syncOne(ctx, tx); err != nil {
			result.Failed++
			s.logger.Warn("Transaction not synced", "id", tx.ID, "error", err)
			continue
		}
		result.Success++
	}

	duration := s.record(start, result)
	s.logger.Info("Sync completed",
		"success", result.Success,
		"failed", result.Failed,
		"duration", duration)

	if s.notifier != nil && result.Success+result.Failed > 0 {
		s.notifier.SyncCompleted(result, duration)
	}

	return result
}

// syncOne validates, submits and confirms one record
func (s *Service) syncOne(ctx context.Context, tx models.OfflineTransaction) error {
	if !offline.ValidateIntegrity(tx) {
		return fmt.Errorf("%w for transaction %s", ErrIntegrity, tx.ID)
	}

	order := BuildOrder(tx)
	if err := s.ledger.CreateOrder(ctx, order); err != nil {
		return fmt.Errorf("ledger rejected order %s: %w", order.OrderNumber, err)
	}

	if err := s.store.MarkTransactionSynced(ctx, tx.ID); err != nil && !errors.Is(err, offline.ErrNotFound) {
		return fmt.Errorf("failed to confirm transaction %s: %w", tx.ID, err)
	}

	s.archiveReceipt(ctx, tx.ID)
	return nil
}

func (s *Service) archiveReceipt(ctx context.Context, transactionID string) {
	if s.receipts == nil || s.archiver == nil {
		return
	}

	content, err := s.receipts.GetReceipt(ctx, transactionID)
	if errors.Is(err, offline.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("Failed to load receipt", "id", transactionID, "error", err)
		return
	}

	if err := s.archiver.Archive(ctx, transactionID, content); err != nil {
		s.logger.Warn("Failed to archive receipt", "id", transactionID, "error", err)
	}
}

func (s *Service) record(start time.Time, result models.SyncResult) time.Duration {
	duration := s.now().Sub(start)

	s.mu.Lock()
	s.lastRun = &start
	s.lastResult = &result
	s.lastDuration = duration
	s.mu.Unlock()

	return duration
}

// Draining reports whether a drain is in flight
func (s *Service) Draining() bool {
	return s.draining.Load()
}

// Status returns the current state and the outcome of the last drain
func (s *Service) Status() SyncStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SyncStatus{
		State:      StateIdle,
		LastRun:    s.lastRun,
		LastResult: s.lastResult,
	}
	if s.draining.Load() {
		status.State = StateDraining
	}
	if s.lastRun != nil {
		status.LastDuration = s.lastDuration.String()
	}
	return status
}

// BuildOrder converts a queued sale into the ledger's order write. Every
// identifier is derived from the transaction so a replay produces the same
// order.
func BuildOrder(tx models.OfflineTransaction) *models.Order {
	items := make([]models.OrderItem, 0, len(tx.Items))
	for _, item := range tx.Items {
		items = append(items, models.OrderItem{
			ProductID:  item.ProductID,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			TotalPrice: roundCents(float64(item.Quantity) * item.UnitPrice),
		})
	}

	return &models.Order{
		ID:             uuid.NewSHA1(uuid.NameSpaceOID, []byte(tx.ID)).String(),
		OrderNumber:    OrderNumber(tx),
		IdempotencyKey: tx.ID,
		StoreID:        tx.StoreID,
		TerminalID:     tx.TerminalID,
		UserID:         tx.UserID,
		BusinessID:     tx.BusinessID,
		CustomerID:     tx.CustomerID,
		Subtotal:       tx.Subtotal,
		Tax:            tx.Tax,
		Tip:            tx.Tip,
		Discount:       tx.Discount,
		Total:          tx.Total,
		PaymentMethod:  tx.PaymentMethod,
		Status:         models.OrderStatusCompleted,
		Source:         models.OrderSourceOfflineSync,
		Items:          items,
		CreatedAt:      tx.Timestamp,
	}
}

// OrderNumber is OFF-<sale time>-<suffix>, where the suffix comes from the
// transaction's random id rather than fresh randomness.
func OrderNumber(tx models.OfflineTransaction) string {
	sum := sha256.Sum256([]byte(tx.ID))
	return fmt.Sprintf("OFF-%s-%s", tx.Timestamp.UTC().Format("20060102150405"), hex.EncodeToString(sum[:4]))
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
