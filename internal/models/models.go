// internal/models/models.go
package models

import (
	"time"
)

// GatewayTier ranks a gateway within the failover chain
type GatewayTier string

const (
	TierPrimary   GatewayTier = "primary"
	TierSecondary GatewayTier = "secondary"
	TierBackup    GatewayTier = "backup"
)

// GatewayStatus is the dispatcher's view of a gateway's availability
type GatewayStatus string

const (
	GatewayOnline  GatewayStatus = "online"
	GatewayOffline GatewayStatus = "offline"
	GatewayError   GatewayStatus = "error"
)

// Valid reports whether s is one of the known statuses
func (s GatewayStatus) Valid() bool {
	switch s {
	case GatewayOnline, GatewayOffline, GatewayError:
		return true
	}
	return false
}

// Gateway represents a configured payment backend
type Gateway struct {
	ID          string        `json:"id" yaml:"id"`
	Name        string        `json:"name" yaml:"name"`
	Tier        GatewayTier   `json:"tier" yaml:"tier"`
	Status      GatewayStatus `json:"status" yaml:"status"`
	Priority    int           `json:"priority" yaml:"priority"`
	MaxRetries  int           `json:"max_retries" yaml:"max_retries"`
	Timeout     time.Duration `json:"timeout" yaml:"-"`
	TimeoutMs   int           `json:"-" yaml:"timeout_ms"`
	Adapter     string        `json:"adapter" yaml:"adapter"`
	BaseURL     string        `json:"base_url,omitempty" yaml:"base_url"`
	SuccessRate float64       `json:"success_rate,omitempty" yaml:"success_rate"`
}

// Payment methods accepted at the till
const (
	MethodCard          = "card"
	MethodCash          = "cash"
	MethodDigitalWallet = "digital_wallet"
	MethodGiftCard      = "gift_card"
	MethodCheck         = "check"
)

// PaymentRequest is one charge attempt as submitted by the checkout flow
type PaymentRequest struct {
	Amount   float64                `json:"amount" validate:"gt=0"`
	Method   string                 `json:"method" validate:"required,oneof=card cash digital_wallet gift_card check"`
	CardType string                 `json:"card_type,omitempty"`
	Customer map[string]interface{} `json:"customer,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// IdempotencyKey is reused on every attempt against one gateway
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// PaymentResponse is the single outcome of a dispatch call
type PaymentResponse struct {
	Success          bool   `json:"success"`
	TransactionID    string `json:"transaction_id,omitempty"`
	ReferenceNumber  string `json:"reference_number,omitempty"`
	Gateway          string `json:"gateway,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
	RetryCount       int    `json:"retry_count"`
	FallbackUsed     bool   `json:"fallback_used"`
}

// ChargeOutcome is what a gateway adapter reports for one attempt
type ChargeOutcome struct {
	Success         bool   `json:"success"`
	TransactionID   string `json:"transaction_id,omitempty"`
	ReferenceNumber string `json:"reference_number,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// LineItem is one cart line of a sale
type LineItem struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name,omitempty"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// OfflineTransaction is a sale recorded on the terminal while disconnected
type OfflineTransaction struct {
	ID            string     `json:"id"`
	Timestamp     time.Time  `json:"timestamp"`
	Items         []LineItem `json:"items"`
	Subtotal      float64    `json:"subtotal"`
	Tax           float64    `json:"tax"`
	Tip           float64    `json:"tip"`
	Discount      float64    `json:"discount"`
	Total         float64    `json:"total"`
	PaymentMethod string     `json:"payment_method"`
	CustomerID    string     `json:"customer_id,omitempty"`
	StoreID       string     `json:"store_id"`
	TerminalID    string     `json:"terminal_id"`
	UserID        string     `json:"user_id"`
	BusinessID    string     `json:"business_id"`
	Synced        bool       `json:"synced"`
	IntegrityHash string     `json:"integrity_hash"`
}

// Order is the ledger write produced from an offline transaction
type Order struct {
	ID             string      `json:"id" db:"id"`
	OrderNumber    string      `json:"order_number" db:"order_number"`
	IdempotencyKey string      `json:"idempotency_key" db:"idempotency_key"`
	StoreID        string      `json:"store_id" db:"store_id"`
	TerminalID     string      `json:"terminal_id" db:"terminal_id"`
	UserID         string      `json:"user_id" db:"user_id"`
	BusinessID     string      `json:"business_id" db:"business_id"`
	CustomerID     string      `json:"customer_id,omitempty" db:"customer_id"`
	Subtotal       float64     `json:"subtotal" db:"subtotal"`
	Tax            float64     `json:"tax" db:"tax"`
	Tip            float64     `json:"tip" db:"tip"`
	Discount       float64     `json:"discount" db:"discount"`
	Total          float64     `json:"total" db:"total"`
	PaymentMethod  string      `json:"payment_method" db:"payment_method"`
	Status         string      `json:"status" db:"status"`
	Source         string      `json:"source" db:"source"`
	Items          []OrderItem `json:"items"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
}

// OrderItem is one line of a ledger order
type OrderItem struct {
	ProductID  string  `json:"product_id" db:"product_id"`
	Quantity   int     `json:"quantity" db:"quantity"`
	UnitPrice  float64 `json:"unit_price" db:"unit_price"`
	TotalPrice float64 `json:"total_price" db:"total_price"`
}

// SyncResult is the aggregate outcome of one reconciliation cycle
type SyncResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Constants for model values
const (
	// Order statuses
	OrderStatusCompleted = "completed"

	// Order sources
	OrderSourceOfflineSync = "offline_sync"

	// Gateway adapters
	AdapterHTTP      = "http"
	AdapterSimulated = "simulated"
)
