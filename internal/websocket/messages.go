package websocket

import (
	"encoding/json"
	"time"
)

// Message types for WebSocket events
const (
	TypePayment   = "payment"
	TypeSync      = "sync"
	TypeGateway   = "gateway"
	TypeHealth    = "health"
	TypeHeartbeat = "heartbeat"
)

// Payment events
const (
	EventPaymentSucceeded = "payment_succeeded"
	EventPaymentFailed    = "payment_failed"
	EventFallbackUsed     = "fallback_used"
	EventOfflineStored    = "offline_stored"
)

// Sync events
const (
	EventSyncStarted   = "sync_started"
	EventSyncCompleted = "sync_completed"
	EventConnectivity  = "connectivity_changed"
)

// Gateway events
const (
	EventGatewayStatusChanged = "status_changed"
	EventGatewayTested        = "tested"
)

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType, event string, data interface{}) *Message {
	return &Message{
		Type:      msgType,
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// ToJSON serializes the message to JSON bytes
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// PaymentData is shown on the cashier screen after a charge
type PaymentData struct {
	TransactionID   string  `json:"transaction_id,omitempty"`
	ReferenceNumber string  `json:"reference_number,omitempty"`
	Amount          float64 `json:"amount"`
	Method          string  `json:"method"`
	Gateway         string  `json:"gateway,omitempty"`
	RetryCount      int     `json:"retry_count"`
	FallbackUsed    bool    `json:"fallback_used"`
	ErrorMessage    string  `json:"error_message,omitempty"`
	Duration        string  `json:"duration,omitempty"`
}

// SyncData summarizes a reconciliation cycle
type SyncData struct {
	Success  int    `json:"success"`
	Failed   int    `json:"failed"`
	Pending  int    `json:"pending"`
	Online   bool   `json:"online"`
	Trigger  string `json:"trigger,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// GatewayData reports a gateway status change or probe
type GatewayData struct {
	GatewayID      string `json:"gateway_id"`
	Status         string `json:"status"`
	ResponseTimeMs int64  `json:"response_time_ms,omitempty"`
	Error          string `json:"error,omitempty"`
}

// HeartbeatData represents heartbeat data
type HeartbeatData struct {
	ServerTime  time.Time `json:"server_time"`
	ClientCount int       `json:"client_count"`
}
