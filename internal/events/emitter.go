package events

import (
	"time"

	"github.com/AnuragDani/pos-terminal/internal/models"
	ws "github.com/AnuragDani/pos-terminal/internal/websocket"
)

// Emitter turns terminal activity into cashier-screen events
type Emitter struct {
	hub *ws.Hub
}

// NewEmitter creates a new event emitter. A nil hub makes every call a no-op.
func NewEmitter(hub *ws.Hub) *Emitter {
	return &Emitter{hub: hub}
}

// PaymentCompleted emits the outcome of one dispatch call
func (e *Emitter) PaymentCompleted(req models.PaymentRequest, resp *models.PaymentResponse) {
	if e.hub == nil || resp == nil {
		return
	}

	event := ws.EventPaymentFailed
	if resp.Success {
		event = ws.EventPaymentSucceeded
		if resp.FallbackUsed {
			event = ws.EventFallbackUsed
		}
	}

	e.hub.BroadcastEvent(ws.TypePayment, event, ws.PaymentData{
		TransactionID:   resp.TransactionID,
		ReferenceNumber: resp.ReferenceNumber,
		Amount:          req.Amount,
		Method:          req.Method,
		Gateway:         resp.Gateway,
		RetryCount:      resp.RetryCount,
		FallbackUsed:    resp.FallbackUsed,
		ErrorMessage:    resp.ErrorMessage,
		Duration:        (time.Duration(resp.ProcessingTimeMs) * time.Millisecond).String(),
	})
}

// OfflineStored emits when a sale is queued on the terminal
func (e *Emitter) OfflineStored(tx models.OfflineTransaction) {
	if e.hub == nil {
		return
	}

	e.hub.BroadcastEvent(ws.TypePayment, ws.EventOfflineStored, ws.PaymentData{
		TransactionID: tx.ID,
		Amount:        tx.Total,
		Method:        tx.PaymentMethod,
	})
}

// SyncStarted emits when a drain begins
func (e *Emitter) SyncStarted(trigger string, pending int) {
	if e.hub == nil {
		return
	}

	e.hub.BroadcastEvent(ws.TypeSync, ws.EventSyncStarted, ws.SyncData{
		Pending: pending,
		Online:  true,
		Trigger: trigger,
	})
}

// SyncCompleted emits the counts of a finished drain
func (e *Emitter) SyncCompleted(result models.SyncResult, duration time.Duration) {
	if e.hub == nil {
		return
	}

	e.hub.BroadcastEvent(ws.TypeSync, ws.EventSyncCompleted, ws.SyncData{
		Success:  result.Success,
		Failed:   result.Failed,
		Online:   true,
		Duration: duration.String(),
	})
}

// ConnectivityChanged emits when the terminal goes offline or comes back
func (e *Emitter) ConnectivityChanged(online bool) {
	if e.hub == nil {
		return
	}

	e.hub.BroadcastEvent(ws.TypeSync, ws.EventConnectivity, ws.SyncData{Online: online})
}

// GatewayStatusChanged emits a gateway status transition
func (e *Emitter) GatewayStatusChanged(gatewayID string, status models.GatewayStatus) {
	if e.hub == nil {
		return
	}

	e.hub.BroadcastEvent(ws.TypeGateway, ws.EventGatewayStatusChanged, ws.GatewayData{
		GatewayID: gatewayID,
		Status:    string(status),
	})
}

// GatewayTested emits the result of an operator probe
func (e *Emitter) GatewayTested(gatewayID string, success bool, responseTimeMs int64, errMsg string) {
	if e.hub == nil {
		return
	}

	status := models.GatewayOnline
	if !success {
		status = models.GatewayError
	}
	e.hub.BroadcastEvent(ws.TypeGateway, ws.EventGatewayTested, ws.GatewayData{
		GatewayID:      gatewayID,
		Status:         string(status),
		ResponseTimeMs: responseTimeMs,
		Error:          errMsg,
	})
}
