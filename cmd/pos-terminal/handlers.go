package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/AnuragDani/pos-terminal/internal/dispatcher"
	"github.com/AnuragDani/pos-terminal/internal/models"
	"github.com/AnuragDani/pos-terminal/internal/offline"
	"github.com/AnuragDani/pos-terminal/internal/receipts"
	"github.com/AnuragDani/pos-terminal/internal/reconcile"
)

// ErrorResponse is the body of every non-2xx JSON reply
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type SplitPaymentRequest struct {
	Payments []models.PaymentRequest `json:"payments"`
}

type SplitPaymentResponse struct {
	Results   []*models.PaymentResponse `json:"results"`
	Succeeded int                       `json:"succeeded"`
	Failed    int                       `json:"failed"`
}

// OfflineTransactionRequest is a completed sale plus its rendered receipt
type OfflineTransactionRequest struct {
	models.OfflineTransaction
	Receipt string `json:"receipt,omitempty"`
}

type GatewayStatusRequest struct {
	Status models.GatewayStatus `json:"status"`
}

func (t *Terminal) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", t.healthCheck).Methods("GET")

	if t.hub != nil {
		r.HandleFunc("/ws", t.hub.ServeWs).Methods("GET")
		r.HandleFunc("/ws/stats", t.wsStats).Methods("GET")
	}

	// Payments
	r.HandleFunc("/payments", t.processPayment).Methods("POST")
	r.HandleFunc("/payments/split", t.processSplitPayment).Methods("POST")

	// Gateways
	r.HandleFunc("/gateways", t.listGateways).Methods("GET")
	r.HandleFunc("/gateways/health", t.gatewayHealth).Methods("GET")
	r.HandleFunc("/gateways/{id}/test", t.testGateway).Methods("POST")
	r.HandleFunc("/gateways/{id}/status", t.setGatewayStatus).Methods("PUT")

	// Offline queue
	r.HandleFunc("/offline/transactions", t.storeOfflineTransaction).Methods("POST")
	r.HandleFunc("/offline/transactions/unsynced", t.listUnsynced).Methods("GET")
	r.HandleFunc("/offline/receipts/{id}", t.getReceipt).Methods("GET")

	// Reconciliation
	r.HandleFunc("/sync", t.triggerSync).Methods("POST")
	r.HandleFunc("/sync/status", t.syncStatus).Methods("GET")

	return r
}

func (t *Terminal) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ledgerStatus := "healthy"
	if err := t.ledger.Ping(ctx); err != nil {
		ledgerStatus = "unreachable"
	}

	metrics := t.dispatcher.GetHealthMetrics()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":              "pos-terminal",
		"status":               "healthy",
		"timestamp":            time.Now(),
		"version":              version,
		"terminal_id":          t.cfg.TerminalID,
		"store_id":             t.cfg.StoreID,
		"pending_transactions": t.store.PendingCount(ctx),
		"dependencies": map[string]interface{}{
			"ledger":          ledgerStatus,
			"gateways_online": metrics.OnlineGateways,
			"open_circuits":   metrics.OpenCircuits,
		},
	})
}

func (t *Terminal) wsStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, t.hub.GetStats())
}

// ============== Payments ==============

// processPayment handles POST /payments
func (t *Terminal) processPayment(w http.ResponseWriter, r *http.Request) {
	var req models.PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST")
		return
	}

	resp, err := t.dispatcher.ProcessPayment(r.Context(), req)
	if err != nil {
		if errors.Is(err, dispatcher.ErrInvalidRequest) {
			respondError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
			return
		}
		t.logger.Error("Payment dispatch failed", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to process payment", "INTERNAL_ERROR")
		return
	}

	t.events.PaymentCompleted(req, resp)

	if resp.Success {
		respondJSON(w, http.StatusCreated, resp)
		return
	}
	respondJSON(w, http.StatusPaymentRequired, resp)
}

// processSplitPayment handles POST /payments/split. Payments run in order and
// earlier successes stand when a later one fails.
func (t *Terminal) processSplitPayment(w http.ResponseWriter, r *http.Request) {
	var req SplitPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST")
		return
	}
	if len(req.Payments) == 0 {
		respondError(w, http.StatusBadRequest, "At least one payment is required", "INVALID_REQUEST")
		return
	}

	results := t.dispatcher.ProcessMultiplePayments(r.Context(), req.Payments)

	resp := SplitPaymentResponse{Results: results}
	for i, result := range results {
		t.events.PaymentCompleted(req.Payments[i], result)
		if result.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// ============== Gateways ==============

func (t *Terminal) listGateways(w http.ResponseWriter, r *http.Request) {
	gateways := t.dispatcher.GetGatewayStatuses()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"gateways": gateways,
		"total":    len(gateways),
	})
}

func (t *Terminal) gatewayHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, t.dispatcher.GetHealthMetrics())
}

// testGateway handles POST /gateways/{id}/test
func (t *Terminal) testGateway(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	result, err := t.dispatcher.TestGateway(r.Context(), id)
	if err != nil {
		if errors.Is(err, dispatcher.ErrGatewayNotFound) {
			respondError(w, http.StatusNotFound, "Gateway not found", "NOT_FOUND")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to test gateway", "INTERNAL_ERROR")
		return
	}

	t.events.GatewayTested(result.GatewayID, result.Success, result.ResponseTimeMs, result.Error)
	respondJSON(w, http.StatusOK, result)
}

// setGatewayStatus handles PUT /gateways/{id}/status
func (t *Terminal) setGatewayStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req GatewayStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST")
		return
	}

	if err := t.dispatcher.SetGatewayStatus(id, req.Status); err != nil {
		switch {
		case errors.Is(err, dispatcher.ErrGatewayNotFound):
			respondError(w, http.StatusNotFound, "Gateway not found", "NOT_FOUND")
		case errors.Is(err, dispatcher.ErrInvalidStatus):
			respondError(w, http.StatusBadRequest, err.Error(), "INVALID_STATUS")
		default:
			respondError(w, http.StatusInternalServerError, "Failed to update gateway", "INTERNAL_ERROR")
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"gateway_id": id,
		"status":     req.Status,
	})
}

// ============== Offline queue ==============

// storeOfflineTransaction handles POST /offline/transactions
func (t *Terminal) storeOfflineTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req OfflineTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST")
		return
	}

	tx := req.OfflineTransaction
	if len(tx.Items) == 0 {
		respondError(w, http.StatusBadRequest, "Transaction has no items", "INVALID_REQUEST")
		return
	}
	t.applyTerminalDefaults(&tx)
	if !receipts.ValidTransactionID(tx.ID) {
		respondError(w, http.StatusBadRequest, "Transaction id must not contain path separators", "INVALID_REQUEST")
		return
	}

	stored, err := t.store.StoreTransaction(ctx, tx)
	if err != nil {
		t.logger.Error("Failed to store offline transaction", "id", tx.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to store transaction", "INTERNAL_ERROR")
		return
	}

	if req.Receipt != "" {
		if err := t.store.StoreReceipt(ctx, stored.ID, []byte(req.Receipt)); err != nil {
			t.logger.Warn("Failed to store receipt", "id", stored.ID, "error", err)
		}
	}

	t.events.OfflineStored(stored)
	respondJSON(w, http.StatusCreated, stored)
}

func (t *Terminal) applyTerminalDefaults(tx *models.OfflineTransaction) {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}
	if tx.StoreID == "" {
		tx.StoreID = t.cfg.StoreID
	}
	if tx.TerminalID == "" {
		tx.TerminalID = t.cfg.TerminalID
	}
	if tx.BusinessID == "" {
		tx.BusinessID = t.cfg.BusinessID
	}
	tx.Synced = false
}

func (t *Terminal) listUnsynced(w http.ResponseWriter, r *http.Request) {
	transactions := t.store.GetUnsyncedTransactions(r.Context())
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": transactions,
		"total":        len(transactions),
	})
}

// getReceipt handles GET /offline/receipts/{id}
func (t *Terminal) getReceipt(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	content, err := t.store.GetReceipt(r.Context(), id)
	if err != nil {
		if errors.Is(err, offline.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Receipt not found", "NOT_FOUND")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to load receipt", "INTERNAL_ERROR")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

// ============== Reconciliation ==============

// triggerSync handles POST /sync
func (t *Terminal) triggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := t.syncNow(r.Context())
	if err != nil {
		if errors.Is(err, reconcile.ErrOffline) {
			respondError(w, http.StatusConflict, "Terminal is offline, sync postponed", "OFFLINE")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to sync", "INTERNAL_ERROR")
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (t *Terminal) syncStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"runner":  t.runner.Status(),
		"pending": t.store.PendingCount(r.Context()),
	})
}

// Helper functions

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message, code string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
