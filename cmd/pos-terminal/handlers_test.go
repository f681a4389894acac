package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnuragDani/pos-terminal/internal/config"
	"github.com/AnuragDani/pos-terminal/internal/dispatcher"
	"github.com/AnuragDani/pos-terminal/internal/events"
	"github.com/AnuragDani/pos-terminal/internal/logger"
	"github.com/AnuragDani/pos-terminal/internal/models"
	"github.com/AnuragDani/pos-terminal/internal/offline"
	"github.com/AnuragDani/pos-terminal/internal/reconcile"
)

type fakeCharger struct {
	mu      sync.Mutex
	decline map[string]bool
}

func (c *fakeCharger) AttemptCharge(ctx context.Context, gw models.Gateway, req models.PaymentRequest) (*models.ChargeOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decline[gw.ID] {
		return &models.ChargeOutcome{ErrorCode: "CARD_DECLINED", ErrorMessage: "declined"}, errors.New("declined")
	}
	return &models.ChargeOutcome{Success: true, TransactionID: "txn-" + gw.ID, ReferenceNumber: "REF1"}, nil
}

func (c *fakeCharger) Probe(ctx context.Context, gw models.Gateway) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decline[gw.ID] {
		return errors.New("unreachable")
	}
	return nil
}

type fakeLedger struct {
	online atomic.Bool
	mu     sync.Mutex
	orders []*models.Order
}

func (l *fakeLedger) CreateOrder(ctx context.Context, order *models.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders = append(l.orders, order)
	return nil
}

func (l *fakeLedger) Ping(ctx context.Context) error {
	if l.online.Load() {
		return nil
	}
	return errors.New("connection refused")
}

type testTerminal struct {
	server  *httptest.Server
	charger *fakeCharger
	ledger  *fakeLedger
	store   *offline.Store
}

func newTestTerminal(t *testing.T) *testTerminal {
	t.Helper()

	store, err := offline.Open(filepath.Join(t.TempDir(), "offline.db"), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gateways := []models.Gateway{
		{ID: "gateway1", Name: "Card Terminal", Tier: models.TierPrimary, Status: models.GatewayOnline, Priority: 1, Timeout: time.Second},
		{ID: "gateway2", Name: "Secondary", Tier: models.TierSecondary, Status: models.GatewayOnline, Priority: 2, Timeout: time.Second},
	}
	charger := &fakeCharger{decline: map[string]bool{}}
	d := dispatcher.New(gateways, charger,
		dispatcher.WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }),
		dispatcher.WithLogger(logger.Discard()))

	ledger := &fakeLedger{}
	svc := reconcile.NewService(store, ledger, reconcile.WithLogger(logger.Discard()))
	runner := reconcile.NewRunner(svc, ledger, reconcile.RunnerConfig{}, logger.Discard())

	terminal := &Terminal{
		cfg:        &config.Config{TerminalID: "terminal-9", StoreID: "store-9", BusinessID: "business-9"},
		logger:     logger.Discard(),
		dispatcher: d,
		store:      store,
		ledger:     ledger,
		sync:       svc,
		runner:     runner,
		events:     events.NewEmitter(nil),
	}

	server := httptest.NewServer(terminal.routes())
	t.Cleanup(server.Close)

	return &testTerminal{server: server, charger: charger, ledger: ledger, store: store}
}

func (tt *testTerminal) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, tt.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestProcessPaymentHandler(t *testing.T) {
	tt := newTestTerminal(t)

	resp := tt.do(t, "POST", "/payments", models.PaymentRequest{Amount: 45.00, Method: models.MethodCard})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var payment models.PaymentResponse
	decode(t, resp, &payment)
	assert.True(t, payment.Success)
	assert.Equal(t, "gateway1", payment.Gateway)
	assert.False(t, payment.FallbackUsed)
}

func TestProcessPaymentHandlerFallback(t *testing.T) {
	tt := newTestTerminal(t)
	tt.charger.decline["gateway1"] = true

	resp := tt.do(t, "POST", "/payments", models.PaymentRequest{Amount: 10, Method: models.MethodCard})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var payment models.PaymentResponse
	decode(t, resp, &payment)
	assert.Equal(t, "gateway2", payment.Gateway)
	assert.True(t, payment.FallbackUsed)
	assert.Equal(t, 1, payment.RetryCount)
}

func TestProcessPaymentHandlerDeclined(t *testing.T) {
	tt := newTestTerminal(t)
	tt.charger.decline["gateway1"] = true
	tt.charger.decline["gateway2"] = true

	resp := tt.do(t, "POST", "/payments", models.PaymentRequest{Amount: 10, Method: models.MethodCard})
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	var payment models.PaymentResponse
	decode(t, resp, &payment)
	assert.False(t, payment.Success)
	assert.NotEmpty(t, payment.ErrorMessage)
}

func TestProcessPaymentHandlerInvalid(t *testing.T) {
	tt := newTestTerminal(t)

	resp := tt.do(t, "POST", "/payments", models.PaymentRequest{Amount: 0, Method: models.MethodCard})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errResp ErrorResponse
	decode(t, resp, &errResp)
	assert.Equal(t, "INVALID_REQUEST", errResp.Code)
}

func TestSplitPaymentHandler(t *testing.T) {
	tt := newTestTerminal(t)

	resp := tt.do(t, "POST", "/payments/split", SplitPaymentRequest{
		Payments: []models.PaymentRequest{
			{Amount: 20, Method: models.MethodCard},
			{Amount: -1, Method: models.MethodCash},
			{Amount: 5, Method: models.MethodGiftCard},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var split SplitPaymentResponse
	decode(t, resp, &split)
	require.Len(t, split.Results, 3)
	assert.Equal(t, 2, split.Succeeded)
	assert.Equal(t, 1, split.Failed)
	assert.False(t, split.Results[1].Success)

	resp = tt.do(t, "POST", "/payments/split", SplitPaymentRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOfflineTransactionHandlers(t *testing.T) {
	tt := newTestTerminal(t)

	resp := tt.do(t, "POST", "/offline/transactions", OfflineTransactionRequest{
		OfflineTransaction: models.OfflineTransaction{
			ID:            "tx-1",
			Items:         []models.LineItem{{ProductID: "sku-1", Quantity: 2, UnitPrice: 4.50}},
			Subtotal:      9.00,
			Total:         9.00,
			PaymentMethod: models.MethodCash,
			UserID:        "cashier-1",
		},
		Receipt: "TOTAL 9.00",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var stored models.OfflineTransaction
	decode(t, resp, &stored)
	assert.Equal(t, "terminal-9", stored.TerminalID)
	assert.Equal(t, "store-9", stored.StoreID)
	assert.NotEmpty(t, stored.IntegrityHash)
	assert.False(t, stored.Timestamp.IsZero())

	resp = tt.do(t, "GET", "/offline/transactions/unsynced", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var unsynced struct {
		Transactions []models.OfflineTransaction `json:"transactions"`
		Total        int                         `json:"total"`
	}
	decode(t, resp, &unsynced)
	assert.Equal(t, 1, unsynced.Total)

	resp = tt.do(t, "GET", "/offline/receipts/tx-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "TOTAL 9.00", string(body))

	resp = tt.do(t, "GET", "/offline/receipts/tx-404", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOfflineTransactionRequiresItems(t *testing.T) {
	tt := newTestTerminal(t)

	resp := tt.do(t, "POST", "/offline/transactions", OfflineTransactionRequest{
		OfflineTransaction: models.OfflineTransaction{ID: "tx-1", Total: 1},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOfflineTransactionRejectsPathLikeID(t *testing.T) {
	tt := newTestTerminal(t)

	resp := tt.do(t, "POST", "/offline/transactions", OfflineTransactionRequest{
		OfflineTransaction: models.OfflineTransaction{
			ID:    "../../x",
			Items: []models.LineItem{{ProductID: "sku-1", Quantity: 1, UnitPrice: 3}},
			Total: 3,
		},
		Receipt: "TOTAL 3.00",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, tt.store.PendingCount(context.Background()))
}

func TestSyncHandler(t *testing.T) {
	tt := newTestTerminal(t)
	ctx := context.Background()

	_, err := tt.store.StoreTransaction(ctx, models.OfflineTransaction{
		ID:            "tx-1",
		Timestamp:     time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Items:         []models.LineItem{{ProductID: "sku-1", Quantity: 1, UnitPrice: 3}},
		Total:         3,
		PaymentMethod: models.MethodCash,
		StoreID:       "store-9",
		TerminalID:    "terminal-9",
	})
	require.NoError(t, err)

	resp := tt.do(t, "POST", "/sync", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Len(t, tt.store.GetUnsyncedTransactions(ctx), 1)

	tt.ledger.online.Store(true)
	resp = tt.do(t, "POST", "/sync", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result models.SyncResult
	decode(t, resp, &result)
	assert.Equal(t, models.SyncResult{Success: 1}, result)
	assert.Empty(t, tt.store.GetUnsyncedTransactions(ctx))

	resp = tt.do(t, "GET", "/sync/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status struct {
		Runner  reconcile.RunnerStatus `json:"runner"`
		Pending int                    `json:"pending"`
	}
	decode(t, resp, &status)
	assert.Equal(t, 0, status.Pending)
	require.NotNil(t, status.Runner.Sync.LastResult)
	assert.Equal(t, 1, status.Runner.Sync.LastResult.Success)
}

func TestGatewayHandlers(t *testing.T) {
	tt := newTestTerminal(t)

	resp := tt.do(t, "PUT", "/gateways/gateway1/status", GatewayStatusRequest{Status: "broken"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = tt.do(t, "PUT", "/gateways/gateway7/status", GatewayStatusRequest{Status: models.GatewayOffline})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = tt.do(t, "PUT", "/gateways/gateway1/status", GatewayStatusRequest{Status: models.GatewayOffline})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = tt.do(t, "GET", "/gateways", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Gateways []models.Gateway `json:"gateways"`
		Total    int              `json:"total"`
	}
	decode(t, resp, &list)
	require.Equal(t, 2, list.Total)
	assert.Equal(t, models.GatewayOffline, list.Gateways[0].Status)

	resp = tt.do(t, "POST", "/gateways/gateway1/test", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result dispatcher.GatewayTestResult
	decode(t, resp, &result)
	assert.True(t, result.Success)

	resp = tt.do(t, "POST", "/gateways/nope/test", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = tt.do(t, "GET", "/gateways/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var metrics dispatcher.HealthMetrics
	decode(t, resp, &metrics)
	assert.Equal(t, 2, metrics.OnlineGateways)
}

func TestHealthHandler(t *testing.T) {
	tt := newTestTerminal(t)

	resp := tt.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]interface{}
	decode(t, resp, &health)
	assert.Equal(t, "pos-terminal", health["service"])
	assert.Equal(t, "terminal-9", health["terminal_id"])
	deps := health["dependencies"].(map[string]interface{})
	assert.Equal(t, "unreachable", deps["ledger"])
}
