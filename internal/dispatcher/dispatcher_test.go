package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnuragDani/pos-terminal/internal/logger"
	"github.com/AnuragDani/pos-terminal/internal/models"
	"github.com/AnuragDani/pos-terminal/internal/processor"
)

// scriptedCharger replays a per-gateway list of outcomes, then falls back
// to a fixed result once the script runs out.
type scriptedCharger struct {
	mu       sync.Mutex
	scripts  map[string][]bool
	fallback map[string]bool
	probes   map[string]error
	calls    []string
	keys     map[string][]string
}

func newScriptedCharger() *scriptedCharger {
	return &scriptedCharger{
		scripts:  make(map[string][]bool),
		fallback: make(map[string]bool),
		probes:   make(map[string]error),
		keys:     make(map[string][]string),
	}
}

func (c *scriptedCharger) AttemptCharge(ctx context.Context, gw models.Gateway, req models.PaymentRequest) (*models.ChargeOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, gw.ID)
	c.keys[gw.ID] = append(c.keys[gw.ID], req.IdempotencyKey)

	ok := c.fallback[gw.ID]
	if script := c.scripts[gw.ID]; len(script) > 0 {
		ok = script[0]
		c.scripts[gw.ID] = script[1:]
	}

	if !ok {
		return &models.ChargeOutcome{Success: false, ErrorMessage: gw.ID + " declined"}, errors.New("declined")
	}
	return &models.ChargeOutcome{Success: true, TransactionID: "txn-" + gw.ID, ReferenceNumber: "REF-" + gw.ID}, nil
}

func (c *scriptedCharger) Probe(ctx context.Context, gw models.Gateway) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probes[gw.ID]
}

func (c *scriptedCharger) callLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func threeGateways() []models.Gateway {
	return []models.Gateway{
		{ID: "gateway1", Tier: models.TierPrimary, Status: models.GatewayOnline, Priority: 1, MaxRetries: 2, Timeout: time.Second},
		{ID: "gateway2", Tier: models.TierSecondary, Status: models.GatewayOnline, Priority: 2, MaxRetries: 2, Timeout: time.Second},
		{ID: "gateway3", Tier: models.TierBackup, Status: models.GatewayOnline, Priority: 3, MaxRetries: 1, Timeout: time.Second},
	}
}

func newTestDispatcher(gateways []models.Gateway, charger *scriptedCharger, opts ...Option) (*Dispatcher, *fakeClock, *recordingSleeper) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	sleeper := &recordingSleeper{}
	base := []Option{
		WithClock(clock.Now),
		WithSleeper(sleeper.Sleep),
		WithLogger(logger.Discard()),
	}
	return New(gateways, charger, append(base, opts...)...), clock, sleeper
}

var cardPayment = models.PaymentRequest{Amount: 45.00, Method: models.MethodCard, CardType: "visa"}

func TestPrimarySucceedsAfterRetries(t *testing.T) {
	charger := newScriptedCharger()
	charger.scripts["gateway1"] = []bool{false, false, true}
	d, _, sleeper := newTestDispatcher(threeGateways(), charger)

	resp, err := d.ProcessPayment(context.Background(), cardPayment)
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, "gateway1", resp.Gateway)
	assert.False(t, resp.FallbackUsed)
	assert.Equal(t, 2, resp.RetryCount)
	assert.Equal(t, "txn-gateway1", resp.TransactionID)
	assert.Equal(t, []string{"gateway1", "gateway1", "gateway1"}, charger.callLog())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeper.waits)

	metrics := d.GetHealthMetrics()
	assert.Equal(t, 0, metrics.TotalFailures)
}

func TestOpenCircuitIsSkipped(t *testing.T) {
	charger := newScriptedCharger()
	charger.fallback["gateway2"] = true
	d, _, _ := newTestDispatcher(threeGateways(), charger)

	// gateway1 always declines, so its third failure opens the circuit
	first, err := d.ProcessPayment(context.Background(), cardPayment)
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Equal(t, "gateway2", first.Gateway)
	assert.Equal(t, 3, first.RetryCount)

	statuses := d.GetGatewayStatuses()
	assert.Equal(t, models.GatewayError, statuses[0].Status)

	charger.calls = nil
	resp, err := d.ProcessPayment(context.Background(), cardPayment)
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, "gateway2", resp.Gateway)
	assert.True(t, resp.FallbackUsed)
	assert.Equal(t, 0, resp.RetryCount)
	assert.Equal(t, []string{"gateway2"}, charger.callLog())

	metrics := d.GetHealthMetrics()
	assert.True(t, metrics.Gateways[0].CircuitOpen)
	assert.Equal(t, 3, metrics.Gateways[0].FailureCount)
	assert.Equal(t, 1, metrics.OpenCircuits)
}

func TestOpenCircuitSkippedEvenWhenOnline(t *testing.T) {
	charger := newScriptedCharger()
	charger.fallback["gateway2"] = true
	d, _, _ := newTestDispatcher(threeGateways(), charger)

	d.mu.Lock()
	d.tripLocked("gateway1", d.now())
	d.mu.Unlock()

	resp, err := d.ProcessPayment(context.Background(), cardPayment)
	require.NoError(t, err)
	assert.Equal(t, "gateway2", resp.Gateway)
	assert.True(t, resp.FallbackUsed)
	assert.NotContains(t, charger.callLog(), "gateway1")
}

func TestNoGatewaysAvailable(t *testing.T) {
	charger := newScriptedCharger()
	d, _, _ := newTestDispatcher(threeGateways(), charger)

	require.NoError(t, d.SetGatewayStatus("gateway1", models.GatewayOffline))
	require.NoError(t, d.SetGatewayStatus("gateway2", models.GatewayError))
	require.NoError(t, d.SetGatewayStatus("gateway3", models.GatewayOffline))

	resp, err := d.ProcessPayment(context.Background(), cardPayment)
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.Equal(t, NoGatewaysMessage, resp.ErrorMessage)
	assert.Equal(t, 0, resp.RetryCount)
	assert.Empty(t, charger.callLog())
}

func TestPriorityOrder(t *testing.T) {
	gateways := []models.Gateway{
		{ID: "c", Tier: models.TierBackup, Status: models.GatewayOnline, Priority: 3},
		{ID: "a", Tier: models.TierPrimary, Status: models.GatewayOnline, Priority: 1},
		{ID: "b1", Tier: models.TierSecondary, Status: models.GatewayOnline, Priority: 2},
		{ID: "b2", Tier: models.TierSecondary, Status: models.GatewayOnline, Priority: 2},
		{ID: "down", Tier: models.TierPrimary, Status: models.GatewayOffline, Priority: 0},
	}
	charger := newScriptedCharger()
	d, _, _ := newTestDispatcher(gateways, charger)

	resp, err := d.ProcessPayment(context.Background(), cardPayment)
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.Equal(t, []string{"a", "b1", "b2", "c"}, charger.callLog())
	assert.Equal(t, 4, resp.RetryCount)
	assert.Equal(t, "c declined", resp.ErrorMessage)
}

func TestRetryBound(t *testing.T) {
	gateways := []models.Gateway{
		{ID: "a", Tier: models.TierPrimary, Status: models.GatewayOnline, Priority: 1, MaxRetries: 4},
		{ID: "b", Tier: models.TierSecondary, Status: models.GatewayOnline, Priority: 2, MaxRetries: 0},
	}
	charger := newScriptedCharger()
	d, _, sleeper := newTestDispatcher(gateways, charger,
		WithFailureThreshold(100),
		WithBaseDelay(10*time.Millisecond))

	resp, err := d.ProcessPayment(context.Background(), cardPayment)
	require.NoError(t, err)

	counts := map[string]int{}
	for _, id := range charger.callLog() {
		counts[id]++
	}
	assert.Equal(t, 5, counts["a"])
	assert.Equal(t, 1, counts["b"])
	assert.Equal(t, 6, resp.RetryCount)
	assert.Equal(t, []time.Duration{
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
		160 * time.Millisecond,
	}, sleeper.waits)
}

func TestCircuitHalfOpenAfterCooldown(t *testing.T) {
	gateways := []models.Gateway{
		{ID: "solo", Tier: models.TierPrimary, Status: models.GatewayOnline, Priority: 1, MaxRetries: 0},
	}
	charger := newScriptedCharger()
	d, clock, _ := newTestDispatcher(gateways, charger)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		resp, err := d.ProcessPayment(ctx, cardPayment)
		require.NoError(t, err)
		assert.False(t, resp.Success)
	}
	assert.Equal(t, models.GatewayError, d.GetGatewayStatuses()[0].Status)

	resp, _ := d.ProcessPayment(ctx, cardPayment)
	assert.Equal(t, NoGatewaysMessage, resp.ErrorMessage)
	assert.Len(t, charger.callLog(), 3)

	// cool-down elapses: one more failure reopens straight away
	clock.Advance(5*time.Minute + time.Second)
	resp, _ = d.ProcessPayment(ctx, cardPayment)
	assert.False(t, resp.Success)
	assert.Len(t, charger.callLog(), 4)
	assert.Equal(t, models.GatewayError, d.GetGatewayStatuses()[0].Status)
	assert.True(t, d.GetHealthMetrics().Gateways[0].CircuitOpen)

	clock.Advance(time.Minute)
	resp, _ = d.ProcessPayment(ctx, cardPayment)
	assert.Equal(t, NoGatewaysMessage, resp.ErrorMessage)

	// next expiry, and this time the gateway recovers
	clock.Advance(5 * time.Minute)
	charger.fallback["solo"] = true
	resp, _ = d.ProcessPayment(ctx, cardPayment)
	assert.True(t, resp.Success)

	metrics := d.GetHealthMetrics()
	assert.Equal(t, 0, metrics.Gateways[0].FailureCount)
	assert.False(t, metrics.Gateways[0].CircuitOpen)
	assert.Equal(t, models.GatewayOnline, metrics.Gateways[0].Status)
}

func TestSuccessClearsFailureCount(t *testing.T) {
	gateways := []models.Gateway{
		{ID: "solo", Tier: models.TierPrimary, Status: models.GatewayOnline, Priority: 1, MaxRetries: 0},
	}
	charger := newScriptedCharger()
	charger.scripts["solo"] = []bool{false, false, true, false, false}
	d, _, _ := newTestDispatcher(gateways, charger)
	ctx := context.Background()

	d.ProcessPayment(ctx, cardPayment)
	d.ProcessPayment(ctx, cardPayment)
	assert.Equal(t, 2, d.GetHealthMetrics().TotalFailures)

	resp, _ := d.ProcessPayment(ctx, cardPayment)
	assert.True(t, resp.Success)
	assert.Equal(t, 0, d.GetHealthMetrics().TotalFailures)

	// two more failures do not reach the threshold from a clean slate
	d.ProcessPayment(ctx, cardPayment)
	d.ProcessPayment(ctx, cardPayment)
	assert.Equal(t, models.GatewayOnline, d.GetGatewayStatuses()[0].Status)
}

func TestAttemptTimeoutCountsAsDecline(t *testing.T) {
	gateways := []models.Gateway{
		{ID: "slow", Tier: models.TierPrimary, Status: models.GatewayOnline, Priority: 1, Timeout: 20 * time.Millisecond},
	}
	d := New(gateways, blockingCharger{}, WithLogger(logger.Discard()))

	resp, err := d.ProcessPayment(context.Background(), cardPayment)
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.Equal(t, 1, resp.RetryCount)
	assert.Contains(t, resp.ErrorMessage, "deadline exceeded")
	assert.Equal(t, 1, d.GetHealthMetrics().TotalFailures)
}

type blockingCharger struct{}

func (blockingCharger) AttemptCharge(ctx context.Context, gw models.Gateway, req models.PaymentRequest) (*models.ChargeOutcome, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingCharger) Probe(ctx context.Context, gw models.Gateway) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestInvalidRequest(t *testing.T) {
	d, _, _ := newTestDispatcher(threeGateways(), newScriptedCharger())

	tests := []struct {
		name string
		req  models.PaymentRequest
	}{
		{"Zero amount", models.PaymentRequest{Amount: 0, Method: models.MethodCash}},
		{"Negative amount", models.PaymentRequest{Amount: -5, Method: models.MethodCash}},
		{"Missing method", models.PaymentRequest{Amount: 5}},
		{"Unknown method", models.PaymentRequest{Amount: 5, Method: "barter"}},
		{"Rounds to zero cents", models.PaymentRequest{Amount: 0.004, Method: models.MethodCash}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.ProcessPayment(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestIdempotencyKeyStablePerGateway(t *testing.T) {
	charger := newScriptedCharger()
	charger.fallback["gateway2"] = true
	d, _, _ := newTestDispatcher(threeGateways(), charger)

	resp, err := d.ProcessPayment(context.Background(), cardPayment)
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, "gateway2", resp.Gateway)

	primary := charger.keys["gateway1"]
	require.Len(t, primary, 3)
	assert.NotEmpty(t, primary[0])
	assert.Equal(t, primary[0], primary[1])
	assert.Equal(t, primary[0], primary[2])

	secondary := charger.keys["gateway2"]
	require.Len(t, secondary, 1)
	assert.NotEqual(t, primary[0], secondary[0])

	// A new payment gets a new key
	charger.fallback["gateway1"] = true
	d2, _, _ := newTestDispatcher(threeGateways(), charger)
	_, err = d2.ProcessPayment(context.Background(), cardPayment)
	require.NoError(t, err)
	assert.NotEqual(t, primary[0], charger.keys["gateway1"][3])
}

func TestIdempotencyKeyFromCaller(t *testing.T) {
	charger := newScriptedCharger()
	charger.fallback["gateway1"] = true
	d, _, _ := newTestDispatcher(threeGateways(), charger)

	req := cardPayment
	req.IdempotencyKey = "sale-42"
	_, err := d.ProcessPayment(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"sale-42:gateway1"}, charger.keys["gateway1"])
}

func TestRetryAfterGatewayTimeoutReusesKey(t *testing.T) {
	var mu sync.Mutex
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req processor.ChargeRequest
		json.NewDecoder(r.Body).Decode(&req)

		mu.Lock()
		keys = append(keys, req.IdempotencyKey)
		first := len(keys) == 1
		mu.Unlock()

		if first {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		json.NewEncoder(w).Encode(processor.ChargeResponse{Success: true, TransactionID: "txn-1"})
	}))
	defer srv.Close()

	registry := processor.NewRegistry()
	registry.Register("gateway1", processor.NewClient("gateway1", srv.URL, time.Second))

	gateways := []models.Gateway{
		{ID: "gateway1", Tier: models.TierPrimary, Status: models.GatewayOnline, Priority: 1, MaxRetries: 2, Timeout: time.Second},
	}
	d := New(gateways, registry,
		WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }),
		WithLogger(logger.Discard()))

	resp, err := d.ProcessPayment(context.Background(), cardPayment)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.RetryCount)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1])
}

func TestRetryable(t *testing.T) {
	assert.False(t, retryable(nil))
	assert.True(t, retryable(errors.New("connection reset")))
	assert.True(t, retryable(&processor.ProcessorError{Code: "GATEWAY_TIMEOUT", IsRetryable: true}))
	assert.False(t, retryable(&processor.ProcessorError{Code: "CARD_DECLINED"}))
}

func TestProcessMultiplePaymentsPartialFailure(t *testing.T) {
	gateways := []models.Gateway{
		{ID: "solo", Tier: models.TierPrimary, Status: models.GatewayOnline, Priority: 1, MaxRetries: 0},
	}
	charger := newScriptedCharger()
	charger.scripts["solo"] = []bool{true, false, true}
	d, _, _ := newTestDispatcher(gateways, charger)

	responses := d.ProcessMultiplePayments(context.Background(), []models.PaymentRequest{
		{Amount: 20, Method: models.MethodCard},
		{Amount: 15, Method: models.MethodGiftCard},
		{Amount: 10, Method: models.MethodCash},
		{Amount: 0, Method: models.MethodCash},
	})

	require.Len(t, responses, 4)
	assert.True(t, responses[0].Success)
	assert.False(t, responses[1].Success)
	assert.Equal(t, "solo declined", responses[1].ErrorMessage)
	assert.True(t, responses[2].Success)
	assert.False(t, responses[3].Success)
	assert.Contains(t, responses[3].ErrorMessage, ErrInvalidRequest.Error())
	assert.Len(t, charger.callLog(), 3)
}

func TestTestGateway(t *testing.T) {
	charger := newScriptedCharger()
	charger.probes["gateway2"] = errors.New("connection refused")
	d, clock, _ := newTestDispatcher(threeGateways(), charger)
	ctx := context.Background()

	result, err := d.TestGateway(ctx, "gateway2")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "connection refused", result.Error)
	assert.Equal(t, models.GatewayError, d.GetGatewayStatuses()[1].Status)
	assert.True(t, d.GetHealthMetrics().Gateways[1].CircuitOpen)

	// the tripped circuit heals like any other after the cool-down
	clock.Advance(6 * time.Minute)
	charger.fallback["gateway1"] = true
	d.ProcessPayment(ctx, cardPayment)
	assert.Equal(t, models.GatewayOnline, d.GetGatewayStatuses()[1].Status)

	require.NoError(t, d.SetGatewayStatus("gateway2", models.GatewayError))
	delete(charger.probes, "gateway2")
	result, err = d.TestGateway(ctx, "gateway2")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.Error)
	assert.Equal(t, models.GatewayOnline, d.GetGatewayStatuses()[1].Status)
	assert.Equal(t, 0, d.GetHealthMetrics().Gateways[1].FailureCount)

	_, err = d.TestGateway(ctx, "nope")
	assert.ErrorIs(t, err, ErrGatewayNotFound)
}

func TestSetGatewayStatus(t *testing.T) {
	charger := newScriptedCharger()
	var changes []string
	d, _, _ := newTestDispatcher(threeGateways(), charger,
		WithStatusListener(func(id string, status models.GatewayStatus) {
			changes = append(changes, id+":"+string(status))
		}))

	d.ProcessPayment(context.Background(), cardPayment)
	assert.Equal(t, models.GatewayError, d.GetGatewayStatuses()[0].Status)

	require.NoError(t, d.SetGatewayStatus("gateway1", models.GatewayOnline))
	metrics := d.GetHealthMetrics()
	assert.Equal(t, 0, metrics.Gateways[0].FailureCount)
	assert.Nil(t, metrics.Gateways[0].LastFailure)

	assert.ErrorIs(t, d.SetGatewayStatus("missing", models.GatewayOnline), ErrGatewayNotFound)
	assert.ErrorIs(t, d.SetGatewayStatus("gateway1", "sleeping"), ErrInvalidStatus)

	assert.Contains(t, changes, "gateway1:error")
	assert.Contains(t, changes, "gateway1:online")
}

func TestGetGatewayStatusesReturnsCopy(t *testing.T) {
	d, _, _ := newTestDispatcher(threeGateways(), newScriptedCharger())

	statuses := d.GetGatewayStatuses()
	statuses[0].Status = models.GatewayOffline

	assert.Equal(t, models.GatewayOnline, d.GetGatewayStatuses()[0].Status)
}

func TestCancelledContextDuringBackoff(t *testing.T) {
	charger := newScriptedCharger()
	d, _, _ := newTestDispatcher(threeGateways(), charger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := d.ProcessPayment(ctx, cardPayment)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, 1, resp.RetryCount)
	assert.Equal(t, context.Canceled.Error(), resp.ErrorMessage)
}
