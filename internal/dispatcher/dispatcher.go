package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/AnuragDani/pos-terminal/internal/logger"
	"github.com/AnuragDani/pos-terminal/internal/models"
	"github.com/AnuragDani/pos-terminal/internal/processor"
)

var (
	ErrInvalidRequest  = errors.New("invalid payment request")
	ErrGatewayNotFound = errors.New("gateway not found")
	ErrInvalidStatus   = errors.New("invalid gateway status")
)

// NoGatewaysMessage is reported when no gateway is online
const NoGatewaysMessage = "No payment gateways available"

const (
	defaultBaseDelay        = time.Second
	defaultFailureThreshold = 3
	defaultCooldown         = 5 * time.Minute
	maxBackoffExponent      = 16
)

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// StatusListener is told whenever a gateway changes status
type StatusListener func(gatewayID string, status models.GatewayStatus)

// Dispatcher routes charges across the terminal's gateways. It owns the
// gateway table and the failure records; each terminal runs one instance.
type Dispatcher struct {
	charger   processor.Charger
	validate  *validator.Validate
	logger    *logger.Logger
	now       func() time.Time
	sleep     Sleeper
	listener  StatusListener
	baseDelay time.Duration
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	gateways []models.Gateway
	failures map[string]*failureRecord
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

func WithBaseDelay(delay time.Duration) Option {
	return func(d *Dispatcher) { d.baseDelay = delay }
}

func WithFailureThreshold(threshold int) Option {
	return func(d *Dispatcher) {
		if threshold > 0 {
			d.threshold = threshold
		}
	}
}

func WithCooldown(cooldown time.Duration) Option {
	return func(d *Dispatcher) { d.cooldown = cooldown }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithSleeper(sleep Sleeper) Option {
	return func(d *Dispatcher) { d.sleep = sleep }
}

func WithLogger(l *logger.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithStatusListener(listener StatusListener) Option {
	return func(d *Dispatcher) { d.listener = listener }
}

// New creates a dispatcher over the given gateways. The slice is copied and
// ordered by ascending priority, keeping configuration order for ties.
func New(gateways []models.Gateway, charger processor.Charger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		charger:   charger,
		validate:  validator.New(),
		logger:    logger.New("dispatcher"),
		now:       time.Now,
		sleep:     sleepContext,
		baseDelay: defaultBaseDelay,
		threshold: defaultFailureThreshold,
		cooldown:  defaultCooldown,
		gateways:  make([]models.Gateway, len(gateways)),
		failures:  make(map[string]*failureRecord),
	}
	copy(d.gateways, gateways)
	sort.SliceStable(d.gateways, func(i, j int) bool {
		return d.gateways[i].Priority < d.gateways[j].Priority
	})

	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ProcessPayment charges req against the first gateway that accepts it.
// The returned error is non-nil only when req itself is invalid; every
// gateway outcome, including total failure, is reported in the response.
func (d *Dispatcher) ProcessPayment(ctx context.Context, req models.PaymentRequest) (*models.PaymentResponse, error) {
	if err := d.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if processor.ToMinorUnits(req.Amount) < 1 {
		return nil, fmt.Errorf("%w: amount %v rounds to zero cents", ErrInvalidRequest, req.Amount)
	}

	baseKey := req.IdempotencyKey
	if baseKey == "" {
		baseKey = uuid.New().String()
	}

	start := d.now()
	candidates := d.candidates()
	if len(candidates) == 0 {
		d.logger.Warn("No gateways available", "amount", req.Amount, "method", req.Method)
		return &models.PaymentResponse{
			Success:          false,
			ErrorMessage:     NoGatewaysMessage,
			ProcessingTimeMs: d.elapsedMs(start),
		}, nil
	}

	retryCount := 0
	lastError := ""

	for _, gw := range candidates {
		if d.isCircuitOpen(gw.ID) {
			d.logger.Debug("Skipping gateway with open circuit", "gateway", gw.ID)
			continue
		}

		gwReq := req
		gwReq.IdempotencyKey = baseKey + ":" + gw.ID

		for attempt := 0; attempt <= gw.MaxRetries; attempt++ {
			if attempt > 0 {
				if err := d.sleep(ctx, d.backoff(attempt)); err != nil {
					return d.exhausted(start, retryCount, err.Error()), nil
				}
			}

			outcome, err := d.attempt(ctx, gw, gwReq)
			if err == nil && outcome != nil && outcome.Success {
				d.recordSuccess(gw.ID)
				response := &models.PaymentResponse{
					Success:          true,
					TransactionID:    outcome.TransactionID,
					ReferenceNumber:  outcome.ReferenceNumber,
					Gateway:          gw.ID,
					ProcessingTimeMs: d.elapsedMs(start),
					RetryCount:       retryCount,
					FallbackUsed:     gw.Tier != models.TierPrimary,
				}
				if response.FallbackUsed {
					d.logger.Info("Payment succeeded on fallback gateway", "gateway", gw.ID, "tier", gw.Tier, "retries", retryCount)
				} else {
					d.logger.Info("Payment succeeded", "gateway", gw.ID, "retries", retryCount)
				}
				return response, nil
			}

			retryCount++
			lastError = failureMessage(outcome, err)
			d.logger.Warn("Gateway attempt failed",
				"gateway", gw.ID,
				"attempt", attempt+1,
				"retryable", retryable(err),
				"error", lastError)

			opened, changes := d.recordFailure(gw.ID, d.now())
			d.notify(changes)
			if opened {
				d.logger.Warn("Circuit opened", "gateway", gw.ID, "cooldown", d.cooldown)
				break
			}
		}
	}

	if lastError == "" {
		lastError = NoGatewaysMessage
	}
	return d.exhausted(start, retryCount, lastError), nil
}

// ProcessMultiplePayments charges each request in order, one at a time.
// A failed request never stops the batch and approved ones are not reversed.
func (d *Dispatcher) ProcessMultiplePayments(ctx context.Context, reqs []models.PaymentRequest) []*models.PaymentResponse {
	responses := make([]*models.PaymentResponse, 0, len(reqs))
	for i, req := range reqs {
		response, err := d.ProcessPayment(ctx, req)
		if err != nil {
			d.logger.Warn("Split tender request rejected", "index", i, "error", err)
			response = &models.PaymentResponse{
				Success:      false,
				ErrorMessage: err.Error(),
			}
		}
		responses = append(responses, response)
	}
	return responses
}

func (d *Dispatcher) attempt(ctx context.Context, gw models.Gateway, req models.PaymentRequest) (*models.ChargeOutcome, error) {
	if gw.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, gw.Timeout)
		defer cancel()
	}
	return d.charger.AttemptCharge(ctx, gw, req)
}

// candidates returns the online gateways in priority order, after reviving
// any whose cool-down has elapsed.
func (d *Dispatcher) candidates() []models.Gateway {
	d.mu.Lock()
	changes := d.recoverExpired(d.now())
	candidates := make([]models.Gateway, 0, len(d.gateways))
	for _, gw := range d.gateways {
		if gw.Status == models.GatewayOnline {
			candidates = append(candidates, gw)
		}
	}
	d.mu.Unlock()

	d.notify(changes)
	return candidates
}

func (d *Dispatcher) isCircuitOpen(gatewayID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.circuitOpen(gatewayID, d.now())
}

// backoff is the wait before retry number attempt (attempt >= 1)
func (d *Dispatcher) backoff(attempt int) time.Duration {
	if attempt > maxBackoffExponent {
		attempt = maxBackoffExponent
	}
	return d.baseDelay * time.Duration(1<<uint(attempt))
}

func (d *Dispatcher) exhausted(start time.Time, retryCount int, lastError string) *models.PaymentResponse {
	d.logger.Error("All gateways exhausted", "retries", retryCount, "last_error", lastError)
	return &models.PaymentResponse{
		Success:          false,
		ErrorMessage:     lastError,
		ProcessingTimeMs: d.elapsedMs(start),
		RetryCount:       retryCount,
	}
}

func (d *Dispatcher) elapsedMs(start time.Time) int64 {
	return d.now().Sub(start).Milliseconds()
}

func (d *Dispatcher) notify(changes []statusChange) {
	if d.listener == nil {
		return
	}
	for _, change := range changes {
		d.listener(change.gatewayID, change.status)
	}
}

// findLocked returns the gateway with id. Caller holds d.mu.
func (d *Dispatcher) findLocked(gatewayID string) *models.Gateway {
	for i := range d.gateways {
		if d.gateways[i].ID == gatewayID {
			return &d.gateways[i]
		}
	}
	return nil
}

func failureMessage(outcome *models.ChargeOutcome, err error) string {
	if outcome != nil && outcome.ErrorMessage != "" {
		return outcome.ErrorMessage
	}
	if err != nil {
		return err.Error()
	}
	return "payment declined"
}

// retryable reports whether the gateway flagged the failure as transient.
// Errors that are not a *ProcessorError count as transient.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *processor.ProcessorError
	if errors.As(err, &pe) {
		return pe.IsRetryable
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
