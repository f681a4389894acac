package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/AnuragDani/pos-terminal/internal/models"
)

// GatewayTestResult is the outcome of an out-of-band gateway probe
type GatewayTestResult struct {
	GatewayID      string `json:"gateway_id"`
	Success        bool   `json:"success"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	Error          string `json:"error,omitempty"`
}

// GatewayHealth is the failure bookkeeping for one gateway
type GatewayHealth struct {
	GatewayID    string               `json:"gateway_id"`
	Status       models.GatewayStatus `json:"status"`
	FailureCount int                  `json:"failure_count"`
	LastFailure  *time.Time           `json:"last_failure,omitempty"`
	CircuitOpen  bool                 `json:"circuit_open"`
	HalfOpen     bool                 `json:"half_open"`
}

// HealthMetrics summarizes every gateway's failure state
type HealthMetrics struct {
	Gateways       []GatewayHealth `json:"gateways"`
	TotalFailures  int             `json:"total_failures"`
	OnlineGateways int             `json:"online_gateways"`
	OpenCircuits   int             `json:"open_circuits"`
}

// GetGatewayStatuses returns a copy of the gateway table in priority order
func (d *Dispatcher) GetGatewayStatuses() []models.Gateway {
	d.mu.Lock()
	defer d.mu.Unlock()

	gateways := make([]models.Gateway, len(d.gateways))
	copy(gateways, d.gateways)
	return gateways
}

func (d *Dispatcher) GetHealthMetrics() HealthMetrics {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	metrics := HealthMetrics{
		Gateways: make([]GatewayHealth, 0, len(d.gateways)),
	}

	for _, gw := range d.gateways {
		health := GatewayHealth{
			GatewayID: gw.ID,
			Status:    gw.Status,
		}
		if rec, ok := d.failures[gw.ID]; ok {
			lastFailure := rec.lastFailure
			health.FailureCount = rec.count
			health.LastFailure = &lastFailure
			health.HalfOpen = rec.halfOpen
			health.CircuitOpen = d.circuitOpen(gw.ID, now)
		}

		metrics.TotalFailures += health.FailureCount
		if gw.Status == models.GatewayOnline {
			metrics.OnlineGateways++
		}
		if health.CircuitOpen {
			metrics.OpenCircuits++
		}
		metrics.Gateways = append(metrics.Gateways, health)
	}

	return metrics
}

// SetGatewayStatus is the operator override. Forcing a gateway online also
// clears its failure record.
func (d *Dispatcher) SetGatewayStatus(gatewayID string, status models.GatewayStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	d.mu.Lock()
	gw := d.findLocked(gatewayID)
	if gw == nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrGatewayNotFound, gatewayID)
	}
	changed := gw.Status != status
	gw.Status = status
	if status == models.GatewayOnline {
		delete(d.failures, gatewayID)
	}
	d.mu.Unlock()

	d.logger.Info("Gateway status overridden", "gateway", gatewayID, "status", status)
	if changed {
		d.notify([]statusChange{{gatewayID: gatewayID, status: status}})
	}
	return nil
}

// TestGateway probes a gateway outside the charge path. Success brings it
// online with a clean record; failure marks it error and opens its circuit.
func (d *Dispatcher) TestGateway(ctx context.Context, gatewayID string) (*GatewayTestResult, error) {
	d.mu.Lock()
	gw := d.findLocked(gatewayID)
	var target models.Gateway
	if gw != nil {
		target = *gw
	}
	d.mu.Unlock()

	if gw == nil {
		return nil, fmt.Errorf("%w: %s", ErrGatewayNotFound, gatewayID)
	}

	probeCtx := ctx
	if target.Timeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, target.Timeout)
		defer cancel()
	}

	start := d.now()
	err := d.charger.Probe(probeCtx, target)
	result := &GatewayTestResult{
		GatewayID:      gatewayID,
		Success:        err == nil,
		ResponseTimeMs: d.now().Sub(start).Milliseconds(),
	}

	status := models.GatewayOnline
	if err != nil {
		status = models.GatewayError
		result.Error = err.Error()
	}

	d.mu.Lock()
	gw = d.findLocked(gatewayID)
	changed := gw.Status != status
	gw.Status = status
	if err != nil {
		d.tripLocked(gatewayID, d.now())
	} else {
		delete(d.failures, gatewayID)
	}
	d.mu.Unlock()

	if err != nil {
		d.logger.Warn("Gateway probe failed", "gateway", gatewayID, "error", err)
	} else {
		d.logger.Info("Gateway probe succeeded", "gateway", gatewayID, "response_time_ms", result.ResponseTimeMs)
	}
	if changed {
		d.notify([]statusChange{{gatewayID: gatewayID, status: status}})
	}
	return result, nil
}
