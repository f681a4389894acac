package dispatcher

import (
	"time"

	"github.com/AnuragDani/pos-terminal/internal/models"
)

// failureRecord is the rolling failure state of one gateway
type failureRecord struct {
	count       int
	lastFailure time.Time
	halfOpen    bool
}

type statusChange struct {
	gatewayID string
	status    models.GatewayStatus
}

// circuitOpen reports whether the gateway must be skipped. Caller holds d.mu.
func (d *Dispatcher) circuitOpen(gatewayID string, now time.Time) bool {
	rec, ok := d.failures[gatewayID]
	if !ok {
		return false
	}
	return rec.count >= d.threshold && now.Sub(rec.lastFailure) < d.cooldown
}

// recoverExpired moves circuits whose cool-down has elapsed into the half-open
// state and returns their gateways to the candidate pool. Gateways an operator
// took offline stay offline. Caller holds d.mu.
func (d *Dispatcher) recoverExpired(now time.Time) []statusChange {
	var changes []statusChange
	for i := range d.gateways {
		gw := &d.gateways[i]
		rec, ok := d.failures[gw.ID]
		if !ok || rec.count < d.threshold || now.Sub(rec.lastFailure) < d.cooldown {
			continue
		}

		rec.count = 0
		rec.halfOpen = true
		if gw.Status == models.GatewayError {
			gw.Status = models.GatewayOnline
			changes = append(changes, statusChange{gatewayID: gw.ID, status: gw.Status})
		}
	}
	return changes
}

// recordFailure bumps the gateway's failure count and reports whether its
// circuit is now open. A failure while half-open reopens immediately.
func (d *Dispatcher) recordFailure(gatewayID string, now time.Time) (bool, []statusChange) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.failures[gatewayID]
	if !ok {
		rec = &failureRecord{}
		d.failures[gatewayID] = rec
	}

	if rec.halfOpen {
		rec.count = d.threshold
		rec.halfOpen = false
	} else {
		rec.count++
	}
	rec.lastFailure = now

	if rec.count < d.threshold {
		return false, nil
	}

	var changes []statusChange
	if gw := d.findLocked(gatewayID); gw != nil && gw.Status == models.GatewayOnline {
		gw.Status = models.GatewayError
		changes = append(changes, statusChange{gatewayID: gatewayID, status: gw.Status})
	}
	return true, changes
}

func (d *Dispatcher) recordSuccess(gatewayID string) {
	d.mu.Lock()
	delete(d.failures, gatewayID)
	d.mu.Unlock()
}

// tripLocked opens the circuit outright. Caller holds d.mu.
func (d *Dispatcher) tripLocked(gatewayID string, now time.Time) {
	d.failures[gatewayID] = &failureRecord{
		count:       d.threshold,
		lastFailure: now,
	}
}
