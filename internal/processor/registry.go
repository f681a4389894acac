package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AnuragDani/pos-terminal/internal/models"
)

// Adapter is one gateway's SDK or API as seen by the dispatcher
type Adapter interface {
	Charge(ctx context.Context, req models.PaymentRequest) (*models.ChargeOutcome, error)
	Ping(ctx context.Context) error
}

// Charger is the capability the dispatcher calls for every attempt and probe
type Charger interface {
	AttemptCharge(ctx context.Context, gw models.Gateway, req models.PaymentRequest) (*models.ChargeOutcome, error)
	Probe(ctx context.Context, gw models.Gateway) error
}

// Registry maps gateway ids to adapters and implements Charger
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

// RegistryFromGateways builds one adapter per configured gateway
func RegistryFromGateways(gateways []models.Gateway) (*Registry, error) {
	registry := NewRegistry()

	for _, gw := range gateways {
		adapter, err := NewAdapter(gw)
		if err != nil {
			return nil, fmt.Errorf("failed to build adapter for %s: %w", gw.ID, err)
		}
		registry.Register(gw.ID, adapter)
	}

	return registry, nil
}

// NewAdapter creates the adapter named by the gateway's configuration
func NewAdapter(gw models.Gateway) (Adapter, error) {
	switch gw.Adapter {
	case models.AdapterHTTP, "":
		if gw.BaseURL == "" {
			return nil, fmt.Errorf("gateway %s has no base_url", gw.ID)
		}
		return NewClient(gw.ID, gw.BaseURL, gw.Timeout), nil
	case models.AdapterSimulated:
		rate := gw.SuccessRate
		if rate <= 0 {
			rate = 0.9
		}
		return NewSimulated(gw.ID, rate, 150*time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unknown adapter %q", gw.Adapter)
	}
}

// Register adds or replaces the adapter for a gateway id
func (r *Registry) Register(gatewayID string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[gatewayID] = adapter
}

// Get returns the adapter for a gateway id
func (r *Registry) Get(gatewayID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, exists := r.adapters[gatewayID]
	if !exists {
		return nil, fmt.Errorf("gateway %s not configured", gatewayID)
	}
	return adapter, nil
}

func (r *Registry) AttemptCharge(ctx context.Context, gw models.Gateway, req models.PaymentRequest) (*models.ChargeOutcome, error) {
	adapter, err := r.Get(gw.ID)
	if err != nil {
		return nil, err
	}
	return adapter.Charge(ctx, req)
}

func (r *Registry) Probe(ctx context.Context, gw models.Gateway) error {
	adapter, err := r.Get(gw.ID)
	if err != nil {
		return err
	}
	return adapter.Ping(ctx)
}
