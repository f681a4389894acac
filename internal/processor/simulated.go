package processor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AnuragDani/pos-terminal/internal/models"
)

// Simulated is an in-process gateway with a fixed success rate, used for
// demo terminals and as the backup adapter when no real SDK is configured.
type Simulated struct {
	name        string
	successRate float64
	latency     time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulated creates a simulated gateway. successRate is in [0,1].
func NewSimulated(name string, successRate float64, latency time.Duration) *Simulated {
	return &Simulated{
		name:        name,
		successRate: successRate,
		latency:     latency,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Simulated) Charge(ctx context.Context, req models.PaymentRequest) (*models.ChargeOutcome, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	roll := s.rng.Float64()
	ref := s.rng.Intn(1000000)
	s.mu.Unlock()

	if roll >= s.successRate {
		outcome := &models.ChargeOutcome{
			Success:      false,
			ErrorCode:    "CARD_DECLINED",
			ErrorMessage: "Payment declined by issuing bank",
		}
		return outcome, &ProcessorError{
			Code:        outcome.ErrorCode,
			Message:     outcome.ErrorMessage,
			Processor:   s.name,
			IsRetryable: true,
		}
	}

	return &models.ChargeOutcome{
		Success:         true,
		TransactionID:   fmt.Sprintf("txn_%s_%s", s.name, uuid.New().String()[:8]),
		ReferenceNumber: fmt.Sprintf("REF%06d", ref),
	}, nil
}

func (s *Simulated) Ping(ctx context.Context) error {
	return s.wait(ctx)
}

func (s *Simulated) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
