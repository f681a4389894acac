package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/AnuragDani/pos-terminal/internal/httpclient"
	"github.com/AnuragDani/pos-terminal/internal/logger"
	"github.com/AnuragDani/pos-terminal/internal/models"
)

// HTTP submits orders to the back-office order endpoint
type HTTP struct {
	client *httpclient.Client
	logger *logger.Logger
}

type createOrderResponse struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number"`
}

func NewHTTP(baseURL string, timeout time.Duration, log *logger.Logger) *HTTP {
	if log == nil {
		log = logger.New("ledger")
	}
	return &HTTP{
		client: httpclient.NewClient(baseURL, timeout),
		logger: log,
	}
}

// CreateOrder posts the order with its idempotency key. A 409 means the
// ledger already holds this order and is treated as acceptance.
func (h *HTTP) CreateOrder(ctx context.Context, order *models.Order) error {
	var response createOrderResponse
	err := h.client.PostWithHeaders(ctx, "/orders", order, &response, map[string]string{
		"Idempotency-Key": order.IdempotencyKey,
	})

	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict {
		h.logger.Info("Order already recorded", "order_number", order.OrderNumber)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create order %s: %w", order.OrderNumber, err)
	}

	h.logger.Info("Order created", "order_number", order.OrderNumber, "remote_id", response.ID)
	return nil
}

// Ping checks the ledger's health endpoint
func (h *HTTP) Ping(ctx context.Context) error {
	return h.client.Get(ctx, "/health", nil)
}
