package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/AnuragDani/pos-terminal/internal/models"
)

// Client talks to a gateway that exposes the JSON charge API
type Client struct {
	baseURL    string
	httpClient *http.Client
	name       string
}

type ChargeRequest struct {
	Amount         int64                  `json:"amount"`
	Currency       string                 `json:"currency"`
	Method         string                 `json:"method"`
	CardType       string                 `json:"card_type,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

type ChargeResponse struct {
	Success         bool   `json:"success"`
	TransactionID   string `json:"transaction_id,omitempty"`
	ReferenceNumber string `json:"reference_number,omitempty"`
	AuthCode        string `json:"auth_code,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
	ProcessorUsed   string `json:"processor_used"`
}

type HealthResponse struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// ProcessorError represents a gateway-specific error
type ProcessorError struct {
	Code        string
	Message     string
	StatusCode  int
	Processor   string
	IsRetryable bool
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Processor, e.Code, e.Message)
}

// NewClient creates a new gateway client
func NewClient(name, baseURL string, timeout time.Duration) *Client {
	return &Client{
		name:    name,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Charge submits one charge attempt. A decline comes back as a non-successful
// outcome together with a *ProcessorError.
func (c *Client) Charge(ctx context.Context, req models.PaymentRequest) (*models.ChargeOutcome, error) {
	wireReq := &ChargeRequest{
		Amount:         ToMinorUnits(req.Amount),
		Currency:       currencyFrom(req.Metadata),
		Method:         req.Method,
		CardType:       req.CardType,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	}
	if wireReq.IdempotencyKey == "" {
		wireReq.IdempotencyKey = uuid.New().String()
	}

	var response ChargeResponse
	err := c.makeRequest(ctx, "POST", "/charge", wireReq, &response)
	if err != nil {
		if pe, ok := err.(*ProcessorError); ok && response.ErrorCode != "" {
			pe.Code = response.ErrorCode
			pe.Message = response.ErrorMessage
			pe.IsRetryable = c.isRetryableError(response.ErrorCode)
		}
		return &models.ChargeOutcome{
			Success:      false,
			ErrorCode:    response.ErrorCode,
			ErrorMessage: errorMessage(response.ErrorMessage, err),
		}, err
	}

	outcome := &models.ChargeOutcome{
		Success:         response.Success,
		TransactionID:   response.TransactionID,
		ReferenceNumber: response.ReferenceNumber,
		ErrorCode:       response.ErrorCode,
		ErrorMessage:    response.ErrorMessage,
	}
	if outcome.ReferenceNumber == "" {
		outcome.ReferenceNumber = response.AuthCode
	}

	if !response.Success {
		return outcome, &ProcessorError{
			Code:        response.ErrorCode,
			Message:     response.ErrorMessage,
			Processor:   c.name,
			IsRetryable: c.isRetryableError(response.ErrorCode),
		}
	}

	return outcome, nil
}

// Health checks gateway health
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var response HealthResponse
	err := c.makeRequest(ctx, "GET", "/health", nil, &response)
	if err != nil {
		return nil, err
	}

	return &response, nil
}

// Ping returns nil when the gateway reports itself healthy
func (c *Client) Ping(ctx context.Context) error {
	health, err := c.Health(ctx)
	if err != nil {
		return err
	}
	if health.Status != "healthy" {
		return &ProcessorError{
			Code:        "PROCESSOR_UNAVAILABLE",
			Message:     fmt.Sprintf("gateway reported status %q", health.Status),
			Processor:   c.name,
			IsRetryable: true,
		}
	}
	return nil
}

// makeRequest is a helper method for making HTTP requests
func (c *Client) makeRequest(ctx context.Context, method, path string, body interface{}, response interface{}) error {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		code := "NETWORK_ERROR"
		if ctx.Err() == context.DeadlineExceeded {
			code = "TIMEOUT"
		}
		return &ProcessorError{
			Code:        code,
			Message:     fmt.Sprintf("Network error: %v", err),
			Processor:   c.name,
			IsRetryable: true,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	// Handle HTTP error status codes
	if resp.StatusCode >= 400 {
		if response != nil {
			json.Unmarshal(respBody, response)
		}

		return &ProcessorError{
			Code:        c.getErrorCodeFromStatus(resp.StatusCode),
			Message:     string(respBody),
			StatusCode:  resp.StatusCode,
			Processor:   c.name,
			IsRetryable: c.isRetryableStatusCode(resp.StatusCode),
		}
	}

	if response != nil {
		if err := json.Unmarshal(respBody, response); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

// Codes a gateway may recover from on its own; declines are final
var retryableCodes = map[string]bool{
	"NETWORK_ERROR":         true,
	"TIMEOUT":               true,
	"PROCESSOR_UNAVAILABLE": true,
	"RATE_LIMITED":          true,
	"INTERNAL_SERVER_ERROR": true,
	"BAD_GATEWAY":           true,
	"SERVICE_UNAVAILABLE":   true,
	"GATEWAY_TIMEOUT":       true,
}

var statusCodes = map[int]string{
	http.StatusBadRequest:          "BAD_REQUEST",
	http.StatusUnauthorized:        "UNAUTHORIZED",
	http.StatusPaymentRequired:     "PAYMENT_REQUIRED",
	http.StatusNotFound:            "NOT_FOUND",
	http.StatusRequestTimeout:      "TIMEOUT",
	http.StatusTooManyRequests:     "RATE_LIMITED",
	http.StatusInternalServerError: "INTERNAL_SERVER_ERROR",
	http.StatusBadGateway:          "BAD_GATEWAY",
	http.StatusServiceUnavailable:  "SERVICE_UNAVAILABLE",
	http.StatusGatewayTimeout:      "GATEWAY_TIMEOUT",
}

func (c *Client) isRetryableError(errorCode string) bool {
	return retryableCodes[errorCode]
}

func (c *Client) isRetryableStatusCode(statusCode int) bool {
	return retryableCodes[c.getErrorCodeFromStatus(statusCode)]
}

func (c *Client) getErrorCodeFromStatus(statusCode int) string {
	if code, ok := statusCodes[statusCode]; ok {
		return code
	}
	return "UNKNOWN_ERROR"
}

// Name returns the gateway name
func (c *Client) Name() string {
	return c.name
}

// ToMinorUnits converts a decimal amount to cents
func ToMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func currencyFrom(metadata map[string]interface{}) string {
	if currency, ok := metadata["currency"].(string); ok && currency != "" {
		return currency
	}
	return "USD"
}

func errorMessage(message string, err error) string {
	if message != "" {
		return message
	}
	return err.Error()
}
