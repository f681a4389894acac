// cmd/mock-gateway/main.go
package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/AnuragDani/pos-terminal/internal/logger"
	"github.com/AnuragDani/pos-terminal/internal/processor"
)

// MockGateway serves the charge API the terminal's HTTP adapter speaks
type MockGateway struct {
	name string

	mu           sync.RWMutex
	isHealthy    bool
	failureRate  float64
	responseTime time.Duration
	stats        GatewayStats
	rng          *rand.Rand
}

type GatewayStats struct {
	TotalRequests     int     `json:"total_requests"`
	SuccessfulCharges int     `json:"successful_charges"`
	FailedCharges     int     `json:"failed_charges"`
	SuccessRate       float64 `json:"success_rate"`
	AvgResponseTime   int     `json:"avg_response_time_ms"`
}

type declineType struct {
	code    string
	message string
	status  int
}

var declines = []declineType{
	{"CARD_DECLINED", "Payment declined by issuing bank", http.StatusPaymentRequired},
	{"INSUFFICIENT_FUNDS", "Insufficient funds on card", http.StatusPaymentRequired},
	{"CARD_EXPIRED", "Card has expired", http.StatusPaymentRequired},
	{"NETWORK_ERROR", "Network connectivity issue", http.StatusServiceUnavailable},
	{"TIMEOUT", "Request timeout", http.StatusRequestTimeout},
}

func NewMockGateway(name string, failureRate float64, responseTime time.Duration) *MockGateway {
	return &MockGateway{
		name:         name,
		isHealthy:    true,
		failureRate:  failureRate,
		responseTime: responseTime,
		stats: GatewayStats{
			AvgResponseTime: int(responseTime.Milliseconds()),
		},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (g *MockGateway) charge(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	g.mu.Lock()
	g.stats.TotalRequests++
	delay := g.responseTime
	g.mu.Unlock()

	time.Sleep(delay)

	var req processor.ChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Amount <= 0 || req.Currency == "" || req.Method == "" {
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	g.mu.Lock()
	healthy := g.isHealthy
	failed := g.rng.Float64() < g.failureRate
	decline := declines[g.rng.Intn(len(declines))]
	authCode := g.rng.Intn(999999)
	g.mu.Unlock()

	if !healthy {
		g.countFailure()
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(processor.ChargeResponse{
			Success:       false,
			ErrorCode:     "PROCESSOR_UNAVAILABLE",
			ErrorMessage:  "Payment gateway temporarily unavailable",
			ProcessorUsed: g.name,
		})
		return
	}

	if failed {
		g.countFailure()
		w.WriteHeader(decline.status)
		json.NewEncoder(w).Encode(processor.ChargeResponse{
			Success:       false,
			ErrorCode:     decline.code,
			ErrorMessage:  decline.message,
			ProcessorUsed: g.name,
		})
		return
	}

	g.mu.Lock()
	g.stats.SuccessfulCharges++
	g.stats.SuccessRate = float64(g.stats.SuccessfulCharges) / float64(g.stats.TotalRequests) * 100
	g.stats.AvgResponseTime = int(time.Since(start).Milliseconds())
	g.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(processor.ChargeResponse{
		Success:         true,
		TransactionID:   fmt.Sprintf("txn_%s", uuid.New().String()[:8]),
		ReferenceNumber: fmt.Sprintf("REF%06d", authCode),
		AuthCode:        fmt.Sprintf("auth_%d", authCode),
		ProcessorUsed:   g.name,
	})
}

func (g *MockGateway) countFailure() {
	g.mu.Lock()
	g.stats.FailedCharges++
	g.mu.Unlock()
}

// Admin endpoints for testing failover from the terminal
func (g *MockGateway) setFailureRate(w http.ResponseWriter, r *http.Request) {
	rateStr := r.URL.Query().Get("rate")
	if rateStr == "" {
		http.Error(w, "Missing rate parameter", http.StatusBadRequest)
		return
	}

	rate, err := strconv.ParseFloat(rateStr, 64)
	if err != nil || rate < 0 || rate > 100 {
		http.Error(w, "Invalid rate (0-100)", http.StatusBadRequest)
		return
	}

	g.mu.Lock()
	g.failureRate = rate / 100
	g.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":      "Failure rate updated",
		"failure_rate": rate,
	})
}

func (g *MockGateway) setLatency(w http.ResponseWriter, r *http.Request) {
	latency, err := time.ParseDuration(r.URL.Query().Get("latency"))
	if err != nil || latency < 0 {
		http.Error(w, "Invalid latency (e.g. 250ms)", http.StatusBadRequest)
		return
	}

	g.mu.Lock()
	g.responseTime = latency
	g.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "Latency updated",
		"latency": latency.String(),
	})
}

func (g *MockGateway) toggleStatus(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	g.isHealthy = !g.isHealthy
	healthy := g.isHealthy
	g.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "Gateway status toggled",
		"status":  healthStatus(healthy),
	})
}

func (g *MockGateway) getStats(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	stats := g.stats
	healthy := g.isHealthy
	failRate := g.failureRate
	g.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"gateway_name": g.name,
		"is_healthy":   healthy,
		"failure_rate": failRate * 100,
		"stats":        stats,
		"timestamp":    time.Now(),
	})
}

func (g *MockGateway) health(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	healthy := g.isHealthy
	g.mu.RUnlock()

	statusCode := http.StatusOK
	if !healthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(processor.HealthResponse{
		Service:   "mock-gateway/" + g.name,
		Status:    healthStatus(healthy),
		Timestamp: time.Now(),
		Version:   "1.0.0",
	})
}

func (g *MockGateway) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/charge", g.charge).Methods("POST")
	r.HandleFunc("/health", g.health).Methods("GET")

	r.HandleFunc("/admin/set-failure-rate", g.setFailureRate).Methods("POST")
	r.HandleFunc("/admin/set-latency", g.setLatency).Methods("POST")
	r.HandleFunc("/admin/toggle-status", g.toggleStatus).Methods("POST")
	r.HandleFunc("/admin/stats", g.getStats).Methods("GET")
	return r
}

func healthStatus(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "unhealthy"
}

func main() {
	port := getEnv("PORT", "8101")
	name := getEnv("GATEWAY_NAME", "gateway1")
	failureRate, err := strconv.ParseFloat(getEnv("FAILURE_RATE", "0.2"), 64)
	if err != nil {
		failureRate = 0.2
	}

	log := logger.New("mock-gateway")
	gateway := NewMockGateway(name, failureRate, 250*time.Millisecond)

	log.Info("Mock gateway starting", "name", name, "port", port, "failure_rate", failureRate)
	log.Info("Admin endpoints: POST /admin/set-failure-rate?rate=50, POST /admin/set-latency?latency=2s, POST /admin/toggle-status, GET /admin/stats")

	if err := http.ListenAndServe(":"+port, gateway.routes()); err != nil {
		log.Fatal("Server stopped", "error", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
