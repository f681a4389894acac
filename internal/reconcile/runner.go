package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/AnuragDani/pos-terminal/internal/logger"
	"github.com/AnuragDani/pos-terminal/internal/models"
)

// ErrOffline is returned by an on-demand trigger while the ledger is unreachable
var ErrOffline = errors.New("terminal is offline")

// Trigger names, reported in logs and events
const (
	TriggerInterval  = "interval"
	TriggerReconnect = "reconnect"
	TriggerManual    = "manual"
)

// Checker reports whether the remote ledger can be reached
type Checker interface {
	Ping(ctx context.Context) error
}

// RunnerConfig holds the triggering policy
type RunnerConfig struct {
	Interval     time.Duration
	PollInterval time.Duration
	RegainDelay  time.Duration
	CheckTimeout time.Duration
	DrainTimeout time.Duration
}

// RunnerStatus is what the terminal shows about background sync
type RunnerStatus struct {
	Running   bool       `json:"running"`
	Online    bool       `json:"online"`
	LastCheck *time.Time `json:"last_check,omitempty"`
	Interval  string     `json:"interval"`
	Sync      SyncStatus `json:"sync"`
}

// Runner decides when the service drains: shortly after connectivity comes
// back, on a fixed interval while online, and on demand. It never drains
// while the ledger is unreachable.
type Runner struct {
	service *Service
	checker Checker
	config  RunnerConfig
	logger  *logger.Logger

	onConnectivity func(online bool)
	onDrain        func(trigger string)

	cron    *cron.Cron
	running bool
	online  bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex

	lastCheck *time.Time
}

// NewRunner creates a runner. Zero durations in config fall back to defaults.
func NewRunner(service *Service, checker Checker, config RunnerConfig, log *logger.Logger) *Runner {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.RegainDelay < 0 {
		config.RegainDelay = 0
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = 3 * time.Second
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 2 * time.Minute
	}
	if log == nil {
		log = logger.New("sync-runner")
	}

	return &Runner{
		service: service,
		checker: checker,
		config:  config,
		logger:  log,
	}
}

// OnConnectivityChange registers fn to be told about online/offline edges
func (r *Runner) OnConnectivityChange(fn func(online bool)) {
	r.onConnectivity = fn
}

// OnDrain registers fn to be told before each triggered drain
func (r *Runner) OnDrain(fn func(trigger string)) {
	r.onDrain = fn
}

// Start begins interval and connectivity triggering
func (r *Runner) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(r.logger.Std()))))
	schedule := fmt.Sprintf("@every %s", r.config.Interval)
	if _, err := c.AddFunc(schedule, func() { r.trigger(TriggerInterval) }); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to schedule sync: %w", err)
	}
	stopCh := make(chan struct{})
	r.cron = c
	r.stopCh = stopCh
	r.running = true
	r.mu.Unlock()

	r.logger.Info("Starting sync runner",
		"interval", r.config.Interval,
		"poll", r.config.PollInterval,
		"regain_delay", r.config.RegainDelay)

	c.Start()
	r.wg.Add(1)
	go r.monitor(stopCh)
	return nil
}

// Stop halts triggering and waits for an in-flight drain to finish
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	c := r.cron
	stopCh := r.stopCh
	r.mu.Unlock()

	r.logger.Info("Stopping sync runner, waiting for current drain to complete...")
	close(stopCh)
	<-c.Stop().Done()
	r.wg.Wait()
	r.logger.Info("Sync runner stopped")
}

// monitor polls connectivity and schedules a drain after each
// offline-to-online edge. The terminal is assumed offline until the
// first successful check.
func (r *Runner) monitor(stopCh <-chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	var regain <-chan time.Time
	check := func() {
		online := r.checkConnectivity()
		changed := r.setOnline(online)
		if !changed {
			return
		}

		if online {
			r.logger.Info("Connectivity regained", "sync_in", r.config.RegainDelay)
			regain = time.After(r.config.RegainDelay)
		} else {
			r.logger.Warn("Connectivity lost")
			regain = nil
		}
		if r.onConnectivity != nil {
			r.onConnectivity(online)
		}
	}

	check()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			check()
		case <-regain:
			regain = nil
			r.trigger(TriggerReconnect)
		}
	}
}

// trigger runs a drain if the ledger is reachable right now
func (r *Runner) trigger(name string) {
	if !r.checkConnectivity() {
		r.logger.Debug("Skipping sync while offline", "trigger", name)
		return
	}
	r.drain(name)
}

func (r *Runner) drain(name string) models.SyncResult {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.DrainTimeout)
	defer cancel()

	if r.onDrain != nil {
		r.onDrain(name)
	}
	r.logger.Debug("Sync triggered", "trigger", name)
	return r.service.SyncTransactions(ctx)
}

// TriggerNow drains immediately on behalf of an operator
func (r *Runner) TriggerNow(ctx context.Context) (models.SyncResult, error) {
	if !r.checkConnectivityCtx(ctx) {
		return models.SyncResult{}, ErrOffline
	}
	if r.onDrain != nil {
		r.onDrain(TriggerManual)
	}
	r.logger.Info("Manual sync triggered")
	return r.service.SyncTransactions(ctx), nil
}

func (r *Runner) checkConnectivity() bool {
	return r.checkConnectivityCtx(context.Background())
}

func (r *Runner) checkConnectivityCtx(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, r.config.CheckTimeout)
	defer cancel()

	err := r.checker.Ping(ctx)

	now := time.Now()
	r.mu.Lock()
	r.lastCheck = &now
	r.mu.Unlock()

	return err == nil
}

func (r *Runner) setOnline(online bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := r.online != online
	r.online = online
	return changed
}

// Online reports the last observed connectivity
func (r *Runner) Online() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.online
}

// Status returns the runner and service state
func (r *Runner) Status() RunnerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RunnerStatus{
		Running:   r.running,
		Online:    r.online,
		LastCheck: r.lastCheck,
		Interval:  r.config.Interval.String(),
		Sync:      r.service.Status(),
	}
}
