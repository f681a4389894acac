package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/AnuragDani/pos-terminal/internal/cache"
	"github.com/AnuragDani/pos-terminal/internal/config"
	"github.com/AnuragDani/pos-terminal/internal/database"
	"github.com/AnuragDani/pos-terminal/internal/dispatcher"
	"github.com/AnuragDani/pos-terminal/internal/events"
	"github.com/AnuragDani/pos-terminal/internal/ledger"
	"github.com/AnuragDani/pos-terminal/internal/logger"
	"github.com/AnuragDani/pos-terminal/internal/models"
	"github.com/AnuragDani/pos-terminal/internal/offline"
	"github.com/AnuragDani/pos-terminal/internal/processor"
	"github.com/AnuragDani/pos-terminal/internal/receipts"
	"github.com/AnuragDani/pos-terminal/internal/reconcile"
	ws "github.com/AnuragDani/pos-terminal/internal/websocket"
)

// orderLedger is a ledger the terminal can both write to and probe
type orderLedger interface {
	reconcile.Ledger
	Ping(ctx context.Context) error
}

type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// Terminal holds everything one running till needs
type Terminal struct {
	cfg        *config.Config
	logger     *logger.Logger
	dispatcher *dispatcher.Dispatcher
	store      *offline.Store
	ledger     orderLedger
	sync       *reconcile.Service
	runner     *reconcile.Runner
	hub        *ws.Hub
	events     *events.Emitter

	ledgerReady atomic.Bool
	closers     []func() error
}

// newDispatcher builds the gateway chain from the configured gateways file
func newDispatcher(cfg *config.Config, listener dispatcher.StatusListener) (*dispatcher.Dispatcher, error) {
	gateways := config.LoadGatewaysOrDefault(cfg.GatewaysConfig)

	registry, err := processor.RegistryFromGateways(gateways)
	if err != nil {
		return nil, fmt.Errorf("failed to build gateway adapters: %w", err)
	}

	dispatchLog := logger.New("dispatcher")
	dispatchLog.SetLevel(cfg.LogLevel)

	opts := []dispatcher.Option{
		dispatcher.WithBaseDelay(cfg.BackoffBaseDelay),
		dispatcher.WithFailureThreshold(cfg.FailureThreshold),
		dispatcher.WithCooldown(cfg.CircuitCooldown),
		dispatcher.WithLogger(dispatchLog),
	}
	if listener != nil {
		opts = append(opts, dispatcher.WithStatusListener(listener))
	}

	return dispatcher.New(gateways, registry, opts...), nil
}

// newTerminal wires the dispatcher, offline store, ledger and reconciliation.
// A nil hub disables the cashier event feed.
func newTerminal(ctx context.Context, cfg *config.Config, hub *ws.Hub) (*Terminal, error) {
	log := logger.New("pos-terminal")
	log.SetLevel(cfg.LogLevel)

	t := &Terminal{
		cfg:    cfg,
		logger: log,
		hub:    hub,
		events: events.NewEmitter(hub),
	}

	d, err := newDispatcher(cfg, t.events.GatewayStatusChanged)
	if err != nil {
		return nil, err
	}
	t.dispatcher = d

	store, err := offline.Open(cfg.OfflineDBPath, logger.New("offline-store"))
	if err != nil {
		return nil, err
	}
	t.store = store
	t.closers = append(t.closers, store.Close)

	orders, err := t.openLedger(ctx)
	if err != nil {
		t.Close()
		return nil, err
	}
	t.ledger = orders

	syncOpts := []reconcile.Option{
		reconcile.WithNotifier(t.events),
		reconcile.WithLogger(logger.New("reconcile")),
	}
	if cfg.ReceiptArchiveEnabled() {
		archiver, err := receipts.NewS3Archiver(ctx, receipts.Config{
			Bucket:          cfg.ReceiptBucket,
			Region:          cfg.ReceiptRegion,
			Endpoint:        cfg.ReceiptEndpoint,
			AccessKeyID:     cfg.ReceiptAccessKey,
			SecretAccessKey: cfg.ReceiptSecretKey,
			Prefix:          "receipts/" + cfg.StoreID + "/" + cfg.TerminalID,
		}, logger.New("receipts"))
		if err != nil {
			log.Warn("Receipt archive disabled", "error", err)
		} else {
			syncOpts = append(syncOpts, reconcile.WithReceiptArchive(store, archiver))
		}
	}
	t.sync = reconcile.NewService(store, orders, syncOpts...)

	runnerLog := logger.New("sync-runner")
	runnerLog.SetLevel(cfg.LogLevel)
	t.runner = reconcile.NewRunner(t.sync, orders, reconcile.RunnerConfig{
		Interval:     cfg.SyncInterval,
		PollInterval: cfg.ConnectivityPoll,
		RegainDelay:  cfg.RegainDelay,
		CheckTimeout: cfg.ConnectivityTimeout,
	}, runnerLog)
	t.runner.OnConnectivityChange(t.connectivityChanged)
	t.runner.OnDrain(t.drainStarting)

	return t, nil
}

func (t *Terminal) openLedger(ctx context.Context) (orderLedger, error) {
	switch t.cfg.LedgerDriver {
	case "http":
		return ledger.NewHTTP(t.cfg.LedgerURL, 10*time.Second, logger.New("ledger")), nil

	case "postgres", "":
		db, err := database.Connect(ctx, t.cfg.DatabaseURL, database.DefaultPoolConfig())
		if db == nil {
			return nil, err
		}
		t.closers = append(t.closers, db.Close)
		if err != nil {
			t.logger.Warn("Ledger unreachable, starting offline", "error", err)
		}

		var idempotency *cache.Client
		if t.cfg.RedisURL != "" {
			idempotency, err = cache.NewRedisClient(ctx, t.cfg.RedisURL)
			if err != nil {
				t.logger.Warn("Idempotency cache unavailable", "error", err)
				idempotency = nil
			} else {
				t.closers = append(t.closers, idempotency.Close)
			}
		}
		return ledger.NewPostgres(db, idempotency, logger.New("ledger")), nil

	default:
		return nil, fmt.Errorf("unknown ledger driver %q", t.cfg.LedgerDriver)
	}
}

// prepareLedger makes sure the ledger can take orders. Postgres tables are
// created on the first reachable connection.
func (t *Terminal) prepareLedger(ctx context.Context) {
	if t.ledgerReady.Load() {
		return
	}
	ensurer, ok := t.ledger.(schemaEnsurer)
	if !ok {
		t.ledgerReady.Store(true)
		return
	}
	if err := ensurer.EnsureSchema(ctx); err != nil {
		t.logger.Warn("Ledger schema not ready", "error", err)
		return
	}
	t.ledgerReady.Store(true)
}

func (t *Terminal) connectivityChanged(online bool) {
	if online {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		t.prepareLedger(ctx)
		cancel()
	}
	t.events.ConnectivityChanged(online)
}

func (t *Terminal) drainStarting(trigger string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.events.SyncStarted(trigger, t.store.PendingCount(ctx))
}

// syncNow runs an on-demand drain
func (t *Terminal) syncNow(ctx context.Context) (models.SyncResult, error) {
	t.prepareLedger(ctx)
	return t.runner.TriggerNow(ctx)
}

// Close releases the store and ledger connections
func (t *Terminal) Close() {
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](); err != nil {
			t.logger.Warn("Error during close", "error", err)
		}
	}
	t.closers = nil
}
