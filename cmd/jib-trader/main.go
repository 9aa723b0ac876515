// jib-trader runs the live-trading core: it connects a broker session,
// folds the event stream into derived state, gates and tracks orders, and
// serves the HTTP/WebSocket API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"jib/internal/broker"
	"jib/internal/bus"
	"jib/internal/config"
	"jib/internal/conn"
	"jib/internal/diag"
	"jib/internal/domain"
	"jib/internal/engine"
	"jib/internal/httpapi"
	"jib/internal/state"
	"jib/internal/store"
	"jib/internal/util"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (default $JIB_CONFIG)")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "jib-trader: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(log)

	mode := domain.ModeLive
	if cfg.Broker.PaperTrading {
		mode = domain.ModePaper
	}
	log.Info("jib-trader starting",
		"driver", cfg.Broker.Driver,
		"mode", mode,
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event bus and the state fold behind it.
	eventBus := bus.New(log, 1024)
	defer eventBus.Close()

	marketState := state.New(log, state.Config{
		Mode:      mode,
		GapWindow: cfg.State.GapWindow,
	})

	// Broker session.
	session, err := newSession(log, cfg)
	if err != nil {
		return err
	}

	manager := conn.NewManager(log, conn.Config{
		ConnectTimeout:   cfg.Reconnect.ConnectTimeout,
		HeartbeatGrace:   cfg.Heartbeat.Grace,
		HeartbeatTimeout: cfg.Heartbeat.Timeout,
		MaxAttempts:      cfg.Reconnect.MaxAttempts,
		Backoff: conn.Backoff{
			Base:   cfg.Reconnect.BackoffBase,
			Max:    cfg.Reconnect.BackoffMax,
			Jitter: cfg.Reconnect.BackoffJitter,
		},
	}, session, eventBus)

	// Order controller.
	controller := engine.NewController(log, engine.Config{
		Limits: domain.RiskLimits{
			MaxOrderNotional: cfg.Risk.MaxOrderNotional,
			MaxPositionSize:  cfg.Risk.MaxPositionSize,
			MaxDailyLoss:     cfg.Risk.MaxDailyLoss,
			AllowLiveTrading: cfg.Risk.AllowLiveTrading,
		},
		OrderRatePerMinute: cfg.Risk.OrderRatePerMinute,
	}, manager, marketState)
	controller.ConnState = func() string { return string(manager.State()) }

	// Trade journal (optional).
	var journal store.Journal
	if cfg.Storage.SQLitePath != "" {
		sqlJournal, err := store.OpenSQLiteJournal(cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer sqlJournal.Close()
		journal = sqlJournal

		controller.Journal = sqlJournal
		controller.DailyPnL = func() float64 {
			pnl, err := sqlJournal.DailyRealizedPnL(time.Now())
			if err != nil {
				log.Warn("daily pnl query failed", "err", err)
				return 0
			}
			return pnl
		}
	}

	// Diagnostics.
	monitor := diag.NewMonitor(log, cfg.State.StaleAfter, manager, marketState, eventBus, marketState)
	manager.OnHeartbeat = monitor.ObserveHeartbeat
	manager.AddStateListener(monitor.StateChanged)

	// Connection-loss handling: park working orders, flag derived state stale
	// until the session recovers.
	manager.OnConnLoss = controller.MarkPendingReconfirm
	manager.OnResync = controller.Reconcile
	manager.AddStateListener(func(_, next conn.State) {
		marketState.SetStale(next == conn.StateDegraded || next == conn.StateReconnecting)
	})

	// Bus wiring: the fold consumes ticks, executions and account updates;
	// the controller consumes order lifecycle and execution events.
	eventBus.Subscribe(domain.TopicTicks, marketState.Apply)
	eventBus.Subscribe(domain.TopicAccount, marketState.Apply)
	eventBus.Subscribe(domain.TopicExecutions, marketState.Apply)
	eventBus.Subscribe(domain.TopicExecutions, controller.HandleExecution)
	eventBus.Subscribe(domain.TopicOrders, controller.HandleOrderEvent)

	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Parquet archive (optional): every topic, flushed periodically.
	if cfg.Storage.DataDir != "" {
		archive := store.NewParquetArchive(log, cfg.Storage.DataDir)
		for _, topic := range []domain.Topic{
			domain.TopicTicks, domain.TopicOrders,
			domain.TopicExecutions, domain.TopicAccount,
		} {
			eventBus.Subscribe(topic, archive.Append)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			archive.Run(runCtx, cfg.Storage.FlushEvery)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		marketState.Run(runCtx)
	}()

	// HTTP API.
	api := httpapi.NewServer(log, controller, monitor, journal, marketState)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Handler(),
	}
	httpErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	// Remember configured subscriptions before the first connect so the
	// manager replays them on session establishment.
	for _, sym := range cfg.Symbols {
		if err := manager.Subscribe(ctx, sym); err != nil {
			log.Warn("subscribe failed", "symbol", sym, "err", err)
		}
	}

	connErr := make(chan error, 1)
	go func() {
		connErr <- manager.Run(runCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-httpErr:
		runErr = fmt.Errorf("http server: %w", err)
		log.Error("http server failed", "err", err)
	case err := <-connErr:
		if err != nil {
			runErr = err
			log.Error("connection manager stopped", "err", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "err", err)
	}

	cancel()
	wg.Wait()

	log.Info("jib-trader stopped")
	return runErr
}

// newSession builds the broker session named by the configuration.
func newSession(log *slog.Logger, cfg *config.Config) (broker.Session, error) {
	switch cfg.Broker.Driver {
	case "simulator":
		return broker.NewSimulator(log, broker.SimulatorConfig{
			AutoFill:  true,
			FillDelay: 50 * time.Millisecond,
		}), nil
	case "alpaca":
		if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
			return nil, errors.New("alpaca driver requires api_key and api_secret")
		}
		return broker.NewAlpaca(log, broker.AlpacaConfig{
			APIKey:    cfg.Alpaca.APIKey,
			APISecret: cfg.Alpaca.APISecret,
			BaseURL:   cfg.AlpacaBaseURL(),
			Feed:      cfg.Alpaca.Feed,
		}), nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Broker.Driver)
	}
}
