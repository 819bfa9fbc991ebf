// Command liqhunter launches the contrarian liquidation-trading engine.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/cascadefi/liqhunter/config"
	"github.com/cascadefi/liqhunter/internal/admission"
	"github.com/cascadefi/liqhunter/internal/bus/eventbus"
	"github.com/cascadefi/liqhunter/internal/decision"
	"github.com/cascadefi/liqhunter/internal/exchange"
	"github.com/cascadefi/liqhunter/internal/journal"
	"github.com/cascadefi/liqhunter/internal/observability"
	"github.com/cascadefi/liqhunter/internal/reconcile"
	"github.com/cascadefi/liqhunter/internal/schema"
	"github.com/cascadefi/liqhunter/internal/stream"
	"github.com/cascadefi/liqhunter/lib/telemetry"
)

const (
	serviceName           = "liqhunter"
	listenKeyKeepAlive    = 30 * time.Minute
	telemetryBusBuffer    = 64
	eventBusBuffer        = 64
	eventBusFanoutWorkers = 4
	shutdownTimeout       = 30 * time.Second
)

func main() {
	symbolsFlag := flag.String("symbols", "", "path to the per-symbol trading config (overrides LIQHUNTER_SYMBOLS_FILE)")
	paperFlag := flag.Bool("paper", false, "force paper trading mode")
	flag.Parse()

	cfg := config.FromEnv()
	if *symbolsFlag != "" {
		cfg.SymbolsFile = *symbolsFlag
	}
	if *paperFlag {
		cfg.PaperMode = true
	}

	logger := observability.NewTextLogger(os.Stderr, observability.ParseLevel(cfg.LogLevel))
	observability.SetLogger(logger)

	if err := cfg.Validate(); err != nil {
		fatal("invalid configuration", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	_, metricsShutdown, err := telemetry.Init(ctx, cfg.OTLPEndpoint, serviceName)
	if err != nil {
		fatal("initialise telemetry", err)
	}
	observability.SetMetrics(observability.NewOTelMetrics(serviceName))

	symbols, err := config.LoadSymbolStore(cfg.SymbolsFile)
	if err != nil {
		fatal("load symbol config", err)
	}
	observability.Log().Info("symbol config loaded",
		observability.F("path", cfg.SymbolsFile),
		observability.F("symbols", len(symbols.Symbols())))

	telemetryBus := observability.NewInMemoryTelemetryBus(telemetryBusBuffer)
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:    eventBusBuffer,
		FanoutWorkers: eventBusFanoutWorkers,
	})

	controller := admission.NewController(admission.Config{
		WeightLimit:    cfg.RateLimits.WeightLimit,
		WeightWindow:   cfg.RateLimits.WeightWindow,
		OrderLimit:     cfg.RateLimits.OrderLimit,
		OrderWindow:    cfg.RateLimits.OrderWindow,
		SafetyMargin:   cfg.RateLimits.SafetyMargin,
		AdvisoryLevels: cfg.RateLimits.AdvisoryLevels,
	}, telemetryBus, func(evt *schema.Event) {
		if err := bus.Publish(context.Background(), evt); err != nil {
			observability.Log().Warn("advisory publish failed", observability.F("error", err.Error()))
		}
	})
	controller.Start(ctx)

	mode := schema.PositionMode(cfg.PositionMode)
	client, paper, rest := buildExchangeClient(cfg, mode, controller)

	journalWriter := startJournal(ctx, cfg.JournalDSN, bus)

	reconciler := reconcile.NewEngine(client, symbols, bus, telemetryBus, reconcile.Config{
		Mode:     mode,
		Interval: cfg.ReconcileEvery,
	})
	reconciler.Start()

	trader := decision.NewEngine(client, symbols, reconciler, reconciler, bus, telemetryBus, decision.Config{
		Mode: mode,
	})
	trader.Start()

	if paper != nil {
		paper.OnOrderUpdate(func(rec schema.OrderRecord) {
			reconciler.HandleStream(&schema.StreamMessage{
				Type:  schema.StreamOrderUpdate,
				Order: &schema.OrderUpdate{Record: rec, EventTime: rec.UpdateTime},
			})
		})
	}

	market := stream.NewManager(ctx, stream.Config{
		Name: "market",
		URL:  cfg.StreamBaseURL + "/ws",
	}, func(msg *schema.StreamMessage) {
		if paper != nil && msg.Type == schema.StreamMarkPrice {
			paper.SetMark(msg.MarkPrice.Symbol, msg.MarkPrice.MarkPrice)
		}
		reconciler.HandleStream(msg)
		trader.HandleStream(msg)
	}, telemetryBus)
	if err := market.Subscribe(marketTopics(symbols.Symbols())...); err != nil {
		fatal("subscribe market topics", err)
	}
	if err := market.Start(); err != nil {
		fatal("start market stream", err)
	}

	var lifecycle conc.WaitGroup
	userdata := startUserStream(ctx, &lifecycle, cfg, rest, reconciler, telemetryBus)

	observability.Log().Info("engine started",
		observability.F("paper", cfg.PaperMode),
		observability.F("mode", string(cfg.PositionMode)))
	<-ctx.Done()
	observability.Log().Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	started := time.Now()

	// Order matters: stop producing entries first, then repairs, then the
	// feeds behind them, then the plumbing.
	trader.Stop()
	reconciler.Stop()
	if userdata != nil {
		userdata.Stop()
	}
	market.Stop()
	lifecycle.Wait()
	if journalWriter != nil {
		journalWriter.Stop()
	}
	controller.Stop()
	telemetryBus.Close()
	bus.Close()
	if err := metricsShutdown(shutdownCtx); err != nil {
		observability.Log().Warn("telemetry shutdown failed", observability.F("error", err.Error()))
	}
	observability.Log().Info("shutdown complete", observability.F("elapsed", time.Since(started).String()))
}

func fatal(msg string, err error) {
	observability.Log().Error(msg, observability.F("error", err.Error()))
	os.Exit(1)
}

// buildExchangeClient returns the trading client. In paper mode the paper and
// rest handles are the simulation and nil; live mode returns the signed REST
// client twice.
func buildExchangeClient(cfg config.Settings, mode schema.PositionMode, controller *admission.Controller) (exchange.Client, *exchange.PaperClient, *exchange.RESTClient) {
	if cfg.PaperMode {
		paper := exchange.NewPaperClient(mode, nil, nil)
		return paper, paper, nil
	}
	rest := exchange.NewRESTClient(exchange.RESTConfig{
		BaseURL:   cfg.RESTBaseURL,
		APIKey:    cfg.Credentials.APIKey,
		APISecret: cfg.Credentials.APISecret,
		Timeout:   cfg.HTTPTimeout,
	}, controller)
	return rest, nil, rest
}

// marketTopics lists the public feeds the engine consumes per symbol.
func marketTopics(symbols []string) []string {
	topics := make([]string, 0, len(symbols)*4)
	for _, symbol := range symbols {
		s := strings.ToLower(symbol)
		topics = append(topics,
			s+"@forceOrder",
			s+"@markPrice@1s",
			s+"@aggTrade",
			s+"@depth5@100ms",
		)
	}
	return topics
}

// startJournal wires the Postgres journal when a DSN is configured. The
// journal is a collaborator: failure to start it is fatal only because it
// signals broken configuration, not because trading depends on it.
func startJournal(ctx context.Context, dsn string, bus eventbus.Bus) *journal.Writer {
	if strings.TrimSpace(dsn) == "" {
		observability.Log().Info("journal disabled: no DSN configured")
		return nil
	}
	if err := journal.Migrate(ctx, dsn); err != nil {
		fatal("migrate journal schema", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		fatal("open journal pool", err)
	}
	writer := journal.NewWriter(bus, journal.NewStore(pool))
	if err := writer.Start(); err != nil {
		fatal("start journal writer", err)
	}
	observability.Log().Info("journal enabled")
	return writer
}

// startUserStream connects the authenticated user-data stream and keeps its
// listen key alive. Paper mode has no exchange account to follow.
func startUserStream(ctx context.Context, lifecycle *conc.WaitGroup, cfg config.Settings, rest *exchange.RESTClient, reconciler *reconcile.Engine, telemetryBus observability.TelemetryBus) *stream.Manager {
	if rest == nil {
		return nil
	}
	key, err := rest.CreateListenKey(ctx)
	if err != nil {
		fatal("create listen key", err)
	}

	manager := stream.NewManager(ctx, stream.Config{
		Name:   "userdata",
		URL:    cfg.StreamBaseURL + "/ws/" + key,
		Static: true,
	}, func(msg *schema.StreamMessage) {
		if msg.Type == schema.StreamListenKeyExpired {
			observability.Log().Error("listen key expired; user-data stream degraded until restart")
			return
		}
		reconciler.HandleStream(msg)
	}, telemetryBus)
	if err := manager.Start(); err != nil {
		fatal("start user-data stream", err)
	}

	lifecycle.Go(func() {
		ticker := time.NewTicker(listenKeyKeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := rest.KeepAliveListenKey(ctx, key); err != nil {
					observability.Log().Warn("listen key keepalive failed",
						observability.F("error", err.Error()))
				}
			}
		}
	})
	return manager
}
