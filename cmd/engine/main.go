// Command engine launches the execution and risk engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/veloxtrade/riskcore/errs"
	"github.com/veloxtrade/riskcore/internal/anomaly"
	"github.com/veloxtrade/riskcore/internal/audit"
	"github.com/veloxtrade/riskcore/internal/config"
	"github.com/veloxtrade/riskcore/internal/engine"
	"github.com/veloxtrade/riskcore/internal/evgate"
	"github.com/veloxtrade/riskcore/internal/fees"
	"github.com/veloxtrade/riskcore/internal/fx"
	"github.com/veloxtrade/riskcore/internal/infra/persistence/migrations"
	pgstore "github.com/veloxtrade/riskcore/internal/infra/persistence/postgres"
	httpserver "github.com/veloxtrade/riskcore/internal/infra/server/http"
	"github.com/veloxtrade/riskcore/internal/ledger"
	"github.com/veloxtrade/riskcore/internal/marketdata"
	"github.com/veloxtrade/riskcore/internal/observability"
	"github.com/veloxtrade/riskcore/internal/risk"
	"github.com/veloxtrade/riskcore/internal/sim"
	"github.com/veloxtrade/riskcore/internal/telemetry"
)

const (
	engineLoggerPrefix       = "riskcore "
	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 5 * time.Second
	engineShutdownTimeout    = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
	fxFetchTimeout           = 2 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, engineLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger, false))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: addr=%s, postgres=%t",
		cfg.Server.Addr, cfg.Postgres.DSN != "")

	meterProvider, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	instruments, err := telemetry.NewInstruments(meterProvider)
	if err != nil {
		logger.Fatalf("initialize instruments: %v", err)
	}

	feeModel, err := fees.NewModel(cfg.Fees.Schedules, cfg.Fees.Tax)
	if err != nil {
		logger.Fatalf("initialise fee model: %v", err)
	}
	gate, err := evgate.New(cfg.EVGate, feeModel)
	if err != nil {
		logger.Fatalf("initialise ev gate: %v", err)
	}
	riskMgr, err := risk.NewManager(cfg.Limits)
	if err != nil {
		logger.Fatalf("initialise risk manager: %v", err)
	}

	converter := buildConverter(cfg.FX)
	book := ledger.New(cfg.FX.BaseCurrency, converter)

	market := marketdata.NewMemoryProvider()
	router, err := sim.NewPaper(cfg.Sim, feeModel, market)
	if err != nil {
		logger.Fatalf("initialise paper router: %v", err)
	}
	detector, err := anomaly.NewDetector(cfg.Anomaly)
	if err != nil {
		logger.Fatalf("initialise anomaly detector: %v", err)
	}

	stores, err := buildStores(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatalf("initialise persistence: %v", err)
	}
	defer stores.close()

	auditLog, err := audit.Open(ctx, stores.audit)
	if err != nil {
		logger.Fatalf("open audit log: %v", err)
	}

	eng, err := engine.New(cfg.Engine, engine.Deps{
		Gate:         gate,
		Risk:         riskMgr,
		Ledger:       book,
		Router:       router,
		Market:       market,
		Detector:     detector,
		AuditLog:     auditLog,
		AuditStore:   stores.audit,
		Instruments:  instruments,
		RiskStore:    stores.risk,
		LotStore:     stores.lots,
		Fills:        router,
		ReconcileCfg: cfg.Reconcile,
	})
	if err != nil {
		logger.Fatalf("initialise engine: %v", err)
	}
	router.SetOnFill(eng.HandleFill)
	router.SetOnState(eng.HandleOrderState)

	// A broken audit chain keeps the process up with intake refused so
	// operators can inspect via /audit/verify. Everything else is fatal.
	if err := eng.Recover(ctx); err != nil {
		if errs.CodeOf(err) != errs.CodeChainIntegrity {
			logger.Fatalf("recover state: %v", err)
		}
		logger.Printf("recover state: %v; intake disabled", err)
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { eng.Run(ctx, nil) })
	if pairs := fxPairs(cfg.FX); len(pairs) > 0 {
		lifecycle.Go(func() { converter.RefreshLoop(ctx, cfg.FX.RefreshInterval, pairs) })
	}

	apiServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpserver.NewHandler(eng),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("api server: %v", err)
		}
	})
	logger.Printf("operational API listening on %s", apiServer.Addr)

	logger.Print("engine started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		engine:     eng,
		auditLog:   auditLog,
		telemetry:  telemetryShutdown,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", "Path to engine configuration file")
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// buildConverter seeds a caching converter with the configured fixed rates.
// The same table backs the refresh loop, so rates never go stale.
func buildConverter(cfg config.FXConfig) *fx.CachingConverter {
	rates := make(map[string]decimal.Decimal, len(cfg.Rates))
	for pair, rate := range cfg.Rates {
		rates[strings.ToUpper(strings.TrimSpace(pair))] = rate
	}
	source := fx.SourceFunc(func(_ context.Context, from, to string) (decimal.Decimal, error) {
		if rate, ok := rates[from+"/"+to]; ok {
			return rate, nil
		}
		if rate, ok := rates[to+"/"+from]; ok && rate.IsPositive() {
			return decimal.NewFromInt(1).Div(rate), nil
		}
		return decimal.Decimal{}, fmt.Errorf("no configured rate for %s/%s", from, to)
	})

	converter := fx.NewCachingConverter(source, fxFetchTimeout, cfg.MaxAge)
	for pair, rate := range rates {
		from, to, ok := strings.Cut(pair, "/")
		if !ok {
			continue
		}
		converter.Seed(from, to, rate)
	}
	return converter
}

func fxPairs(cfg config.FXConfig) [][2]string {
	pairs := make([][2]string, 0, len(cfg.Rates))
	for pair := range cfg.Rates {
		from, to, ok := strings.Cut(strings.ToUpper(strings.TrimSpace(pair)), "/")
		if !ok {
			continue
		}
		pairs = append(pairs, [2]string{from, to})
	}
	return pairs
}

// engineStores bundles the persistence backends. With no DSN configured the
// engine runs on in-memory stores and restart recovery has nothing to replay.
type engineStores struct {
	audit audit.Store
	risk  engine.RiskStateStore
	lots  engine.LotStore
	pool  interface{ Close() }
}

func (s engineStores) close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func buildStores(ctx context.Context, cfg config.PostgresConfig) (engineStores, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return engineStores{audit: audit.NewMemoryStore()}, nil
	}

	if err := migrations.Apply(ctx, cfg.DSN); err != nil {
		return engineStores{}, fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgstore.NewPool(ctx, cfg.DSN, cfg.PoolSize)
	if err != nil {
		return engineStores{}, fmt.Errorf("open connection pool: %w", err)
	}
	return engineStores{
		audit: pgstore.NewAuditStore(pool),
		risk:  pgstore.NewRiskStateStore(pool),
		lots:  pgstore.NewLotStore(pool),
		pool:  pool,
	}, nil
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	engine     *engine.Engine
	auditLog   *audit.Log
	telemetry  func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, stepCancel := context.WithTimeout(ctx, timeout)
		defer stepCancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", engineShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.engine != nil {
		shutdownStep("draining intent pipeline", engineShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.engine.Close(stepCtx)
		})
	}

	if cfg.auditLog != nil {
		shutdownStep("closing audit log", serverShutdownTimeout, func(context.Context) error {
			cfg.auditLog.Close()
			return nil
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry(stepCtx)
		})
	}
}
