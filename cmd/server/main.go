package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nanogrid_simulator/internal/api"
	"nanogrid_simulator/internal/config"
	"nanogrid_simulator/internal/forecast"
	"nanogrid_simulator/internal/grid"
	"nanogrid_simulator/internal/ledger"
	"nanogrid_simulator/internal/metrics"
	"nanogrid_simulator/internal/simulator"
	"nanogrid_simulator/internal/store"
	"nanogrid_simulator/internal/ws"
)

// faultTrainingExamples sizes the synthetic set used when the fault model
// is trained at startup.
const faultTrainingExamples = 600

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if *addr != "" {
		cfg.API.Addr = *addr
	}

	logger, err := config.NewLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server_exit", "err", err)
		os.Exit(1)
	}
}

// app is the wired server: engine, settlement and HTTP surface.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	engine    *simulator.Engine
	publisher *ledger.Publisher
	hub       *ws.Hub
	handler   http.Handler
	closeLog  func() error
}

func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	seed := cfg.Grid.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed>>1))

	spec, err := cfg.LoadPopulationSpec()
	if err != nil {
		return nil, err
	}
	pop, err := grid.Build(spec, rng)
	if err != nil {
		return nil, fmt.Errorf("building population: %w", err)
	}

	a := &app{cfg: cfg, log: log, closeLog: func() error { return nil }}

	var led ledger.Ledger
	if cfg.Ledger.Path != "" {
		fs, err := ledger.OpenFileStore(cfg.Ledger.Path, log)
		if err != nil {
			return nil, fmt.Errorf("opening ledger: %w", err)
		}
		led, a.closeLog = fs, fs.Close
	} else {
		chain, err := ledger.NewChain(ledger.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("creating ledger: %w", err)
		}
		led = chain
	}

	m := metrics.New()

	a.publisher, err = ledger.NewPublisher(cfg.PublisherConfig(), log)
	if err != nil {
		a.closeLog()
		return nil, fmt.Errorf("settlement publisher: %w", err)
	}

	svc := forecast.NewService(
		forecast.NewStatistical(cfg.Forecast.Window),
		loadFaultDetector(cfg.Forecast, seed, log),
		store.New(cfg.Forecast.History),
		forecast.WithFaultSampleRate(cfg.Forecast.FaultSampleRate),
		forecast.WithRand(rand.New(rand.NewPCG(seed^0x5eed, seed))),
		forecast.WithServiceLogger(log),
	)

	a.hub = ws.NewHub(log)
	opts := []simulator.Option{
		simulator.WithForecasts(svc),
		simulator.WithMetrics(m),
		simulator.WithLogger(log),
	}
	if a.publisher.Enabled() {
		opts = append(opts, simulator.WithSettlement(a.publisher))
	}
	a.engine, err = simulator.New(simulator.Options{
		Population:   pop,
		Load:         cfg.LoadModel(rng),
		HoursPerTick: cfg.Clock.HoursPerTick,
		StartHour:    cfg.Clock.StartHour,
	}, led, ws.NewBridge(a.hub, log), opts...)
	if err != nil {
		a.closeLog()
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	a.publisher.OnSuccess(func(ledger.Block) { m.SettlementSucceeded() })

	a.handler = api.NewHandler(api.Deps{
		Engine:            a.engine,
		Forecasts:         svc,
		Metrics:           m,
		WS:                ws.NewHandler(a.hub, a.engine, cfg.Clock.TickInterval, log),
		DefaultInterval:   cfg.Clock.TickInterval,
		SettlementEnabled: a.publisher.Enabled(),
		CORSOrigins:       cfg.API.CORSOrigins,
		Logger:            log,
	})
	return a, nil
}

// loadFaultDetector returns nil when no model is configured or loading
// fails; the service then reports the model as unavailable.
func loadFaultDetector(cfg config.ForecastConfig, seed uint64, log *slog.Logger) *forecast.FaultDetector {
	if cfg.FaultModelPath != "" {
		det, err := forecast.LoadFaultDetector(cfg.FaultModelPath)
		if err == nil {
			log.Info("fault_model_loaded", "path", cfg.FaultModelPath)
			return det
		}
		if !cfg.TrainFaultModel {
			log.Warn("fault_model_unavailable", "path", cfg.FaultModelPath, "err", err)
			return nil
		}
	}
	if !cfg.TrainFaultModel {
		return nil
	}

	start := time.Now()
	det, losses := forecast.TrainFaultDetector(faultTrainingExamples, forecast.DefaultTrainConfig(), seed)
	final := 0.0
	if len(losses) > 0 {
		final = losses[len(losses)-1]
	}
	log.Info("fault_model_trained", "examples", faultTrainingExamples, "val_loss", final, "took", time.Since(start))
	if cfg.FaultModelPath != "" {
		if err := det.Save(cfg.FaultModelPath); err != nil {
			log.Warn("fault_model_save_failed", "path", cfg.FaultModelPath, "err", err)
		}
	}
	return det
}

// run serves until ctx is cancelled or the engine halts on a fatal error.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.closeLog(); err != nil {
			log.Error("ledger_close_failed", "err", err)
		}
	}()

	if err := a.publisher.Start(ctx); err != nil {
		return fmt.Errorf("starting settlement publisher: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.publisher.Stop(stopCtx); err != nil {
			log.Warn("settlement_publisher_stop_failed", "err", err)
		}
	}()

	if cfg.Clock.Autostart {
		if err := a.engine.Start(cfg.Clock.TickInterval); err != nil {
			return fmt.Errorf("starting engine: %w", err)
		}
	}
	defer a.engine.Stop()

	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(a.hub.Close)
	serveErr := make(chan error, 1)
	go func() {
		log.Info("server_listening", "addr", cfg.API.Addr, "nanogrids", cfg.Grid.Nanogrids, "ledger", cfg.Ledger.Path)
		serveErr <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("server_shutdown", "reason", ctx.Err())
	case <-a.engine.Done():
		runErr = fmt.Errorf("engine halted: %w", a.engine.Err())
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server_shutdown_failed", "err", err)
	}
	return runErr
}
