package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alejandrodnm/slotmatrix/config"
	"github.com/alejandrodnm/slotmatrix/internal/adapters/notify"
	"github.com/alejandrodnm/slotmatrix/internal/adapters/storage"
	"github.com/alejandrodnm/slotmatrix/internal/application/engine/cascade"
	"github.com/alejandrodnm/slotmatrix/internal/application/engine/payout"
	"github.com/alejandrodnm/slotmatrix/internal/application/engine/processor"
	"github.com/alejandrodnm/slotmatrix/internal/application/engine/tree"
	"github.com/alejandrodnm/slotmatrix/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	mode := flag.String("mode", "serve", "serve | submit | report")
	eventsPath := flag.String("events", "", "JSONL file of registrations and fee events (serve: default stdin)")
	participant := flag.String("participant", "", "participant to report on")
	program := flag.String("program", "", "report: program of the tree to print")
	tier := flag.Int("tier", 1, "report: tier of the tree to print")
	recycle := flag.Int("recycle", -1, "report: recycle index of the tree (default: current)")
	verbose := flag.Bool("verbose", false, "set log level to debug and print every posting")
	logFormat := flag.String("format", "", "log format: text|json|tint (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	slog.Info("slotmatrix starting",
		"config", *configPath,
		"mode", *mode,
		"dsn", cfg.Storage.DSN,
		"root", cfg.Engine.RootParticipant,
		"overshoot", cfg.Engine.ReserveOvershoot,
		"workers", cfg.Engine.Workers,
	)

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	console := notify.NewConsole(*verbose)
	proc, err := buildProcessor(cfg, store, console)
	if err != nil {
		slog.Error("failed to build engine", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := proc.Bootstrap(ctx); err != nil {
		slog.Error("bootstrap failed", "err", err)
		os.Exit(1)
	}

	switch *mode {
	case "serve":
		err = runServe(ctx, cfg, proc, *eventsPath)
	case "submit":
		err = runSubmit(ctx, proc, console, *eventsPath)
	case "report":
		err = runReport(ctx, cfg, proc, console, reportRequest{
			participant: *participant,
			program:     *program,
			tier:        *tier,
			recycle:     *recycle,
		})
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("slotmatrix exited with error", "mode", *mode, "err", err)
		os.Exit(1)
	}

	slog.Info("slotmatrix stopped cleanly")
}

// buildProcessor conecta los motores con el store.
func buildProcessor(cfg *config.Config, store *storage.SQLiteStorage, console *notify.Console) (*processor.Processor, error) {
	tables, err := cfg.Tables()
	if err != nil {
		return nil, err
	}
	overshoot, err := cfg.Overshoot()
	if err != nil {
		return nil, err
	}

	placer := tree.New(tree.Config{
		Tables:          tables,
		RootParticipant: cfg.Engine.RootParticipant,
		MaxRecycleChain: cfg.Engine.RecycleChainLimit,
	})
	distributor := payout.New(payout.Config{
		Tables:       tables,
		FallbackPool: cfg.Engine.FallbackPool,
		Precision:    cfg.Engine.Precision,
	})
	casc := cascade.New(cascade.Config{
		Tables:    tables,
		MaxDepth:  cfg.Engine.CascadeMaxDepth,
		Overshoot: overshoot,
		Currency:  cfg.Engine.Currency,
	})

	return processor.New(store, store, console, placer, distributor, casc, clockwork.NewRealClock(), processor.Config{
		Tables:          tables,
		RootParticipant: cfg.Engine.RootParticipant,
		Currency:        cfg.Engine.Currency,
		Workers:         cfg.Engine.Workers,
		IntakeRate:      cfg.Engine.IntakeRate,
		MaxAttempts:     cfg.Engine.CascadeMaxAttempts,
	}), nil
}

// runServe procesa eventos de forma continua: intake por workers, cascadas
// por polling + cron, y /metrics si está configurado.
func runServe(ctx context.Context, cfg *config.Config, proc *processor.Processor, eventsPath string) error {
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			slog.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	sweeper := processor.NewSweeper(ctx, proc)
	if err := sweeper.Register(cfg.Engine.DrainCron, cfg.Engine.ReviewCron); err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	go proc.PollCascades(ctx, cfg.CascadePollInterval())

	var in io.Reader = os.Stdin
	if eventsPath != "" {
		f, err := os.Open(eventsPath)
		if err != nil {
			return fmt.Errorf("open events: %w", err)
		}
		defer f.Close()
		in = f
	}

	events := make(chan domain.FeeEvent)
	outcomes := make(chan processor.Outcome, 64)
	go func() {
		for o := range outcomes {
			if o.Err != nil {
				slog.Debug("event rejected", "event", o.Event.ID, "err", o.Err)
			}
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- proc.Serve(ctx, events, outcomes)
		close(outcomes)
	}()

	// La lectura de stdin no se puede cancelar: no se espera si ctx termina antes.
	readErr := make(chan error, 1)
	go func() {
		defer close(events)
		readErr <- readIntake(ctx, in, func(r registration) error {
			if _, err := proc.Register(ctx, r.ID, r.ReferralParent); err != nil {
				slog.Warn("registration rejected", "participant", r.ID, "err", err)
			}
			return nil
		}, func(ev domain.FeeEvent) error {
			select {
			case events <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	if err := <-serveErr; err != nil {
		return err
	}
	if err := <-readErr; err != nil {
		return err
	}

	slog.Info("intake finished, serving cascades until shutdown")
	<-ctx.Done()
	return nil
}

// runSubmit procesa un lote JSONL y drena las cascadas resultantes.
func runSubmit(ctx context.Context, proc *processor.Processor, console *notify.Console, eventsPath string) error {
	if eventsPath == "" {
		return errors.New("submit mode needs -events")
	}
	f, err := os.Open(eventsPath)
	if err != nil {
		return fmt.Errorf("open events: %w", err)
	}
	defer f.Close()

	start := time.Now()
	summary := notify.SubmitSummary{Rejected: make(map[string]int)}

	var events []domain.FeeEvent
	err = readIntake(ctx, f, func(r registration) error {
		if _, err := proc.Register(ctx, r.ID, r.ReferralParent); err != nil {
			summary.Rejected[rejectReason(err)]++
		}
		return nil
	}, func(ev domain.FeeEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return err
	}

	outcomes, err := proc.SubmitAll(ctx, events)
	if err != nil {
		return err
	}
	for _, o := range outcomes {
		if o.Err != nil {
			summary.Rejected[rejectReason(o.Err)]++
			continue
		}
		summary.Accepted++
		summary.Recycles += len(o.Result.Recycles)
		summary.Deferred += len(o.Result.Deferred)
	}

	summary.Cascades, err = proc.DrainCascades(ctx)
	if err != nil {
		slog.Warn("cascade drain incomplete", "processed", summary.Cascades, "err", err)
	}
	summary.Duration = time.Since(start)
	console.PrintSubmitSummary(summary)
	return nil
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "tint":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
