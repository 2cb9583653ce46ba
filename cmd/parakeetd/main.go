// Command parakeetd is the streaming speech-recognition gateway: it fronts a
// single GPU-resident acoustic model and multiplexes WebSocket and gRPC
// clients onto it through a priority micro-batching scheduler.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parakeetd/internal/config"
	"github.com/MrWong99/parakeetd/internal/health"
	"github.com/MrWong99/parakeetd/internal/observe"
	"github.com/MrWong99/parakeetd/internal/sched"
	"github.com/MrWong99/parakeetd/internal/server"
	"github.com/MrWong99/parakeetd/pkg/asr/whisper"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	httpAddr := flag.String("http-addr", "", "override server.http_addr")
	grpcAddr := flag.String("grpc-addr", "", "override server.grpc_addr")
	modelPath := flag.String("model", "", "override model.path")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parakeetd: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parakeetd: %v\n", err)
		}
		return 1
	}
	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if *grpcAddr != "" {
		cfg.Server.GRPCAddr = *grpcAddr
	}
	if *modelPath != "" {
		cfg.Model.Path = *modelPath
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("parakeetd starting",
		"config", *configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"model", cfg.Model.Path,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "parakeetd"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Model ─────────────────────────────────────────────────────────────────
	rec, err := whisper.New(cfg.Model.Path, whisper.WithLanguage(cfg.Model.Language))
	if err != nil {
		slog.Error("failed to load model", "path", cfg.Model.Path, "err", err)
		return 1
	}
	defer rec.Close()
	slog.Info("model loaded", "path", cfg.Model.Path, "language", cfg.Model.Language)

	if cfg.Model.WarmupSeconds > 0 {
		start := time.Now()
		rec.Warmup(cfg.Model.WarmupSeconds)
		slog.Info("model warmed up", "seconds", cfg.Model.WarmupSeconds, "took", time.Since(start))
	}
	modelReady := true

	// ── Scheduler ─────────────────────────────────────────────────────────────
	scheduler := sched.New(sched.NewWorker(rec), cfg.SchedulerSettings(), sched.WithMetrics(metrics))
	scheduler.Start()
	defer scheduler.Stop()
	slog.Info("scheduler started",
		"window", cfg.SchedulerSettings().Window,
		"max_batch", cfg.Scheduler.MaxBatch,
		"queue_cap", scheduler.QueueCap(),
	)

	// ── Wire adapters ─────────────────────────────────────────────────────────
	tlsCfg, err := loadTLS(cfg.Server.TLS)
	if err != nil {
		slog.Error("failed to load TLS material", "err", err)
		return 1
	}

	streamCfg := cfg.StreamSettings()
	admission := server.NewAdmission(cfg.Server.MaxActive, metrics)

	wsHandler := server.NewWSHandler(scheduler, streamCfg, admission, logger, metrics)
	probes := health.New(
		health.ModelCheck(func() bool { return modelReady }),
		health.SchedulerCheck(scheduler),
	)
	httpSrv := server.NewHTTPServer(cfg.Server.HTTPAddr, server.NewMux(wsHandler, probes), tlsCfg)

	speechSvc := server.NewSpeechService(scheduler, streamCfg, admission, logger, metrics)
	grpcSrv := server.NewGRPCServer(speechSvc, tlsCfg)

	grpcLis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		slog.Error("failed to bind gRPC listener", "addr", cfg.Server.GRPCAddr, "err", err)
		return 1
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tlsCfg != nil {
			err = httpSrv.ListenAndServeTLS("", "")
		} else {
			err = httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})

	g.Go(func() error {
		if err := grpcSrv.Serve(grpcLis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")

		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		grpcSrv.GracefulStop()
		return nil
	})

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadTLS builds a tls.Config from the configured cert pair, or nil when TLS
// is disabled.
func loadTLS(cfg *config.TLSConfig) (*tls.Config, error) {
	if cfg == nil {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
