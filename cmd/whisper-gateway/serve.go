package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"whisper-gateway/internal/audio"
	"whisper-gateway/internal/backend"
	"whisper-gateway/internal/config"
	"whisper-gateway/internal/dispatch"
	"whisper-gateway/internal/health"
	"whisper-gateway/internal/logging"
	"whisper-gateway/internal/metrics"
	"whisper-gateway/internal/rabbitmq"
	"whisper-gateway/internal/server"
	"whisper-gateway/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(parent context.Context, cfg *config.Config) error {
	log := logging.New(cfg.Logging)
	log.Info().
		Str("version", version).
		Str(logging.FieldBackend, cfg.Backend).
		Str("model", cfg.ModelName()).
		Int("concurrency", cfg.Concurrency).
		Int("capacity", cfg.QueueCapacity).
		Str("max_file_size", humanize.Bytes(uint64(cfg.MaxFileBytes))).
		Msg("Whisper gateway starting")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := metrics.Init(ctx, metrics.Config{
		ServiceName:    "whisper-gateway",
		ServiceVersion: version,
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       true,
		Interval:       cfg.MetricsInterval,
	}, logging.Component(log, "metrics"))
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	instruments, err := metrics.NewDispatch(metrics.Meter())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	b, err := newBackend(cfg, logging.Component(log, "backend"))
	if err != nil {
		return fmt.Errorf("init backend: %w", err)
	}

	monitor := health.NewMonitor(b, health.Config{
		Interval:         cfg.HealthInterval,
		FailureThreshold: cfg.HealthFailureThreshold,
		Model:            cfg.ModelName(),
	}, logging.Component(log, "health"))

	dispatcher := dispatch.New(b, monitor, dispatch.Config{
		Capacity:    cfg.QueueCapacity,
		Concurrency: cfg.Concurrency,
		Timeout:     cfg.QueueTimeout,
	}, instruments, logging.Component(log, "dispatch"))

	validator := audio.NewValidator(cfg.MaxFileBytes)
	srv := server.New(server.Config{
		Addr:            cfg.Addr(),
		DefaultLanguage: cfg.DefaultLanguage,
		AllowedOrigins:  cfg.AllowedOrigins(),
	}, validator, dispatcher, monitor, logging.Component(log, "http"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(gctx) })

	serveErr := make(chan error, 1)
	if err := srv.Start(serveErr); err != nil {
		stop()
		dispatcher.Close(context.Background())
		b.Close(context.Background())
		return err
	}
	g.Go(func() error {
		select {
		case err := <-serveErr:
			return fmt.Errorf("http server: %w", err)
		case <-gctx.Done():
			return nil
		}
	})

	bridgeDone := make(chan struct{})
	if cfg.RabbitMQURL != "" {
		g.Go(func() error {
			defer close(bridgeDone)
			runBridge(gctx, cfg, dispatcher, validator, logging.Component(log, "amqp"))
			return nil
		})
	} else {
		close(bridgeDone)
	}

	log.Info().Str("addr", cfg.Addr()).Msg("Ready, waiting for requests")
	<-gctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown")
	}
	select {
	case <-bridgeDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Queue bridge did not stop in time")
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Dispatcher shutdown")
	}
	if err := b.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Backend shutdown")
	}
	if err := shutdownMetrics(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Metrics shutdown")
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Stopped")
	return nil
}

func newBackend(cfg *config.Config, log zerolog.Logger) (backend.Backend, error) {
	switch cfg.Backend {
	case config.BackendRemote:
		return backend.NewRemoteBackend(backend.RemoteConfig{
			URL:     cfg.RemoteURL,
			Timeout: cfg.RemoteTimeout,
		}, log), nil
	case config.BackendProcess:
		b, err := backend.NewProcessBackend(backend.ProcessConfig{
			Pool: backend.PoolConfig{
				Size:         cfg.Concurrency,
				PythonPath:   cfg.PythonPath,
				WorkerScript: cfg.WorkerScript,
				Env:          cfg.GetPythonEnv(),
				IdleTimeout:  cfg.ProcessIdleTimeout,
			},
			TmpDir: cfg.TmpDir,
			Model:  cfg.ModelName(),
		}, log)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// runBridge consumes queued jobs until ctx is done. Failures are logged and
// leave the HTTP gateway running.
func runBridge(ctx context.Context, cfg *config.Config, d *dispatch.Dispatcher, v *audio.Validator, log zerolog.Logger) {
	conn, err := rabbitmq.Connect(ctx, cfg.RabbitMQURL, log)
	if err != nil {
		log.Error().Err(err).Msg("Queue bridge disabled")
		return
	}
	defer conn.Close()

	consumer, err := rabbitmq.NewConsumer(conn, cfg.RabbitMQPrefetch, log)
	if err != nil {
		log.Error().Err(err).Msg("Queue bridge disabled")
		return
	}
	defer consumer.Close()

	producer, err := rabbitmq.NewProducer(conn, cfg.ModelName(), log)
	if err != nil {
		log.Error().Err(err).Msg("Queue bridge disabled")
		return
	}
	defer producer.Close()

	jobs, err := consumer.Consume(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Queue bridge disabled")
		return
	}

	pool := worker.NewPool(d, producer, v, worker.Config{
		Workers:         cfg.RabbitMQPrefetch,
		DefaultLanguage: cfg.DefaultLanguage,
	}, log)
	pool.Run(ctx, jobs)
}
