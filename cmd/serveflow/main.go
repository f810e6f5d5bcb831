// serveflow is the model-serving frontend: it accepts inference requests
// over HTTP, batches them per model, and dispatches batches to out-of-process
// model workers.
//
// Usage:
//
//	serveflow serve                       # start the frontend
//	serveflow serve --config config.yaml  # with a config file
//	serveflow version                     # print version info
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/serveflow/api"
	"github.com/BaSui01/serveflow/api/handlers"
	"github.com/BaSui01/serveflow/config"
	"github.com/BaSui01/serveflow/internal/metrics"
	"github.com/BaSui01/serveflow/internal/server"
	"github.com/BaSui01/serveflow/internal/telemetry"
	"github.com/BaSui01/serveflow/queue"
	"github.com/BaSui01/serveflow/transport"
	"github.com/BaSui01/serveflow/wlm"
)

// Version info, injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "serveflow:", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("serveflow %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: serveflow <command>

commands:
  serve     start the serving frontend
  version   print version information`)
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	collector := metrics.NewCollector("serveflow", logger)

	newQueue, err := queueFactory(cfg, logger)
	if err != nil {
		return err
	}

	dialer := workerDialer(cfg.Worker)
	mgr := wlm.NewManager(dialer, newQueue, collector, logger)

	ctx := context.Background()
	for _, m := range cfg.Models {
		spec := wlm.ModelSpec{
			Name:        m.Name,
			Device:      m.Device,
			MinWorkers:  m.MinWorkers,
			Queue:       m.QueueSettings(),
			RateLimit:   m.RateLimit,
			RateBurst:   m.RateBurst,
			LoadTimeout: m.LoadTimeout,
		}
		if err := mgr.RegisterModel(ctx, spec); err != nil {
			return fmt.Errorf("register model %s: %w", m.Name, err)
		}
	}

	auth := handlers.NewAuthMiddleware(cfg.Auth.Enabled, cfg.Auth.Secret, cfg.Auth.Issuer, logger)
	router := api.NewRouter(api.Deps{
		Inference:      mgr,
		Management:     mgr,
		Collector:      collector,
		Logger:         logger,
		Auth:           auth,
		RequestTimeout: cfg.Server.WriteTimeout,
	})

	srv := server.NewManager(router, cfg.Server, logger)
	if err := srv.Start(); err != nil {
		return err
	}

	logger.Info("serveflow started",
		zap.String("addr", cfg.Server.Addr),
		zap.Int("models", len(cfg.Models)),
		zap.String("queue_backend", cfg.Queue.Backend),
	)

	srv.WaitForShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("manager shutdown", zap.Error(err))
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", zap.Error(err))
	}
	return nil
}

// queueFactory picks the queue backend from config.
func queueFactory(cfg *config.Config, logger *zap.Logger) (wlm.QueueFactory, error) {
	switch cfg.Queue.Backend {
	case "memory":
		return func(model string, qcfg queue.Config) (queue.JobQueue, error) {
			return queue.NewMemory(qcfg, logger), nil
		}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		return func(model string, qcfg queue.Config) (queue.JobQueue, error) {
			return queue.NewRedis(client, model, qcfg, logger)
		}, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

// workerDialer connects runners to workers over websocket, identifying the
// model and worker in the query string.
func workerDialer(cfg config.WorkerConfig) transport.Dialer {
	return func(ctx context.Context, modelName, workerID string) (transport.Transport, error) {
		timeout := cfg.DialTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		endpoint := cfg.Endpoint + "?" + url.Values{
			"model":  {modelName},
			"worker": {workerID},
		}.Encode()
		return transport.DialWebSocket(dialCtx, endpoint)
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, err
		}
	}

	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
