package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/samijaber1/aegis-authz/internal/api"
	"github.com/samijaber1/aegis-authz/internal/celexpr"
	"github.com/samijaber1/aegis-authz/internal/config"
	"github.com/samijaber1/aegis-authz/internal/grpcauthz"
	"github.com/samijaber1/aegis-authz/internal/logging"
	"github.com/samijaber1/aegis-authz/internal/reload"
	"github.com/samijaber1/aegis-authz/internal/storage"
	"github.com/samijaber1/aegis-authz/internal/storage/sqlite"
	"github.com/samijaber1/aegis-authz/internal/telemetry"
)

func main() {
	fs := pflag.NewFlagSet("authz-server", pflag.ExitOnError)
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	logger.Info("starting aegis-authz server",
		zap.Int("port", cfg.Port),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.String("policy_dir", cfg.PolicyDirectory),
		zap.String("unknown_mode", cfg.UnknownMode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.NewProvider()
	if err != nil {
		return fmt.Errorf("failed to create telemetry provider: %w", err)
	}

	evaluator, err := celexpr.New(celexpr.WithCostLimit(cfg.CostLimit))
	if err != nil {
		return err
	}

	// Audit storage is optional
	var (
		auditStore storage.AuditStorage
		recorder   *storage.AsyncRecorder
	)
	if cfg.AuditDatabase != "" {
		store, err := sqlite.NewStore(cfg.AuditDatabase)
		if err != nil {
			return fmt.Errorf("failed to open audit database: %w", err)
		}
		auditStore = store
		recorder = storage.NewAsyncRecorder(store, 0, logger)
		logger.Info("audit storage enabled", zap.String("path", cfg.AuditDatabase))

		if latest, err := store.GetLatestRevision(ctx); err == nil && latest != nil {
			logger.Info("previous revision on record",
				zap.String("revision_id", latest.ID),
				zap.String("digest", latest.Digest),
				zap.Time("loaded_at", latest.LoadedAt),
			)
		}
	}

	reloader, err := reload.New(reload.Options{
		Directory: cfg.PolicyDirectory,
		Evaluator: evaluator,
		Interval:  cfg.ReloadInterval,
		Burst:     cfg.ReloadBurst,
		Audit:     auditStore,
		Metrics:   provider.Metrics(),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if _, err := reloader.Load(ctx); err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	if err := reloader.Start(); err != nil {
		return err
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := reloader.SubscribeRedis(ctx, redisClient, cfg.RedisChannel); err != nil {
			// polling still picks up changes
			logger.Warn("redis reload notifications disabled", zap.Error(err))
		}
	}

	var apiRecorder api.DecisionRecorder
	var grpcRecorder grpcauthz.DecisionRecorder
	if recorder != nil {
		apiRecorder = recorder
		grpcRecorder = recorder
	}

	apiServer := api.NewServer(api.Options{
		Addr:      fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Policies:  reloader,
		Audit:     auditStore,
		Recorder:  apiRecorder,
		Metrics:   provider.Metrics(),
		Telemetry: provider,
		Logger:    logger,
	})

	var grpcServer *grpc.Server
	if cfg.GRPCPort != 0 {
		authorizer := grpcauthz.New(grpcauthz.Options{
			Source:      reloader,
			UnknownMode: cfg.UnknownMode,
			Recorder:    grpcRecorder,
			Metrics:     provider.Metrics(),
			Logger:      logger,
		})
		grpcServer = grpc.NewServer(
			grpc.ChainUnaryInterceptor(authorizer.UnaryServerInterceptor()),
			grpc.ChainStreamInterceptor(authorizer.StreamServerInterceptor()),
		)
		healthServer := health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return apiServer.Start()
	})

	if grpcServer != nil {
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.GRPCPort)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		g.Go(func() error {
			logger.Info("starting gRPC server", zap.String("addr", addr))
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
		defer cancel()

		var errs error
		errs = multierr.Append(errs, apiServer.Shutdown(shutdownCtx))
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		reloader.Stop()
		if redisClient != nil {
			errs = multierr.Append(errs, redisClient.Close())
		}
		if recorder != nil {
			errs = multierr.Append(errs, recorder.Close(shutdownCtx))
		}
		if auditStore != nil {
			errs = multierr.Append(errs, auditStore.Close())
		}
		errs = multierr.Append(errs, provider.Shutdown(shutdownCtx))

		logger.Info("shutdown complete")
		return errs
	})

	return g.Wait()
}
