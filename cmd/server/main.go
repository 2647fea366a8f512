package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-erp-approvals/internal/client"
	"github.com/pesio-ai/be-erp-approvals/internal/config"
	"github.com/pesio-ai/be-erp-approvals/internal/database"
	"github.com/pesio-ai/be-erp-approvals/internal/handler"
	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
	"github.com/pesio-ai/be-erp-approvals/internal/scheduler"
	"github.com/pesio-ai/be-erp-approvals/internal/service"
	"github.com/pesio-ai/be-erp-approvals/internal/tracing"
)

func main() {
	app := &cli.App{
		Name:  "approvals-server",
		Usage: "ERP approval workflow engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"CONFIG_FILE"},
			},
		},
		Action: runServer,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "approvals-server: %v\n", err)
		os.Exit(1)
	}
}

func runServer(c *cli.Context) error {
	// Load configuration
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approvals Service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Init(cfg.Service.Name, cfg.Service.Version, cfg.Tracing.OutputFile)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Tracing shutdown failed")
			}
		}()
		log.Info().Msg("Tracing enabled")
	}

	// Initialize database
	db, err := database.New(ctx, database.Config{
		DSN:         cfg.Database.DSN(),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Optional Redis
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer rdb.Close()
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis connection established")
	}

	// Optional NATS
	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Service.Name),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer nc.Drain()
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	}

	// Notifier chain: dedup -> NATS publisher
	var publisher client.Publisher
	if nc != nil {
		publisher = nc
	}
	var notifier service.Notifier = client.NewNotificationPublisher(publisher, cfg.NATS.SubjectPrefix, log)
	var dedupStore client.DedupStore = client.NewMemoryDedupStore(nil)
	if rdb != nil {
		dedupStore = client.NewRedisDedupStore(rdb, cfg.Service.Name+":notify:")
	}
	notifier = client.NewDedupNotifier(notifier, dedupStore, cfg.Engine.NotifyDedupWindow, log)

	// Engine
	opts := []service.Option{}
	if rdb != nil {
		opts = append(opts, service.WithInstanceNoAllocator(service.NewRedisAllocator(rdb, cfg.Service.Name+":instance_no:")))
	}
	engine := service.NewEngine(
		repository.NewPostgresStore(db),
		repository.NewDirectoryRepository(db),
		notifier,
		log,
		opts...,
	)

	// gRPC health + reflection
	healthHandler := handler.NewHealthHandler(db, cfg.Service.Name, cfg.Database.HealthCheck, log)
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(handler.UnaryServerInterceptor(log)))
	healthpb.RegisterHealthServer(grpcServer, healthHandler)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("create gRPC listener: %w", err)
	}

	// Metrics
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Timeout sweeper
	sweeper := scheduler.NewTimeoutSweeper(engine, cfg.Engine.TimeoutPollSpec, cfg.Engine.TimeoutBatchSize, log)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		return grpcServer.Serve(grpcListener)
	})

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.MetricsPort).Msg("Starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return healthHandler.Run(gctx)
	})

	g.Go(func() error {
		if err := sweeper.Start(gctx); err != nil {
			return fmt.Errorf("start timeout sweeper: %w", err)
		}
		<-gctx.Done()
		<-sweeper.Stop().Done()
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown failed")
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	log.Info().Msg("Server stopped")
	return nil
}
