package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/unionpay/riskgate/internal/api"
	"github.com/unionpay/riskgate/internal/config"
	"github.com/unionpay/riskgate/internal/events"
	"github.com/unionpay/riskgate/internal/interfaces"
	"github.com/unionpay/riskgate/internal/metrics"
	"github.com/unionpay/riskgate/internal/repository"
	"github.com/unionpay/riskgate/internal/service"
	risksignal "github.com/unionpay/riskgate/internal/signal"
	"github.com/unionpay/riskgate/internal/telemetry"
)

const (
	sweepInterval = time.Minute
	purgeInterval = 10 * time.Minute
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize telemetry
	if err := telemetry.InitTelemetry("risk-gate", cfg.JaegerEndpoint,
		telemetry.AttrSessionStore.String(cfg.SessionStore),
		telemetry.AttrSignalProvider.String(cfg.SignalProvider),
		telemetry.AttrFailSafe.Bool(cfg.FailSafeOnSignalUnavailable),
	); err != nil {
		panic(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(context.Background())

	for _, key := range cfg.Invalid {
		telemetry.Logger.Warn("Invalid configuration value, using default",
			zap.String("key", key),
			zap.String("value", os.Getenv(key)),
		)
	}

	telemetry.Logger.Info("Starting Risk Gate")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	store, closeStore := newSessionStore(ctx, cfg)
	defer closeStore()

	provider, closeProvider := newSignalProvider(cfg)
	defer closeProvider()

	policy := service.DefaultPolicy()
	if cfg.PolicyFile != "" {
		p, err := service.LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			telemetry.Logger.Fatal("Failed to load policy file", zap.String("path", cfg.PolicyFile), zap.Error(err))
		}
		policy = p
	}

	// Connect to Kafka
	var publisher interface {
		interfaces.EventPublisher
		service.DecisionPublisher
	} = events.NopPublisher{}
	var kafkaWriter *kafka.Writer
	if len(cfg.KafkaBrokers) > 0 {
		kafkaWriter = &kafka.Writer{
			Addr:     kafka.TCP(cfg.KafkaBrokers...),
			Balancer: &kafka.LeastBytes{},
		}
		defer kafkaWriter.Close()
		publisher = events.NewKafkaPublisher(kafkaWriter, cfg.EventsTopic, cfg.DecisionsTopic)
	} else {
		telemetry.Logger.Warn("KAFKA_BROKERS not set, session events are not published")
	}

	clock := service.SystemClock{}
	gate := service.NewGate(provider, store, publisher, clock, service.GateConfig{
		SessionTTL:                  cfg.SessionTTL,
		SignalTimeout:               cfg.SignalTimeout,
		FailSafeOnSignalUnavailable: cfg.FailSafeOnSignalUnavailable,
		Policy:                      policy,
		Metrics:                     metrics.New(prometheus.DefaultRegisterer),
	})

	// Consume payment.created and publish risk decisions
	if kafkaWriter != nil {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.PaymentsTopic,
			GroupID: cfg.ConsumerGroup,
		})
		defer reader.Close()

		consumer := service.NewPaymentConsumer(reader, gate, publisher, clock)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				telemetry.Logger.Error("Payment consumer stopped", zap.Error(err))
			}
		}()
	}

	// Setup HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.NewRouter(gate, prometheus.DefaultGatherer),
	}

	go func() {
		telemetry.Logger.Info("Risk Gate HTTP starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// gRPC health endpoint for the mesh
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		telemetry.Logger.Fatal("Failed to listen for gRPC", zap.String("port", cfg.GRPCPort), zap.Error(err))
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		telemetry.Logger.Info("Risk Gate gRPC health starting", zap.String("port", cfg.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			telemetry.Logger.Error("gRPC server stopped", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	telemetry.Logger.Info("Shutting down server...")
	healthServer.Shutdown()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()

	telemetry.Logger.Info("Server exited")
}

func newSessionStore(ctx context.Context, cfg *config.Config) (interfaces.SessionStore, func()) {
	switch cfg.SessionStore {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			telemetry.Logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		store := repository.NewPostgresSessionStore(db)
		if err := store.InitDB(); err != nil {
			telemetry.Logger.Fatal("Failed to initialize database", zap.Error(err))
		}
		go every(ctx, purgeInterval, func(now time.Time) {
			n, err := store.Purge(ctx, now.Add(-cfg.SessionRetention))
			if err != nil {
				telemetry.Logger.Error("Failed to purge verification sessions", zap.Error(err))
				return
			}
			if n > 0 {
				telemetry.Logger.Debug("Purged verification sessions", zap.Int64("count", n))
			}
		})
		return store, func() { db.Close() }

	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			opts = &redis.Options{Addr: cfg.RedisURL}
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			telemetry.Logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		return repository.NewRedisSessionStore(client, cfg.SessionRetention), func() { client.Close() }

	case "memory":
		store := repository.NewMemorySessionStore()
		go every(ctx, sweepInterval, func(now time.Time) {
			if n := store.Sweep(now.Add(-cfg.SessionRetention)); n > 0 {
				telemetry.Logger.Debug("Swept verification sessions", zap.Int("count", n))
			}
		})
		return store, func() {}
	}

	telemetry.Logger.Fatal("Unknown SESSION_STORE", zap.String("value", cfg.SessionStore))
	return nil, nil
}

// every runs fn on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(now time.Time)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fn(now)
		}
	}
}

func newSignalProvider(cfg *config.Config) (interfaces.SignalProvider, func()) {
	switch cfg.SignalProvider {
	case "nats":
		nc, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			telemetry.Logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		return risksignal.NewNATSProvider(nc, cfg.SignalSubject), nc.Close

	case "http":
		client := &http.Client{Timeout: cfg.SignalTimeout}
		return risksignal.NewHTTPProvider(cfg.FraudServiceURL, client), func() {}

	case "static":
		p, err := risksignal.ParseStaticSignals(cfg.StaticSignals)
		if err != nil {
			telemetry.Logger.Fatal("Invalid STATIC_SIGNALS", zap.Error(err))
		}
		return p, func() {}
	}

	telemetry.Logger.Fatal("Unknown SIGNAL_PROVIDER", zap.String("value", cfg.SignalProvider))
	return nil, nil
}
