package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/recipe-be/internal/api/handler"
	"github.com/cuongbtq/recipe-be/internal/api/router"
	apistorage "github.com/cuongbtq/recipe-be/internal/api/storage"
	"github.com/cuongbtq/recipe-be/internal/config"
	"github.com/cuongbtq/recipe-be/internal/generation/gemini"
	"github.com/cuongbtq/recipe-be/internal/jobqueue"
	"github.com/cuongbtq/recipe-be/internal/push"
	"github.com/cuongbtq/recipe-be/internal/shutdown"
	"github.com/cuongbtq/recipe-be/internal/worker"
	workerstorage "github.com/cuongbtq/recipe-be/internal/worker/storage"
	"github.com/cuongbtq/recipe-be/migrations"
	"github.com/cuongbtq/recipe-be/shared/logger"
	"github.com/cuongbtq/recipe-be/shared/postgresql"
	"github.com/cuongbtq/recipe-be/shared/rabbitmq"
	"github.com/cuongbtq/recipe-be/shared/redis"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	code, err := run()
	if err != nil {
		log.Fatal(err)
	}
	os.Exit(code)
}

func run() (int, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return 1, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return 1, fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return 1, fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.Bool("embedded_worker", cfg.Worker.Embedded),
	)

	orchestrator := shutdown.New(appLogger.Logger,
		shutdown.WithForceExitTimeout(cfg.Shutdown.ForceExitTimeout),
		shutdown.WithHandlerTimeout(cfg.Shutdown.HandlerTimeout),
		shutdown.WithServerTimeout(cfg.Shutdown.ServerTimeout),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Release whatever was already opened when startup fails
	abort := func(err error) (int, error) {
		_ = orchestrator.Shutdown(context.Background())
		return 1, err
	}

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return abort(fmt.Errorf("failed to initialize database: %w", err))
	}
	mustRegister(orchestrator, "database", shutdown.PriorityDatabase, func(context.Context) error {
		return dbClient.Close()
	})

	appLogger.Info("Database connection established")

	if cfg.Database.AutoMigrate {
		if err := dbClient.Migrate(ctx, migrations.FS, "."); err != nil {
			return abort(err)
		}
	}

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return abort(fmt.Errorf("failed to initialize RabbitMQ: %w", err))
	}
	mustRegister(orchestrator, "rabbitmq", shutdown.PriorityQueue, func(context.Context) error {
		return rabbitClient.Close()
	})

	appLogger.Info("RabbitMQ connection established")

	queue := jobqueue.New(rabbitClient, appLogger.Logger)
	registry := push.NewRegistry(appLogger.Logger, cfg.Push.HeartbeatInterval)

	healthChecks := map[string]handler.HealthCheck{
		"database": dbClient.HealthCheck,
		"rabbitmq": func(context.Context) error {
			if !rabbitClient.IsConnected() {
				return rabbitmq.ErrNotConnected
			}
			return nil
		},
	}

	// Results from a worker in another process arrive over the Redis relay
	if cfg.Redis.Enabled {
		redisClient, err := initRedis(&cfg.Redis, appLogger.Logger)
		if err != nil {
			return abort(fmt.Errorf("failed to initialize Redis: %w", err))
		}

		payloads, unsubscribe, err := redisClient.Subscribe(ctx, cfg.Redis.Channel)
		if err != nil {
			redisClient.Close()
			return abort(fmt.Errorf("failed to subscribe to push relay: %w", err))
		}
		go push.Forward(ctx, payloads, registry, appLogger.Logger)

		mustRegister(orchestrator, "push relay", shutdown.PriorityRelay, func(context.Context) error {
			return errors.Join(unsubscribe(), redisClient.Close())
		})
		healthChecks["redis"] = redisClient.Ping

		appLogger.Info("Push relay subscribed", slog.String("channel", cfg.Redis.Channel))
	}

	// The embedded worker delivers straight into the local registry
	var drainWorker func(context.Context) error
	if cfg.Worker.Embedded {
		generator, err := gemini.NewGenerator(ctx, initGeminiConfig(&cfg.Gemini), appLogger.Logger)
		if err != nil {
			return abort(fmt.Errorf("failed to initialize generator: %w", err))
		}
		mustRegister(orchestrator, "generator", shutdown.PriorityExternal, func(context.Context) error {
			return generator.Close()
		})

		recipeWorker := worker.NewWorker(&worker.Config{
			Logger:      appLogger.Logger,
			Queue:       queue,
			Generator:   generator,
			Notifier:    registry,
			Store:       workerstorage.NewStorage(dbClient.GetDB(), appLogger.Logger),
			Concurrency: cfg.Worker.Concurrency,
			JobTimeout:  cfg.Worker.JobTimeout,
			WorkerID:    cfg.Worker.WorkerID,
		})
		if err := recipeWorker.Start(ctx); err != nil {
			return abort(fmt.Errorf("failed to start worker: %w", err))
		}
		mustRegister(orchestrator, "worker", shutdown.PriorityWorkers, recipeWorker.Stop)
		drainWorker = recipeWorker.Stop
	}

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, &handler.Dependencies{
		Logger:          appLogger.Logger,
		ServiceName:     cfg.App.Name,
		Queue:           queue,
		Registry:        registry,
		Storage:         apistorage.NewStorage(dbClient),
		Origins:         handler.NewOriginPolicy(cfg.Push.AllowedOrigins, cfg.Push.DefaultOrigin),
		UploadMaxBytes:  cfg.Upload.MaxBytes,
		UploadFormField: cfg.Upload.FormField,
		HealthChecks:    healthChecks,
		Shutdown:        orchestrator,
		Auth: handler.AuthSettings{
			JWTSecret: cfg.Auth.JWTSecret,
			Issuer:    cfg.Auth.Issuer,
		},
		RateLimit: handler.RateLimitSettings{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
			IdleTTL:           cfg.RateLimit.IdleTTL,
		},
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	// Open event streams never go idle on their own. In-flight jobs of the
	// embedded worker still reach connected users before the streams close.
	srv.RegisterOnShutdown(registry.CloseAfter(drainWorker, cfg.Shutdown.HandlerTimeout))
	orchestrator.SetServer(srv)

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	var listenFailed atomic.Bool
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			listenFailed.Store(true)
			cancel()
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	code := orchestrator.WaitForSignal(ctx)
	if listenFailed.Load() {
		code = 1
	}

	appLogger.Info("API service shutdown complete", slog.Int("exit_code", code))
	return code, nil
}

// mustRegister registers a cleanup handler. Registration only fails once
// shutdown has begun, which cannot happen during startup.
func mustRegister(o *shutdown.Orchestrator, name string, priority int, fn shutdown.HandlerFunc) {
	if err := o.Register(name, priority, fn); err != nil {
		panic(fmt.Sprintf("register %s: %v", name, err))
	}
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueType:          cfg.Queue.Type,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		DeliveryLimit:      cfg.Queue.DeliveryLimit,
		DeadLetterExchange: cfg.Queue.DeadLetterExchange,
		DeadLetterQueue:    cfg.Queue.DeadLetterQueue,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		ConfirmTimeout:     cfg.Publish.ConfirmTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRedis initializes the Redis client used by the push relay
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	return redis.NewClient(&redis.Config{
		Host:        cfg.Host,
		Port:        cfg.Port,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	}, logger)
}

func initGeminiConfig(cfg *config.GeminiConfig) *gemini.Config {
	return &gemini.Config{
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		MaxRecipes: cfg.MaxRecipes,
		Timeout:    cfg.Timeout,
	}
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	logger.Debug("Initializing router",
		slog.Int64("upload_max_bytes", cfg.Upload.MaxBytes),
		slog.Int("allowed_origins", len(cfg.Push.AllowedOrigins)),
	)

	// Setup router
	return router.SetupRouter(deps)
}
