package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/cuongbtq/recipe-be/internal/config"
	"github.com/cuongbtq/recipe-be/internal/generation/gemini"
	"github.com/cuongbtq/recipe-be/internal/jobqueue"
	"github.com/cuongbtq/recipe-be/internal/push"
	"github.com/cuongbtq/recipe-be/internal/shutdown"
	"github.com/cuongbtq/recipe-be/internal/worker"
	"github.com/cuongbtq/recipe-be/internal/worker/storage"
	"github.com/cuongbtq/recipe-be/shared/logger"
	"github.com/cuongbtq/recipe-be/shared/postgresql"
	"github.com/cuongbtq/recipe-be/shared/rabbitmq"
	"github.com/cuongbtq/recipe-be/shared/redis"
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
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return 1, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return 1, fmt.Errorf("invalid config: %w", err)
	}

	// Results reach the API process only through the relay
	if !cfg.Redis.Enabled {
		return 1, errors.New("invalid config: redis must be enabled for a standalone worker")
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return 1, fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	orchestrator := shutdown.New(appLogger.Logger,
		shutdown.WithForceExitTimeout(cfg.Shutdown.ForceExitTimeout),
		shutdown.WithHandlerTimeout(cfg.Shutdown.HandlerTimeout),
	)

	// Create context for graceful shutdown
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

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return abort(fmt.Errorf("failed to initialize RabbitMQ: %w", err))
	}
	mustRegister(orchestrator, "rabbitmq", shutdown.PriorityQueue, func(context.Context) error {
		return rabbitClient.Close()
	})

	appLogger.Info("RabbitMQ connection established")

	// Initialize Redis relay
	redisClient, err := initRedis(&cfg.Redis, appLogger.Logger)
	if err != nil {
		return abort(fmt.Errorf("failed to initialize Redis: %w", err))
	}
	mustRegister(orchestrator, "push relay", shutdown.PriorityRelay, func(context.Context) error {
		return redisClient.Close()
	})

	// Initialize generator
	generator, err := gemini.NewGenerator(ctx, &gemini.Config{
		APIKey:     cfg.Gemini.APIKey,
		Model:      cfg.Gemini.Model,
		MaxRecipes: cfg.Gemini.MaxRecipes,
		Timeout:    cfg.Gemini.Timeout,
	}, appLogger.Logger)
	if err != nil {
		return abort(fmt.Errorf("failed to initialize generator: %w", err))
	}
	mustRegister(orchestrator, "generator", shutdown.PriorityExternal, func(context.Context) error {
		return generator.Close()
	})

	// Create worker instance
	recipeWorker := worker.NewWorker(&worker.Config{
		Logger:      appLogger.Logger,
		Queue:       jobqueue.New(rabbitClient, appLogger.Logger),
		Generator:   generator,
		Notifier:    push.NewRelay(redisClient, cfg.Redis.Channel, appLogger.Logger),
		Store:       storage.NewStorage(dbClient.GetDB(), appLogger.Logger),
		Concurrency: cfg.Worker.Concurrency,
		JobTimeout:  cfg.Worker.JobTimeout,
		WorkerID:    cfg.Worker.WorkerID,
	})
	if err := recipeWorker.Start(ctx); err != nil {
		return abort(fmt.Errorf("failed to start worker: %w", err))
	}
	mustRegister(orchestrator, "worker", shutdown.PriorityWorkers, recipeWorker.Stop)

	// A consumer that stops on its own (broker channel closed) ends the process
	workerFailed := make(chan struct{})
	go func() {
		select {
		case <-recipeWorker.Done():
			if !orchestrator.IsShuttingDown() {
				appLogger.Error("Worker stopped unexpectedly")
				close(workerFailed)
				cancel()
			}
		case <-ctx.Done():
		}
	}()

	appLogger.Info("Worker service started successfully")

	code := orchestrator.WaitForSignal(ctx)
	select {
	case <-workerFailed:
		code = 1
	default:
	}

	appLogger.Info("Worker service shutdown complete", slog.Int("exit_code", code))
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

// initRedis initializes the Redis client the relay publishes through
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	return redis.NewClient(&redis.Config{
		Host:        cfg.Host,
		Port:        cfg.Port,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	}, logger)
}
