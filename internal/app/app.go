package app

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	platformlogging "github.com/shestoi/cardflow/platform/logging"
	platformobservability "github.com/shestoi/cardflow/platform/observability"
	platformshutdown "github.com/shestoi/cardflow/platform/shutdown"

	httpapi "github.com/shestoi/cardflow/internal/api/http"
	"github.com/shestoi/cardflow/internal/config"
	"github.com/shestoi/cardflow/internal/event"
	"github.com/shestoi/cardflow/internal/gateway"
	"github.com/shestoi/cardflow/internal/gateway/sandbox"
	"github.com/shestoi/cardflow/internal/gateway/smartpay"
	"github.com/shestoi/cardflow/internal/gateway/stripe"
	"github.com/shestoi/cardflow/internal/gateway/worldpay"
	ledgermongo "github.com/shestoi/cardflow/internal/ledger/mongo"
	kafkaqueue "github.com/shestoi/cardflow/internal/queue/kafka"
	"github.com/shestoi/cardflow/internal/repository/postgres"
	redisstore "github.com/shestoi/cardflow/internal/repository/redis"
	"github.com/shestoi/cardflow/internal/service"
	"github.com/shestoi/cardflow/internal/worker"
)

// App содержит все зависимости для запуска и корректного shutdown connector-а
type App struct {
	logger      *zap.Logger
	cfg         config.Config
	httpServer  *http.Server
	shutdownMgr *platformshutdown.Manager
	workers     []func(ctx context.Context) error

	workersCtx    context.Context
	cancelWorkers context.CancelFunc
	wg            sync.WaitGroup
}

// Build создаёт и настраивает все зависимости connector-а
func Build(cfg config.Config) (*App, error) {
	const op = "app.Build"

	logger, err := platformlogging.New(platformlogging.Config{
		ServiceName: "connector",
		Env:         string(cfg.AppEnv),
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})
	if err != nil {
		return nil, err
	}

	log := logger.With(zap.String("op", op))
	log.Info("Building connector service", zap.String("http_addr", cfg.HTTPAddr))
	cfg.Log(logger)

	shutdownMgr := platformshutdown.New(cfg.ShutdownTimeout, logger)

	// Трейсинг и метрики; при OTEL_ENABLED=false провайдеры noop
	otelShutdown, err := platformobservability.Init(context.Background(), platformobservability.Config{
		Enabled:               cfg.OTelEnabled,
		OTLPEndpoint:          cfg.OTelEndpoint,
		SamplingRatio:         cfg.OTelSamplingRatio,
		ServiceName:           "connector",
		DeploymentEnvironment: string(cfg.AppEnv),
		ServiceVersion:        cfg.ServiceVersion,
	})
	if err != nil {
		return nil, err
	}
	shutdownMgr.Add("observability", otelShutdown)

	// PostgreSQL — operational store
	log.Info("Connecting to PostgreSQL")
	pool, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("PostgreSQL connection established")
	shutdownMgr.Add("postgres_pool", platformshutdown.ClosePool(pool))

	// Redis — дедупликация уведомлений
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	shutdownMgr.Add("redis", platformshutdown.CloseCloser(redisClient))

	// MongoDB — ledger-архив исторических платежей
	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		pool.Close()
		return nil, err
	}
	shutdownMgr.Add("mongo", platformshutdown.DisconnectMongo(mongoClient))

	readiness := func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return pool.Ping(ctx) == nil
	}

	chargeRepo := postgres.NewChargeRepository(pool)
	refundRepo := postgres.NewRefundRepository(pool)
	processedStore := redisstore.NewProcessedNotificationsStore(redisClient, logger)
	archive := ledgermongo.NewArchive(mongoClient, cfg.MongoDB)

	providers := gateway.NewProviders(
		sandbox.NewProvider(),
		worldpay.NewProvider(),
		smartpay.NewProvider(),
		stripe.NewProvider(cfg.StripeWebhookSecret),
	)

	captureQueue := kafkaqueue.NewQueue(cfg.KafkaBrokers, cfg.CaptureQueueTopic, cfg.CaptureQueueGroup, logger)
	shutdownMgr.Add("capture_queue", func(ctx context.Context) error { return captureQueue.Close() })

	eventPublisher := event.NewKafkaPublisher(cfg.KafkaBrokers, cfg.EventsTopic, logger)
	shutdownMgr.Add("event_publisher", func(ctx context.Context) error { return eventPublisher.Close() })

	dlqPublisher := kafkaqueue.NewDLQPublisher(logger, cfg.KafkaBrokers, cfg.DLQTopic)
	shutdownMgr.Add("dlq_publisher", func(ctx context.Context) error { return dlqPublisher.Close() })

	eventFactory := event.NewFactory(chargeRepo, refundRepo, archive, logger)

	chargeTransitioner := service.NewChargeTransitioner(chargeRepo, logger)
	refundTransitioner := service.NewRefundTransitioner(refundRepo, logger)

	captureService := service.NewCaptureService(
		chargeTransitioner, providers, captureQueue, eventFactory, eventPublisher,
		cfg.CaptureRetryDelay, logger)
	chargeService := service.NewChargeService(
		chargeRepo, chargeTransitioner, providers, eventFactory, eventPublisher, logger)
	refundService := service.NewRefundService(
		chargeRepo, refundRepo, refundTransitioner, providers, eventFactory, eventPublisher, logger)
	notificationService := service.NewNotificationService(
		providers, chargeRepo, refundRepo, chargeTransitioner, refundTransitioner,
		processedStore, archive, eventFactory, eventPublisher, cfg.NotificationDedupTTL, logger)
	expiryService := service.NewExpiryService(
		chargeRepo, chargeTransitioner, eventFactory, eventPublisher, cfg.ChargeExpiryThreshold, logger)

	handler := httpapi.NewHandler(chargeService, captureService, refundService, notificationService, logger)
	router := httpapi.NewRouter(handler, readiness, logger)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	shutdownMgr.Add("http_server", platformshutdown.ShutdownHTTPServer(httpServer))

	// Фоновая обработка: workers очереди захватов, сканер просроченных,
	// sweeper экспирации. Гасится целиком одним флагом.
	var workers []func(ctx context.Context) error
	if cfg.BackgroundProcessingEnabled {
		for i := 0; i < cfg.CaptureSchedulerThreads; i++ {
			captureWorker := worker.NewCaptureWorker(
				captureQueue, captureService, dlqPublisher, cfg.CaptureMaximumRetries, logger)
			workers = append(workers, captureWorker.Run)
		}

		scanner := worker.NewCaptureScanner(
			chargeRepo, captureService, cfg.CaptureOverdueAfter, cfg.CaptureSchedulerDelay, logger)
		workers = append(workers, scanner.Run)

		sweeper := worker.NewExpirySweeper(expiryService, cfg.ChargeExpirySweepRate, logger)
		workers = append(workers, sweeper.Run)
	} else {
		log.Info("background processing disabled")
	}

	workersCtx, cancelWorkers := context.WithCancel(context.Background())
	shutdownMgr.Add("workers", func(ctx context.Context) error {
		cancelWorkers()
		return nil
	})

	return &App{
		logger:        logger,
		cfg:           cfg,
		httpServer:    httpServer,
		shutdownMgr:   shutdownMgr,
		workers:       workers,
		workersCtx:    workersCtx,
		cancelWorkers: cancelWorkers,
	}, nil
}

// Run запускает сервис и блокируется до получения сигнала shutdown
func (a *App) Run() error {
	defer platformlogging.Sync(a.logger)

	a.logger.Info("Starting connector service", zap.String("addr", a.httpServer.Addr))

	for _, run := range a.workers {
		run := run
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := run(a.workersCtx); err != nil {
				a.logger.Error("background worker stopped with error", zap.Error(err))
			}
		}()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	a.shutdownMgr.Wait()

	a.wg.Wait()
	a.logger.Info("connector service stopped")
	return nil
}
