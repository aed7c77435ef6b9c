package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/allocation"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/config"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/db"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/dedup"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/erp"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/events"
	httpapi "github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/http"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/lock"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/platform/observability"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/queue"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/reservation"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/sequence"
	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/stock"
)

// stores groups the persistence backends selected by STORE_BACKEND.
type stores struct {
	reservations reservation.Store
	queue        queue.Store
	stock        stock.Source
	sequences    sequence.Sequencer
	checkpoints  dedup.Checkpoints
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := config.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTELEndpoint, cfg.ServiceName)
	if err != nil {
		logger.WithError(err).Warn("tracing disabled")
	}

	// --- storage ---
	st, pool := openStores(ctx, cfg, logger)
	if pool != nil {
		defer pool.Close()
	}

	// --- locks ---
	var locks lock.Service
	switch cfg.LockBackend {
	case config.LockRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.WithError(err).WithField("addr", cfg.RedisAddr).Fatal("redis connect")
		}
		defer rdb.Close()
		locks = lock.NewRedisService(rdb, cfg.LockMaxHold)
	default:
		locks = lock.NewMemoryService(cfg.LockMaxHold)
	}

	// --- ERP gateway ---
	gateway, err := erp.NewClient(cfg.ERPGatewayURL, &http.Client{Timeout: cfg.ERPPostTimeout})
	if err != nil {
		logger.WithError(err).Fatal("erp client")
	}

	// --- AMQP (optional) ---
	var (
		notifier  reservation.Notifier
		reviewer  queue.ReviewNotifier
		publisher *events.Publisher
	)
	amqpConn := dialRabbit(cfg, logger)
	if amqpConn != nil {
		defer amqpConn.Close()
		publisher, err = events.NewPublisher(amqpConn, st.sequences, events.PublisherOptions{Producer: cfg.EventProducer})
		if err != nil {
			logger.WithError(err).Fatal("event publisher")
		}
		defer publisher.Close()
		notifier = publisher
		reviewer = publisher
	}

	// --- core ---
	queueSvc := queue.NewService(st.queue, logger)
	manager := reservation.NewManager(reservation.Deps{
		Store:    st.reservations,
		Stock:    st.stock,
		Locks:    locks,
		Previews: lock.NewPreviewStore(cfg.PreviewTTL),
		Engine:   allocation.NewEngine(),
		Queue:    queueSvc,
		Notifier: notifier,
		Logger:   logger,
	}, reservation.WithLockTimeout(cfg.LockTimeout))
	queueSvc.SetReservationSink(manager)

	processorCfg := queue.Config{
		Workers:      cfg.QueueWorkers,
		PollInterval: cfg.QueuePollInterval,
		PostTimeout:  cfg.ERPPostTimeout,
		BaseBackoff:  cfg.QueueBaseBackoff,
		MaxBackoff:   cfg.QueueMaxBackoff,
	}
	var procOpts []queue.ProcessorOption
	if reviewer != nil {
		procOpts = append(procOpts, queue.WithReviewNotifier(reviewer))
	}

	var workers sync.WaitGroup
	runWorker := func(run func(context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			run(ctx)
		}()
	}
	for _, kind := range []queue.Kind{queue.KindInvoice, queue.KindTransfer} {
		runWorker(queue.NewProcessor(kind, st.queue, gateway, manager, logger, processorCfg, procOpts...).Run)
	}
	runWorker(reservation.NewReaper(manager, cfg.ReaperInterval, cfg.ReaperBatchSize, logger).Run)

	var consumer *events.Consumer
	if amqpConn != nil {
		handler := events.ReservationRequestedHandler(manager, st.checkpoints, publisher, logger, events.ReservationRequestedConsumerName)
		consumer, err = events.StartConsumer(ctx, amqpConn, events.ConsumerOptions{
			RoutingKey: events.ReservationRequestedRoutingKey,
			Prefetch:   cfg.AMQPPrefetch,
		}, handler, logger)
		if err != nil {
			logger.WithError(err).Fatal("start consumer")
		}
	}

	// --- HTTP ---
	h := httpapi.NewHandler(manager, queueSvc, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("http listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// --- graceful shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("shutdown signal")
	case err := <-errCh:
		logger.WithError(err).Error("http server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = httpServer.Shutdown(shutdownCtx)
	cancel()

	if consumer != nil {
		consumer.Wait()
		_ = consumer.Close()
	}
	workers.Wait()

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("tracing shutdown")
	}
	logger.Info("shutdown complete")
}

func openStores(ctx context.Context, cfg config.Config, logger *logrus.Logger) (stores, *pgxpool.Pool) {
	if cfg.StoreBackend == config.StoreMemory {
		logger.Warn("using in-memory stores; state is lost on restart")
		return stores{
			reservations: reservation.NewMemoryStore(),
			queue:        queue.NewMemoryStore(),
			stock:        stock.NewMemorySource(),
			sequences:    sequence.NewMemory(),
			checkpoints:  dedup.NewMemory(),
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.WithError(err).Fatal("db connect")
	}
	if cfg.RunMigrations {
		if err := db.RunMigrations(cfg.DatabaseURL, logger); err != nil {
			logger.WithError(err).Fatal("db migrate")
		}
	}
	return stores{
		reservations: reservation.NewPostgresStore(pool),
		queue:        queue.NewPostgresStore(pool),
		stock:        stock.NewPostgresSource(pool),
		sequences:    sequence.NewRepository(pool),
		checkpoints:  dedup.NewRepository(pool),
	}, pool
}

func dialRabbit(cfg config.Config, logger *logrus.Logger) *amqp.Connection {
	if cfg.RabbitMQURL == "" {
		logger.Info("RABBITMQ_URL not set; messaging disabled")
		return nil
	}
	conn, err := events.Dial(cfg.RabbitMQURL)
	if err != nil {
		logger.WithError(err).Fatal("rabbitmq connect")
	}
	return conn
}
