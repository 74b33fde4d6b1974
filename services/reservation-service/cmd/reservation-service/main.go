package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/config"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/grpcx"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/httpx"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/kafkax"
	otelx "github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/otel"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/runtime"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/changefeed"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/clock"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/expiry"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/handlers"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/outbox"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/payments"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/reservation"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	// hash-password prints the bcrypt hash for OPERATOR_PASSWORD_HASH.
	if len(os.Args) == 3 && os.Args[1] == "hash-password" {
		hash, err := handlers.HashPassword(os.Args[2])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	if err := config.Load(); err != nil {
		panic(err)
	}
	service := config.String("SERVICE_NAME", "reservation-service")
	port, err := config.Port("PORT", "8085")
	if err != nil {
		panic(err)
	}
	grpcPort, err := config.Port("GRPC_PORT", "9095")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLoggerWithLevel(service, config.String("LOG_LEVEL", "info"))

	ctx, stop := runtime.SignalContext()
	defer stop()

	closers := []runtime.Closer{}
	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	}

	loc, err := time.LoadLocation(config.String("TIMEZONE", "UTC"))
	if err != nil {
		panic(err)
	}
	holdTTL := mustDuration("HOLD_DURATION", reservation.DefaultHoldTTL)
	defaultBuffer := mustInt("DEFAULT_BUFFER_MINUTES", 30)

	store, storeCheck, storeCloser, err := openBackend(ctx, logger)
	if err != nil {
		logger.Error("storage init failed", "err", err)
		panic(err)
	}
	checks := []runtime.ReadyCheck{storeCheck}

	// Change feed and rate limiting share Redis when it is configured.
	var (
		feed        changefeed.Feed
		rateLimitMW httpx.Middleware
		redisCloser runtime.Closer
	)
	limitPerMinute := mustInt("RATE_LIMIT_PER_MINUTE", 120)
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       mustInt("REDIS_DB", 0),
		})
		redisCloser = runtime.Closer{Name: "redis", Fn: func(context.Context) error { return rdb.Close() }}
		redisFeed := changefeed.NewRedisFeed(rdb, config.String("CHANGEFEED_PREFIX", ""), logger)
		feed = redisFeed
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: redisFeed.ReadyCheck()})

		rl := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "rl:reservations"))
		rateLimitMW = rl.Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true))
		logger.Info("change feed and rate limiting on redis", "redis_addr", addr, "per_minute", limitPerMinute)
	} else {
		feed = changefeed.NewHub(64)
		rateLimitMW = httpx.NewRateLimiter(limitPerMinute, 0).Middleware()
		logger.Info("change feed and rate limiting in process", "per_minute", limitPerMinute)
	}

	clk := clock.NewSystem()
	svc := reservation.NewService(store, clk,
		reservation.WithHoldTTL(holdTTL),
		reservation.WithLocation(loc),
		reservation.WithDefaultBuffer(defaultBuffer),
		reservation.WithChangeFeed(feed),
		reservation.WithLogger(logger),
	)

	// Outbox relay and payment consumer need Kafka; without brokers events stay in the outbox.
	brokersRaw := config.String("KAFKA_BROKERS", "")
	var writer outbox.Writer
	var writerCloser runtime.Closer
	if brokers := kafkax.SplitBrokers(brokersRaw); len(brokers) > 0 {
		kw := kafkax.NewWriter(brokers)
		writer = kw
		writerCloser = runtime.Closer{Name: "kafka writer", Fn: func(context.Context) error { return kw.Close() }}
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokersRaw)})

		if topic := config.String("PAYMENTS_PAID_TOPIC", payments.DefaultPaidTopic); topic != "" {
			reader := kafkax.NewReader(kafkax.ReaderConfig{
				Brokers: brokersRaw,
				GroupID: config.String("KAFKA_GROUP_ID", service),
				Topic:   topic,
			})
			go payments.NewConsumer(reader, store, svc, logger).Run(ctx)
			logger.Info("payment consumer started", "topic", topic)
		}
	}
	publisher := outbox.NewPublisher(store, writer, logger, outbox.PublisherConfig{
		PollEvery: mustDuration("OUTBOX_POLL_EVERY", 2*time.Second),
		BatchSize: mustInt("OUTBOX_BATCH_SIZE", 50),
	})
	go publisher.Run(ctx)

	sweeper := expiry.NewSweeper(store, clk, expiry.Config{
		BatchSize: mustInt("EXPIRY_SWEEP_BATCH", 100),
		Feed:      feed,
		Logger:    logger,
	})
	go func() {
		if err := sweeper.Run(ctx, config.String("EXPIRY_SWEEP_SCHEDULE", expiry.DefaultSchedule)); err != nil {
			logger.Error("expiry sweeper stopped", "err", err)
		}
	}()

	operatorSecret := config.String("OPERATOR_JWT_SECRET", "")
	if operatorSecret == "" {
		logger.Warn("OPERATOR_JWT_SECRET not set; operator routes are open")
	}
	h := handlers.New(svc, feed, logger, handlers.Config{
		OperatorSecret:  operatorSecret,
		StreamHeartbeat: mustDuration("STREAM_HEARTBEAT", 25*time.Second),

		OperatorUsername:     config.String("OPERATOR_USERNAME", ""),
		OperatorPasswordHash: config.String("OPERATOR_PASSWORD_HASH", ""),
		OperatorTokenTTL:     mustDuration("OPERATOR_TOKEN_TTL", 12*time.Hour),
	})
	webhook := payments.NewStripeWebhook(
		config.String("STRIPE_WEBHOOK_SECRET", ""),
		mustDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
		svc,
		logger,
	)

	mux := runtime.NewBaseMuxWithReady(checks...)
	h.Register(mux, webhook)

	// No WithTimeout: the change stream is long lived.
	handler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: config.Strings("CORS_ALLOWED_ORIGINS"),
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id", "Idempotency-Key"},
			MaxAge:         10 * time.Minute,
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithBodyLimit(1<<20),
		rateLimitMW,
	)
	handler = otelhttp.NewHandler(handler, "reservation")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv.RegisterOnShutdown(h.CloseStreams)

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	gs := grpcx.NewServer(logger)
	go gs.WatchReadiness(ctx, 10*time.Second, checks...)
	go func() {
		if err := gs.ListenAndServe(ctx, ":"+grpcPort); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	closers = append(closers,
		runtime.Closer{Name: "http", Fn: srv.Shutdown},
		writerCloser,
		redisCloser,
		storeCloser,
		runtime.Closer{Name: "otel", Fn: otelShutdown},
	)
	runtime.Shutdown(logger, 10*time.Second, closers...)
}

func mustInt(key string, fallback int) int {
	n, err := config.Int(key, fallback)
	if err != nil {
		panic(err)
	}
	return n
}

func mustDuration(key string, fallback time.Duration) time.Duration {
	d, err := config.Duration(key, fallback)
	if err != nil {
		panic(err)
	}
	return d
}
