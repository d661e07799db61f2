package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"marketplace-chat/internal/auth"
	"marketplace-chat/internal/chat"
	"marketplace-chat/internal/config"
	"marketplace-chat/internal/db"
	grpcserver "marketplace-chat/internal/grpc"
	"marketplace-chat/internal/handlers"
	"marketplace-chat/internal/middleware"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/presence"
	"marketplace-chat/internal/rabbitmq"
	"marketplace-chat/internal/repositories"
	"marketplace-chat/internal/telemetry"
	"marketplace-chat/internal/ws"
)

const (
	serviceName     = "marketplace-chat"
	shutdownTimeout = 15 * time.Second
	auditRoutingKey = "audit.chat"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := newLogger(os.Stdout, cfg.IsDevelopment())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.InitTracing(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracing")
	}

	dsn := cfg.DBDSN
	if dsn == "" && cfg.DBDriver == db.DriverSQLite {
		dsn = "file:marketplace-chat.db?_foreign_keys=on"
	}
	database, err := db.Connect(cfg.DBDriver, dsn, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("failed to connect to db")
	}
	store := repositories.NewSQLStore(database)

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	observability.SetPublisher(publisher)
	logger.Info().
		Str("mode", rabbitmq.PublisherMode(publisher)).
		Str("noop_reason", rabbitmq.PublisherNoopReason(publisher)).
		Msg("event publisher ready")
	audit := telemetry.NewAuditEmitter(publisher, auditRoutingKey, serviceName, cfg.Env, logger)

	verifier := auth.NewJWTVerifier(auth.JWTConfig{SecretKey: cfg.JWTSecret, Issuer: cfg.JWTIssuer, Leeway: 5 * time.Second})
	router := ws.NewRouter(verifier, store, audit, ws.RouterConfig{}, logger)

	var mirror presence.Mirror
	var redisMirror *presence.RedisMirror
	if cfg.RedisURL != "" {
		redisMirror, err = presence.NewRedisMirror(ctx, cfg.RedisURL, 2*cfg.PresenceTimeout)
		if err != nil {
			logger.Warn().Err(err).Msg("redis presence mirror disabled")
		} else {
			mirror = redisMirror
		}
	}
	tracker := presence.NewTracker(router, store, mirror, presence.Config{
		Timeout:       cfg.PresenceTimeout,
		SweepInterval: cfg.PresenceSweep,
	}, logger)
	router.SetPresence(tracker)

	dispatcher := chat.NewDispatcher(store, router, tracker, chat.Config{MaxContentLength: cfg.MaxMessageLength}, logger)
	consumer := rabbitmq.NewQuoteConsumer(rabbitmq.ConsumerConfig{
		URL:      cfg.AMQPURL,
		Exchange: cfg.QuoteExchange,
		Queue:    cfg.QuoteQueue,
	}, dispatcher, logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware(serviceName))
	engine.Use(observability.HTTPMetricsMiddleware())
	engine.Use(middleware.Logger(logger))

	authMiddleware := middleware.AuthMiddleware(verifier)
	conversations := handlers.NewConversationHandler(dispatcher, tracker)
	quotes := handlers.NewQuoteHandler(dispatcher)

	engine.GET("/healthz", handlers.Health(store))
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/ws", ws.NewHandler(router, dispatcher, ws.HandlerConfig{AuthTimeout: cfg.AuthTimeout}, logger).Handle)
	engine.GET("/conversations/:conversation_id/messages", authMiddleware, conversations.GetMessages)
	engine.GET("/users/:user_id/status", authMiddleware, conversations.GetStatus)

	internal := engine.Group("/internal", middleware.InternalAuth(cfg.InternalToken))
	internal.POST("/quotes", quotes.Create)
	internal.POST("/quotes/:quote_id/transition", quotes.Transition)

	handlers.RegisterDebugRoutes(engine, audit, router, cfg.DebugRoutes)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	health := grpcserver.NewHealthServer(store, logger)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal().Err(err).Str("port", cfg.GRPCPort).Msg("failed to listen for grpc")
	}
	go func() {
		if err := health.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("grpc server stopped")
		}
	}()

	go health.Monitor(ctx, 0)
	go tracker.Run(ctx)
	go func() {
		if err := consumer.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("quote consumer stopped")
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			// operations run concurrently, so teardown that must be ordered stays in one
			"service": func(ctx context.Context) error {
				router.Close()
				err := httpServer.Shutdown(ctx)
				cancel()
				dispatcher.Wait()
				health.Shutdown()
				_ = publisher.Close()
				if redisMirror != nil {
					_ = redisMirror.Close()
				}
				return errors.Join(err, database.Close())
			},
			"tracing": func(ctx context.Context) error {
				return shutdownTracing(ctx)
			},
		},
	)

	exitCode := <-wait
	logger.Info().Int("exit_code", exitCode).Msg("service exited")
	os.Exit(exitCode)
}

// newLogger writes JSON lines, or human readable output in development.
func newLogger(out io.Writer, development bool) zerolog.Logger {
	if development {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: true}
	}
	return zerolog.New(out).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}
