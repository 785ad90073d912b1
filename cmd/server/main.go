package main

import (
	"context"
	"errors"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	fiberSwagger "github.com/gofiber/swagger"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/reelforge/api/docs"
	"github.com/reelforge/api/internal/auth"
	"github.com/reelforge/api/internal/client"
	"github.com/reelforge/api/internal/config"
	"github.com/reelforge/api/internal/frames"
	"github.com/reelforge/api/internal/handler"
	"github.com/reelforge/api/internal/ingress"
	"github.com/reelforge/api/internal/logging"
	"github.com/reelforge/api/internal/middleware"
	"github.com/reelforge/api/internal/queue"
	"github.com/reelforge/api/internal/store"
	"github.com/reelforge/api/internal/transcoder"
	"github.com/reelforge/api/internal/watermark"
	ws "github.com/reelforge/api/internal/websocket"
	"github.com/reelforge/api/internal/worker"
)

//go:generate go run github.com/swaggo/swag/cmd/swag@v1.16.6 init -d ../../ -g cmd/server/main.go -o ../../docs --outputTypes go

// @title          ReelForge API
// @version        1.0
// @description    Render, rendition and watermark job service.
// @host           localhost:8000
// @BasePath       /
// @schemes        http https
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
// @description    Enter your bearer token in the format **Bearer &lt;token&gt;**
func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", "production")
		boot.Fatal().Err(err).Msg("failed to load config")
	}
	log := logging.New(cfg.Server.LogLevel, cfg.Server.Env)

	// Configure Swagger host/scheme based on environment
	if cfg.Server.ApiDomain != "" {
		docs.SwaggerInfo.Host = cfg.Server.ApiDomain
		docs.SwaggerInfo.Schemes = []string{"https"}
	} else {
		docs.SwaggerInfo.Host = "localhost:" + cfg.Server.Port
		docs.SwaggerInfo.Schemes = []string{"http"}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Redis client
	redisOpt := &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	redisClient := redis.NewClient(redisOpt)
	defer redisClient.Close()

	redisUp := redisClient.Ping(ctx).Err() == nil
	if !redisUp {
		log.Warn().Str("addr", cfg.Redis.Addr).Msg("redis not available, mirror and rate limits degrade")
	}

	// Storage and fetching
	storage, err := client.NewStorageClient(ctx, &cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("failed to initialize storage")
	}
	fetcher := client.NewFetchClient(&cfg.Fetch)

	// Transcoder
	tcfg := transcoder.Config{
		FFmpegPath:  cfg.Transcoder.FFmpegPath,
		FFprobePath: cfg.Transcoder.FFprobePath,
		KillGrace:   cfg.Transcoder.KillGrace,
		Threads:     cfg.Transcoder.Threads,
	}
	factory := transcoder.NewFactory(tcfg, log)
	ffmpegErr := transcoder.NewFFmpeg(tcfg, log).Available()
	if ffmpegErr != nil {
		log.Warn().Err(ffmpegErr).Msg("ffmpeg not found, jobs will fail until it is installed")
	}

	// Queue
	q := queue.New(queue.Config{
		MaxConcurrent:  cfg.Queue.MaxConcurrent,
		MaxAttempts:    cfg.Queue.MaxAttempts,
		RetryBaseDelay: cfg.Queue.RetryBaseDelay,
		RetryMaxDelay:  cfg.Queue.RetryMaxDelay,
		MediaRoot:      cfg.Render.MediaRoot,
	}, log)

	// Progress fan-out: websocket hub directly, Redis mirror through a buffer
	hub := ws.NewHub(log)
	go hub.Run(ctx)

	var jobMirror handler.JobMirror
	reporters := worker.MultiReporter{hub}
	flushMirror := func() {}
	if cfg.Store.Enabled {
		mirror := store.New(redisClient, store.Config{TTL: cfg.Store.TTL, Channel: cfg.Store.Channel}, log)
		buffered := worker.NewChannelReporter(cfg.Render.ProgressBuffer, log)
		reporters = append(reporters, buffered)
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			buffered.Drain(mirror.Report)
		}()
		flushMirror = func() {
			buffered.Close()
			<-drained
		}
		go mirror.Consume(ctx, q.Subscribe(256))
		jobMirror = mirror
	}

	// Workers
	pool := worker.NewPool(q.MaxConcurrent(), worker.Config{
		WorkDir:       cfg.Render.WorkDir,
		StoragePrefix: cfg.Storage.Prefix,
	}, worker.Deps{
		Frames:     frames.NewGenerator(fetcher, log),
		Fetcher:    fetcher,
		Uploader:   storage,
		Watermarks: watermark.New(factory, log),
		Prober:     transcoder.NewFFprobe(cfg.Transcoder.FFprobePath),
	}, factory, reporters, log)
	pool.Register(q)

	hubEvents := q.Subscribe(256)
	go hub.Consume(ctx, hubEvents)
	q.Start()

	// Remote ingress bridges
	var runners []ingress.Runner
	if cfg.Asynq.Enabled {
		srv := asynq.NewServer(
			asynq.RedisClientOpt{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			},
			asynq.Config{
				Concurrency: cfg.Asynq.Concurrency,
				Queues:      map[string]int{cfg.Asynq.Queue: 1},
				LogLevel:    asynqLogLevel(cfg.Server.LogLevel),
			},
		)
		runners = append(runners, ingress.AsynqRunner(srv, ingress.NewAsynqHandler(q, log)))
	}
	if cfg.AMQP.Enabled {
		consumer := ingress.NewAMQPConsumer(ingress.AMQPConfig{
			URL:      cfg.AMQP.URL,
			Queue:    cfg.AMQP.Queue,
			Prefetch: cfg.AMQP.Prefetch,
		}, q, log)
		runners = append(runners, consumer.Run)
	}
	ingressDone := make(chan error, 1)
	go func() { ingressDone <- ingress.RunAll(ctx, runners...) }()

	// Auth
	verifier, err := auth.NewVerifier(cfg.JWT.Secret)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize token verifier")
	}
	rateLimiter := middleware.NewRateLimiter(redisClient, log)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    4 * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body}\n"
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	if local, ok := storage.(*client.LocalClient); ok {
		app.Static("/files", local.Dir())
	}

	handler.Mount(app, handler.Routes{
		Jobs: handler.NewJobsHandler(q, pool, jobMirror),
		Auth: handler.NewAuthHandler(verifier, time.Duration(cfg.JWT.Expiration)*time.Hour),
		Health: handler.NewHealthHandler(map[string]handler.Check{
			"queue":  q.Running,
			"ffmpeg": func() bool { return ffmpegErr == nil },
			"redis":  func() bool { return redisClient.Ping(context.Background()).Err() == nil },
		}),
		Hub:          hub,
		Authenticate: middleware.NewAuthMiddleware(verifier).Authenticate(),
		SubmitLimit:  rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour),
		Docs:         fiberSwagger.HandlerDefault,
		DevTokens:    strings.EqualFold(cfg.Server.Env, "development"),
	})

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Info().Str("addr", addr).Int("workers", pool.Size()).Msg("server starting")
	if err := app.Listen(addr); err != nil {
		log.Error().Err(err).Msg("server error")
	}
	stop()

	if err := <-ingressDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("ingress stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := q.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("queue shutdown cut in-flight jobs short")
	}
	// workers are done, so no progress can arrive after this
	flushMirror()
	hubEvents.Close()
	log.Info().Msg("bye")
}

func asynqLogLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
