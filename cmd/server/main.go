// Package main runs the live poll HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/livepoll/backend/config"
	"github.com/livepoll/backend/internal/auth"
	"github.com/livepoll/backend/internal/gateway"
	"github.com/livepoll/backend/internal/middleware"
	"github.com/livepoll/backend/internal/polls"
	"github.com/livepoll/backend/internal/realtime"
	"github.com/livepoll/backend/internal/students"
	"github.com/livepoll/backend/internal/worker"
	"github.com/livepoll/backend/pkg/database"
	"github.com/livepoll/backend/pkg/queue"
	"github.com/livepoll/backend/pkg/redis"
	"github.com/livepoll/backend/pkg/response"
	"github.com/livepoll/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()

	// Stores
	var (
		pollStore    polls.Store
		studentStore students.Store
	)
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		pollStore = polls.NewMemoryStore()
		studentStore = students.NewMemoryStore()
		logger.Warn("using in-memory store; polls are lost on restart")
	default:
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		pollStore = polls.NewRepository(pool)
		studentStore = students.NewRepository(pool)
	}

	// Redis fan-out and job queue (optional)
	var (
		hub      *realtime.Hub
		jobQueue *queue.Queue
	)
	if cfg.Redis.Enabled {
		rdb, err := redis.NewClient(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		hub = realtime.NewHub(logger, realtime.NewRedisBridge(rdb.Client, logger))
		jobQueue = queue.NewQueue(rdb.Client, cfg.Poll.StudentRetention(), logger)
	} else {
		hub = realtime.NewHub(logger, nil)
	}

	// Archive storage (optional)
	var s3Client *storage.S3
	if cfg.AWS.ArchiveBucket != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ArchiveBucket:        cfg.AWS.ArchiveBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
			s3Client = nil
		}
	}

	// Poll lifecycle
	registry := students.NewRegistry(studentStore, cfg.Poll.StudentRetention(), logger)
	pollService := polls.NewService(pollStore, registry, hub, cfg.Poll, logger)
	if jobQueue != nil {
		pollService.SetJobQueue(jobQueue)
	}
	if _, err := pollService.Resume(ctx); err != nil {
		logger.Fatal("resume poll timers", zap.Error(err))
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	authHandler := auth.NewHandler(jwtService, logger)

	var archiveLinker polls.ArchiveLinker
	if s3Client != nil {
		archiveLinker = s3Client
	}
	pollHandler := polls.NewHandler(pollService, archiveLinker, logger)
	socketGateway := gateway.New(pollService, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Teacher session (public)
	router.POST("/teachers/session", authHandler.CreateSession)

	// Polls and students; teacher routes check the token per route
	pollHandler.Register(router.Group(""), middleware.Teacher(jwtService))

	// WebSocket (teacher token in query; students connect without one)
	router.GET("/ws", realtime.ServeWs(hub, logger, jwtService.TeacherID, socketGateway.HandleMessage))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// In-memory state is invisible to cmd/worker, so jobs run in-process.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if jobQueue != nil && cfg.Store.Driver == config.StoreDriverMemory {
		var archive worker.ArchiveStore
		if s3Client != nil {
			archive = s3Client
		}
		processor := worker.NewProcessor(pollStore, registry, archive, jobQueue, logger)
		go processor.Run(workerCtx)
		logger.Info("in-process poll worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	pollService.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
