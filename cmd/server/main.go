// Package main runs the live class backend: REST API, signaling relay and
// the recording upload worker, with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/classmesh/backend/config"
	"github.com/classmesh/backend/internal/attendance"
	"github.com/classmesh/backend/internal/auth"
	"github.com/classmesh/backend/internal/middleware"
	"github.com/classmesh/backend/internal/recordings"
	"github.com/classmesh/backend/internal/sessions"
	"github.com/classmesh/backend/internal/signaling"
	"github.com/classmesh/backend/internal/worker"
	"github.com/classmesh/backend/pkg/database"
	"github.com/classmesh/backend/pkg/queue"
	"github.com/classmesh/backend/pkg/redis"
	"github.com/classmesh/backend/pkg/response"
	"github.com/classmesh/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			RecordingsBucket:     cfg.AWS.RecordingsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours, cfg.JWT.SignalingExpireMinutes)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Sessions and attendance
	sessionRepo := sessions.NewRepository(pool)
	attendanceRepo := attendance.NewRepository(pool)

	// Signaling relay. Lifecycle events go through Redis so every instance
	// delivers them once.
	redisPubSub := signaling.NewRedisPubSub(rdb.Client, logger)
	hub := signaling.NewHub(logger, sessionRepo, redisPubSub, redisPubSub)
	if err := hub.Start(); err != nil {
		logger.Fatal("lifecycle subscribe", zap.Error(err))
	}
	defer hub.Stop()

	var recStorage sessions.RecordingStorage
	if s3Client != nil {
		recStorage = s3Client
	}
	sessionSvc := sessions.NewService(sessionRepo, attendanceRepo, hub, recStorage, logger)
	sessionHandler := sessions.NewHandler(sessionSvc, jwtService, cfg.WebRTC.ICEUrls)

	// Close the attendance record when a participant's connection drops
	// without an explicit leave.
	hub.SetMemberLeftHandler(func(sessionID, userID uuid.UUID) {
		if err := sessionSvc.Leave(context.Background(), sessionID, userID); err != nil {
			logger.Debug("attendance close on disconnect failed",
				zap.String("session_id", sessionID.String()), zap.Error(err))
		}
	})

	// Recordings: spool locally, upload in the background
	spoolDir := cfg.Recording.SpoolDir
	if spoolDir == "" {
		spoolDir = os.TempDir()
	}
	jobQueue := queue.NewQueue(rdb.Client, logger)
	var presigner recordings.Presigner
	var uploader worker.Uploader
	if s3Client != nil {
		presigner = s3Client
		uploader = s3Client
	}
	recordingHandler := recordings.NewHandler(sessionRepo, jobQueue, presigner, spoolDir, logger)
	recordingProcessor := worker.NewRecordingProcessor(sessionRepo, uploader, jobQueue, logger)

	validateSignaling := func(token string) (uuid.UUID, string, string, uuid.UUID, error) {
		claims, err := jwtService.ValidateSignaling(token)
		if err != nil {
			return uuid.Nil, "", "", uuid.Nil, err
		}
		return claims.UserID, claims.DisplayName, claims.Role, claims.SessionID, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/live-classes", middleware.RequireRole("teacher"), sessionHandler.Create)
		api.GET("/live-classes", middleware.RequireRole("teacher"), sessionHandler.List)
		api.GET("/live-classes/available", sessionHandler.ListAvailable)
		api.GET("/live-classes/:id", sessionHandler.GetByID)
		api.PATCH("/live-classes/:id/start", sessionHandler.Start)
		api.PATCH("/live-classes/:id/end", sessionHandler.End)
		api.PATCH("/live-classes/:id/visibility", sessionHandler.ToggleVisibility)
		api.DELETE("/live-classes/:id", sessionHandler.Delete)
		api.GET("/live-classes/:id/attendance", middleware.RequireRole("teacher"), sessionHandler.Attendance)
		api.POST("/live-classes/:id/join", sessionHandler.Join)
		api.POST("/live-classes/:id/leave", sessionHandler.Leave)

		api.POST("/live-classes/:id/recording", recordingHandler.Upload)
		api.GET("/live-classes/:id/recording/download-url", recordingHandler.DownloadURL)
	}

	// WebSocket relay (signaling token in query)
	router.GET("/ws", signaling.ServeWs(hub, logger, validateSignaling))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (recording upload to S3)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if s3Client != nil {
		go recordingProcessor.Run(workerCtx)
		logger.Info("recording worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
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
