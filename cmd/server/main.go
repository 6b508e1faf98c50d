// Package main runs the stream timeline tracker: the EventSub connector,
// the reconciliation sweeper, and the admin HTTP surface.
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

	"github.com/streamtimeline/backend/config"
	"github.com/streamtimeline/backend/internal/admin"
	"github.com/streamtimeline/backend/internal/aggregate"
	"github.com/streamtimeline/backend/internal/connector"
	"github.com/streamtimeline/backend/internal/engine"
	"github.com/streamtimeline/backend/internal/middleware"
	"github.com/streamtimeline/backend/internal/store"
	"github.com/streamtimeline/backend/internal/sweeper"
	"github.com/streamtimeline/backend/internal/twitch"
	"github.com/streamtimeline/backend/pkg/database"
	"github.com/streamtimeline/backend/pkg/queue"
	"github.com/streamtimeline/backend/pkg/redis"
	"github.com/streamtimeline/backend/pkg/response"
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

	tokens := twitch.StaticTokenSource(cfg.Twitch.AccessToken)
	upstream := twitch.NewClient(cfg.Twitch.HelixURL, cfg.Twitch.ClientID, tokens, cfg.Twitch.RequestTimeout, logger)

	// The only fatal runtime condition: the tracked identity cannot be resolved.
	user, err := upstream.GetUserByLogin(ctx, cfg.Twitch.BroadcasterLogin)
	if err != nil {
		logger.Fatal("resolve broadcaster", zap.Error(err))
	}
	if user == nil {
		logger.Fatal("broadcaster not found", zap.String("login", cfg.Twitch.BroadcasterLogin))
	}
	logger.Info("tracking broadcaster",
		zap.String("broadcaster_id", user.ID),
		zap.String("login", user.Login))

	segmentStore := store.NewRepository(pool)
	seg := engine.New(segmentStore, logger)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rawLog := connector.NewStreamRawLog(rdb.Client, logger)
	go rawLog.Run(runCtx)

	conn := connector.New(connector.Config{
		URL:             cfg.Twitch.EventSubURL,
		BroadcasterID:   user.ID,
		BroadcasterName: user.DisplayName,
	}, seg, twitch.NewBroadcasterTopics(upstream, user.ID), upstream, rawLog, logger)
	go conn.Run(runCtx)

	sw := sweeper.New(upstream, seg, user.ID, user.DisplayName, cfg.Sweeper.Interval, logger)
	go sw.Run(runCtx)

	aggregateRepo := aggregate.NewRepository(pool)
	exportQueue := queue.NewQueue(rdb.Client, logger)
	adminHandler := admin.NewHandler(conn, sw, segmentStore, aggregateRepo, exportQueue, user.ID, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	api := router.Group("")
	api.Use(middleware.AdminAuth(cfg.Admin.JWTSecret))
	{
		api.GET("/status", adminHandler.GetStatus)
		api.GET("/sessions", adminHandler.ListSessions)
		api.GET("/sessions/:id/segments", adminHandler.ListSegments)
		api.GET("/sessions/:id/summary", adminHandler.GetSessionSummary)
		api.GET("/aggregates", adminHandler.GetAggregates)
		api.POST("/reconcile", adminHandler.TriggerReconcile)
		api.POST("/export", adminHandler.TriggerExport)
		api.POST("/baselines", adminHandler.PutBaseline)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
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

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
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
