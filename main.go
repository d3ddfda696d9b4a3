package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/gin-gonic/gin"
	apirest "github.com/kizunalab/kizuna-server/api/rest"
	"github.com/kizunalab/kizuna-server/api/sse"
	"github.com/kizunalab/kizuna-server/audit"
	"github.com/kizunalab/kizuna-server/cache"
	"github.com/kizunalab/kizuna-server/config"
	dbadapter "github.com/kizunalab/kizuna-server/db"
	"github.com/kizunalab/kizuna-server/journey"
	"github.com/kizunalab/kizuna-server/metrics"
	mw "github.com/kizunalab/kizuna-server/middleware"
	"github.com/kizunalab/kizuna-server/model"
	"github.com/kizunalab/kizuna-server/notify"
	"github.com/kizunalab/kizuna-server/scheduler"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Logger ----
	var logger *zap.Logger
	var logErr error
	if cfg.Server.Debug {
		logger, logErr = zap.NewDevelopment()
	} else {
		logger, logErr = zap.NewProduction()
	}
	if logErr != nil {
		log.Fatalf("logger: %v", logErr)
	}
	defer logger.Sync()

	// Warn loudly if admin endpoints will be disabled.
	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin and service endpoints are disabled")
	}

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	logger.Info("DB initialized")

	// ---- Audit ----
	auditSvc := audit.New(db, logger)
	defer auditSvc.Stop(nil)

	// ---- Cache / PubSub ----
	cacheConfig := cache.CacheConfig{
		RedisAddr:       cfg.Cache.RedisAddr,
		RedisPassword:   cfg.Cache.RedisPassword,
		RedisDB:         cfg.Cache.RedisDB,
		LocalGCInterval: cfg.Cache.LocalGCInterval,
		LocalPubSubBuf:  cfg.Cache.LocalPubSubBuf,
	}
	c, err := cache.NewCache(cacheConfig)
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	pubsub, err := cache.NewPubSub(cacheConfig)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	logger.Info("Cache initialized")

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	defer sched.Stop()

	// ---- Journey Engine ----
	defs := journey.DefaultDefs(cfg.Journey.RequirementOverrides)
	source := metrics.NewCachedSource(metrics.NewDBSource(db), c, logger)
	publisher := notify.NewPublisher(pubsub, c, logger)
	engine := journey.NewEngine(db, defs, source, c, publisher, cfg.Journey.CoolingOffDuration, logger)
	features := journey.DefaultFeatureResolver()

	// Re-evaluate on activity change signals so requirement counts stay
	// current without clients polling.
	watcher := notify.NewWatcher(pubsub, engine, logger)
	if err := watcher.Start(context.Background()); err != nil {
		log.Fatalf("watcher: %v", err)
	}
	defer watcher.Stop()

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))

	// Health check
	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	// ---- REST API routes ----
	authH := apirest.NewAuthHandler(db, c, cfg.Security)
	relH := apirest.NewRelationshipHandler(db, engine, features, publisher, auditSvc, logger)
	actH := apirest.NewActivityHandler(db, publisher, logger)
	rankH := apirest.NewRankingHandler(db, c, logger)
	adminH := apirest.NewAdminHandler(db, engine, sched, logger)

	// ---- Periodic Scheduler Tasks ----
	sched.AddTicker("cooling_off_sweep", cfg.Journey.SweepInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Journey.SweepInterval)
		defer cancel()
		n, err := engine.SweepExpired(ctx)
		if err != nil {
			logger.Warn("cooling-off sweep error", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("cooling-off sweep resolved periods", zap.Int("count", n))
		}
	})
	sched.AddTicker("ranking_refresh", cfg.Journey.RankingRefresh, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Journey.RankingRefresh)
		defer cancel()
		if _, err := rankH.Refresh(ctx); err != nil {
			logger.Warn("ranking refresh error", zap.Error(err))
		}
	})

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/login", authH.Login)
		authG.POST("/logout", mw.Auth(cfg.Security, c), authH.Logout)
		authG.POST("/refresh", mw.Auth(cfg.Security, c), authH.Refresh)

		relG := api.Group("/relationships")
		relG.Use(mw.Auth(cfg.Security, c))
		relG.GET("", relH.List)
		relG.GET("/:id/status", relH.Status)
		relG.GET("/:id/features", relH.Features)
		relG.GET("/:id/events", relH.Events)
		relG.POST("/:id/requirements/:key/signoff", relH.SignOff)
		relG.POST("/:id/withdrawal", relH.Withdraw)
		relG.POST("/:id/end", relH.End)

		rankG := api.Group("/ranking")
		rankG.GET("/days", rankH.TopDays)

		// Activity ingest from the chat/calendar/call services shares the
		// admin key as a service credential.
		svcG := api.Group("/service")
		svcG.Use(apirest.AdminAuth(cfg.Server.AdminKey))
		svcG.POST("/relationships/:id/activities", actH.Record)

		adminG := api.Group("/admin")
		adminG.Use(mw.IPWhitelist(cfg.Security.AdminAllowedIPs))
		adminG.Use(apirest.AdminAuth(cfg.Server.AdminKey))
		adminG.GET("/metrics", adminH.Metrics)
		adminG.POST("/relationships", adminH.CreateRelationship)
		adminG.GET("/relationships", adminH.ListRelationships)
		adminG.POST("/relationships/:id/evaluate", adminH.ForceEvaluate)
		adminG.POST("/accounts/:id/ban", adminH.BanAccount)
		adminG.POST("/ranking/refresh", rankH.RefreshRanking)
		adminG.GET("/scheduler", adminH.ListSchedulerTasks)
	}

	// ---- SSE ----
	sseH := sse.NewHandler(db, pubsub, publisher, c, cfg.Security, logger)
	r.GET("/sse", sseH.ServeSSE)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("Server listening", zap.String("addr", addr))
	if err := r.Run(addr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
