package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradeloop/engine/internal/config"
	"tradeloop/engine/internal/handler"
	"tradeloop/engine/internal/middleware"
	"tradeloop/engine/internal/repository"
	"tradeloop/engine/internal/service"
	"tradeloop/engine/pkg/crypto"
	"tradeloop/engine/pkg/jwt"
	"tradeloop/engine/pkg/logger"
	"tradeloop/engine/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file (ignore error in production)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log := logger.GetLogger()

	log.Info("Starting trading engine...")
	log.Infof("Environment: %s", cfg.Server.Env)

	log.Info("Connecting to Redis...")
	redisClient, err := redis.New(redis.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Fatal("Failed to connect to Redis", err)
	}
	defer redisClient.Close()
	log.Info("✓ Redis connected")

	encryptor, err := crypto.NewEncryptor([]byte(cfg.Encryption.Key))
	if err != nil {
		log.Fatal("Failed to initialize encryption", err)
	}

	jwtManager := jwt.NewManager(cfg.JWT.Secret, cfg.JWT.TokenExpire)

	// Repositories
	botRepo := repository.NewBotRepository(redisClient)
	positionRepo := repository.NewPositionRepository(redisClient)
	orderRepo := repository.NewOrderRepository(redisClient)
	credentialRepo := repository.NewCredentialRepository(redisClient)

	// Services
	notifier := service.NewNotificationService(redisClient)
	portfolio := service.NewPortfolioTracker(positionRepo)
	credentialService := service.NewCredentialService(credentialRepo, encryptor, cfg.Exchange)
	connectorFactory := service.NewConnectorFactory(credentialService)
	botManager := service.NewBotManager(cfg.Engine, botRepo, orderRepo, portfolio, credentialService, connectorFactory, notifier)

	// Relaunch bots left active by the previous process
	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), 30*time.Second)
	if err := botManager.Restore(restoreCtx); err != nil {
		log.Error("Bot restore failed", err)
	}
	cancelRestore()

	// WebSocket hub
	wsHub := service.NewWSHub(redisClient)
	go wsHub.Run()
	go wsHub.StartPubSubListener(context.Background())

	// Handlers
	botHandler := handler.NewBotHandler(botManager)
	credentialHandler := handler.NewCredentialHandler(credentialService)

	if cfg.Server.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log))
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	router.Use(middleware.RateLimit(redisClient, cfg.RateLimit.RequestsPerMinute))

	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "Redis connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"redis":       "connected",
			"active_bots": botManager.ActiveCount(),
		})
	})

	v1 := router.Group("/api/v1")
	{
		v1.GET("/ping", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"message": "pong",
				"time":    time.Now().Unix(),
			})
		})

		authed := v1.Group("")
		authed.Use(middleware.Auth(jwtManager))
		{
			authed.GET("/ws", wsHub.ServeWS)

			authed.GET("/strategies", botHandler.ListStrategies)
			authed.GET("/bots", botHandler.ListBots)

			bot := authed.Group("/bot/:market")
			{
				lifecycle := middleware.LifecycleRateLimit(redisClient, 10)
				bot.POST("/start", lifecycle, botHandler.StartBot)
				bot.POST("/stop", lifecycle, botHandler.StopBot)
				bot.POST("/pause", lifecycle, botHandler.PauseBot)
				bot.POST("/resume", lifecycle, botHandler.ResumeBot)
				bot.GET("/status", botHandler.BotStatus)
				bot.GET("/performance", botHandler.BotPerformance)
			}

			creds := authed.Group("/credentials")
			{
				creds.POST("", credentialHandler.SaveCredential)
				creds.GET("", credentialHandler.ListCredentials)
				creds.POST("/:exchange/verify", credentialHandler.VerifyCredential)
				creds.DELETE("/:exchange", credentialHandler.DeleteCredential)
			}
		}
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infof("Server starting on %s", cfg.Server.Address())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", err)
		}
	}()

	log.Info("✓ Engine started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", err)
	}

	// Bot loops drain without touching persisted states, so the next
	// process restores them where they left off.
	botManager.Shutdown(ctx)

	log.Info("Engine exited")
}
