package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"collab-music/internal/eventbus"
	"collab-music/internal/gateway"
	httpHandler "collab-music/internal/handler/http"
	wsHandler "collab-music/internal/handler/websocket"
	gormpersistence "collab-music/internal/infra/persistence/gorm"
	memorypersistence "collab-music/internal/infra/persistence/memory"
	redispubsub "collab-music/internal/infra/pubsub/redis"
	"collab-music/internal/infra/setup"
	redisstate "collab-music/internal/infra/state/redis"
	"collab-music/internal/middleware"
	"collab-music/internal/relay"
	"collab-music/internal/repository"
	"collab-music/internal/service"
	"collab-music/internal/tasks"
	"collab-music/internal/worker"
)

// App 结构体包含应用的所有组件和配置
type App struct {
	Config      *Config
	Log         *logrus.Logger
	DB          *gorm.DB      // memory 存储时为 nil
	RedisClient *redis.Client // 未配置 REDIS_ADDR 时为 nil
	Bus         eventbus.Bus
	Dispatcher  *eventbus.Dispatcher
	Gateway     *gateway.Gateway
	Relay       *relay.Relay
	RoomService *service.RoomService
	AsynqServer *worker.WorkerServer
	Scheduler   *asynq.Scheduler
	Router      *gin.Engine
	HttpServer  *http.Server

	redisClientOpt asynq.RedisClientOpt
	cancel         context.CancelFunc
}

// NewLogger 按配置创建 logger
func NewLogger(cfg *Config) *logrus.Logger {
	log := logrus.New()
	if cfg.AppEnv == "production" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	}
	logLevel, _ := logrus.ParseLevel(cfg.LogLevel)
	log.SetLevel(logLevel)
	log.SetOutput(os.Stdout)
	// 组件内部通过 logrus 包级函数记录日志
	logrus.SetFormatter(log.Formatter)
	logrus.SetLevel(logLevel)
	return log
}

// NewApp 加载配置并初始化应用
func NewApp() (*App, error) {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, err
	}
	return New(cfg, NewLogger(cfg))
}

// New 按给定配置创建并组装所有组件。返回时事件订阅已经生效，HTTP 服务尚未监听。
func New(cfg *Config, log *logrus.Logger) (*App, error) {
	log.WithFields(logrus.Fields{
		"store":       cfg.StoreDriver,
		"bus":         cfg.BusDriver,
		"instance_id": cfg.InstanceID,
	}).Info("Initializing application...")
	app := &App{Config: cfg, Log: log}

	// 1. 存储
	var roomRepo repository.RoomRepository
	switch cfg.StoreDriver {
	case DriverMySQL:
		db, err := setup.InitDB(cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)
		if err != nil {
			return nil, fmt.Errorf("failed to init DB: %w", err)
		}
		if err := setup.MigrateDB(db); err != nil {
			return nil, fmt.Errorf("failed to migrate DB: %w", err)
		}
		app.DB = db
		roomRepo = gormpersistence.NewGormRoomRepository(db)
	default:
		log.Warn("Using in-memory store, data will not survive a restart")
		roomRepo = memorypersistence.NewMemoryRoomRepository()
	}

	// 2. Redis
	if cfg.RedisAddr != "" {
		redisClient, err := setup.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("failed to init Redis: %w", err)
		}
		app.RedisClient = redisClient
		app.redisClientOpt = asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}
	}

	// 3. 事件总线和发件箱
	if cfg.BusDriver == DriverRedis {
		app.Bus = redispubsub.NewRedisBus(app.RedisClient, cfg.KeyPrefix, redispubsub.DefaultBreakerSettings())
	} else {
		app.Bus = eventbus.NewMemoryBus(256)
	}
	app.Dispatcher = eventbus.NewDispatcher(app.Bus, 1024)
	app.RoomService = service.NewRoomService(roomRepo, app.Dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel

	// 4. 事件网关
	app.Gateway = gateway.NewGateway(app.Bus, 64)
	if err := app.Gateway.Start(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start gateway: %w", err)
	}

	// 5. 播放同步中继
	var presenceRepo repository.PresenceRepository
	var presenceLister httpHandler.PresenceLister
	if app.RedisClient != nil {
		p := redisstate.NewRedisPresenceRepository(app.RedisClient, cfg.KeyPrefix, 0)
		presenceRepo = p
		presenceLister = p
	}
	app.Relay = relay.NewRelay(relay.NewRegistry(), app.Bus, presenceRepo, relay.Config{
		InstanceID:  cfg.InstanceID,
		JoinTimeout: cfg.RelayJoinTimeout,
	})
	if err := app.Relay.Start(ctx); err != nil {
		cancel()
		app.Gateway.Close()
		return nil, fmt.Errorf("failed to start relay: %w", err)
	}
	if presenceLister == nil {
		presenceLister = localPresence{relay: app.Relay}
	}

	// 6. Handlers
	roomHandler := httpHandler.NewRoomHandler(app.RoomService, presenceLister, cfg.JWTSecret,
		time.Duration(cfg.JWTExpiryHours)*time.Hour)
	socketHandler := wsHandler.NewWebSocketHandler(app.Gateway, app.Relay, app.RoomService,
		originChecker(cfg.CORSAllowedOrigin))

	// 7. 后台任务
	if app.RedisClient != nil {
		app.AsynqServer = worker.NewWorkerServer(app.redisClientOpt, app.RoomService, log)
	} else {
		log.Warn("REDIS_ADDR not set, participant cleanup worker disabled")
	}

	// 8. 路由
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(log))
	router.Use(middleware.CORS(cfg.CORSAllowedOrigin))

	router.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws/sync", socketHandler.HandleSync)

	api := router.Group("/api")
	if app.RedisClient != nil {
		api.Use(middleware.RateLimit(app.RedisClient, cfg.KeyPrefix, cfg.RateLimitMax, cfg.RateLimitWindow))
	}
	api.GET("/rooms/:code/events", socketHandler.HandleEvents)
	httpHandler.RegisterRoutes(api, roomHandler, middleware.Auth(cfg.JWTSecret))
	app.Router = router

	app.HttpServer = &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("Application assembled successfully")
	return app, nil
}

// Start 启动后台 Worker、定时任务和 HTTP 服务器
func (a *App) Start() {
	if a.AsynqServer != nil {
		go a.AsynqServer.Start()
		a.Log.Info("Asynq worker server routine started")
		a.registerPeriodicTasks()
	}

	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
}

func (a *App) registerPeriodicTasks() {
	scheduler := asynq.NewScheduler(a.redisClientOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})

	payload, err := tasks.NewParticipantCleanupTask(a.Config.CleanupMinAge)
	if err != nil {
		a.Log.Errorf("Failed to create participant cleanup task payload: %v", err)
		return
	}
	task := asynq.NewTask(tasks.TypeParticipantCleanup, payload)

	schedule := a.Config.CleanupSchedule
	entryID, err := scheduler.Register(schedule, task, asynq.Queue("default"), asynq.MaxRetry(3))
	if err != nil {
		a.Log.Errorf("Could not register participant cleanup task: %v", err)
		return
	}
	a.Log.Infof("Participant cleanup task registered with schedule '%s' (EntryID: %s)", schedule, entryID)
	a.Scheduler = scheduler

	go func() {
		a.Log.Info("Asynq scheduler starting...")
		if err := scheduler.Run(); err != nil {
			if !errors.Is(err, asynq.ErrServerClosed) {
				a.Log.Errorf("Asynq scheduler Run() failed: %v", err)
				return
			}
		}
		a.Log.Info("Asynq scheduler stopped.")
	}()
}

// Shutdown 优雅地关闭应用
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")

	// 1. 停止接收新请求
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	} else {
		a.Log.Info("HTTP server shut down gracefully.")
	}

	// 2. 断开长连接
	a.Relay.Close()
	a.Gateway.Close()

	// 3. 发送发件箱中剩余的事件
	if err := a.Dispatcher.Close(ctx); err != nil {
		a.Log.Errorf("Error draining event dispatcher: %v", err)
	}
	if err := a.Bus.Close(); err != nil {
		a.Log.Errorf("Error closing event bus: %v", err)
	}
	a.cancel()

	// 4. 后台任务
	if a.Scheduler != nil {
		a.Scheduler.Shutdown()
	}
	if a.AsynqServer != nil {
		a.AsynqServer.Shutdown()
	}

	// 5. 连接
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Log.Errorf("Error closing Redis connection: %v", err)
		} else {
			a.Log.Info("Redis connection closed.")
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				a.Log.Errorf("Error closing database connection: %v", err)
			}
		}
	}

	a.Log.Info("Application shutdown complete.")
}

// localPresence 在没有 Redis 时用本实例的注册表回答在线查询
type localPresence struct {
	relay *relay.Relay
}

func (p localPresence) ListOnline(ctx context.Context, roomCode string) ([]string, error) {
	return p.relay.Online(roomCode), nil
}

// originChecker 返回 WebSocket 握手的来源检查。没有 Origin 头的非浏览器客户端直接放行。
func originChecker(allowed string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return allowed == "*" || origin == "" || origin == allowed
	}
}

// LoggerMiddleware 创建一个 Gin 中间件用于记录请求日志
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()

		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        path,
		})

		switch {
		case errorMessage != "":
			entry.Error(errorMessage)
		case statusCode >= 500:
			entry.Error("Server error")
		case statusCode >= 400:
			entry.Warn("Client error")
		default:
			entry.Info("Request handled")
		}
	}
}
