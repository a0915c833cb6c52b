package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"planboard/internal/config"
	"planboard/internal/handlers"
	"planboard/internal/middleware"
	"planboard/internal/observability"
	"planboard/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

var flagMigrate bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the HTTP API, automation workers and scheduler",
	RunE:  run,
}

func init() {
	runCmd.Flags().BoolVar(&flagMigrate, "migrate", true, "auto-migrate the schema on startup")
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 初始化日志系统
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	log := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	if shutdown, err := observability.SetupTracing(context.Background(), cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		log.Warnf("init tracing: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	if flagMigrate {
		if err := migrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	eng, err := buildEngine(cfg, db, log)
	if err != nil {
		return err
	}
	defer eng.close()

	// 后台组件：实时推送、工作池、定时扫描
	go eng.feed.Run(ctx)
	eng.pool.Start(ctx)
	var scheduler *services.TickScheduler
	if cfg.Automation.SchedulerOn {
		scheduler = services.NewTickScheduler(eng.store, eng.pool, cfg.Automation.ScanInterval, log)
		if err := scheduler.Start(); err != nil {
			return err
		}
	}

	if cfg.Server.Host != "localhost" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := setupRouter(cfg, eng)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Errorf("Server failed: %v", err)
	}

	log.Info("Shutting down server...")

	// 优雅关闭：先停止接收请求，再停止调度与工作池
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}
	if scheduler != nil {
		scheduler.Stop()
	}
	stop()
	eng.pool.Stop()

	log.Info("Server exited")
	return nil
}

func setupRouter(cfg *config.Config, eng *engine) *gin.Engine {
	router := gin.New()

	// 中间件
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg))
	router.Use(middleware.RateLimit(cfg))
	serviceName := cfg.Monitoring.Tracing.ServiceName
	if serviceName == "" {
		serviceName = "planboard"
	}
	router.Use(otelgin.Middleware(serviceName))

	// 健康检查
	health := handlers.NewHealthHandler(cfg, eng.db, eng.redis, eng.queue)
	router.GET("/health", health.Health)
	router.GET("/ready", health.Ready)

	if cfg.Monitoring.Enabled {
		path := cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(eng.metrics.Handler()))
	}

	// API 路由组
	api := router.Group("/api")
	api.Use(middleware.Auth(cfg))
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(eng.service, eng.feed))

	return router
}
