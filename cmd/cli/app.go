package cli

import (
	"context"
	"fmt"
	"time"

	"planboard/internal/config"
	"planboard/internal/metrics"
	"planboard/internal/models"
	"planboard/internal/services"
	"planboard/pkg/notify"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// engine 自动化引擎的各个组件
type engine struct {
	db       *gorm.DB
	redis    *redis.Client
	metrics  *metrics.Metrics
	orch     *services.Orchestrator
	service  *services.AutomationService
	queue    services.AutomationQueue
	pool     *services.WorkerPool
	store    services.AutomationStore
	feed     *services.RunFeed
	notifier services.Transports
}

// openDatabase 连接 Postgres，失败时按指数退避重试
func openDatabase(ctx context.Context, cfg *config.Config) (*gorm.DB, error) {
	attempts := cfg.Database.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(500*time.Millisecond))
	backoff = retry.WithCappedDuration(10*time.Second, backoff)

	var db *gorm.DB
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		conn, err := gorm.Open(postgres.Open(cfg.Database.PostgresDSN()), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		})
		if err == nil {
			err = ping(ctx, conn)
		}
		if err != nil {
			logrus.WithError(err).Warn("database not reachable, retrying")
			return retry.RetryableError(err)
		}
		db = conn
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	if cfg.Database.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			logrus.WithError(err).Warn("gorm tracing plugin disabled")
		}
	}
	return db, nil
}

func ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Project{},
		&models.Task{},
		&models.Automation{},
		&models.AutomationRun{},
	)
}

func newRedis(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
}

// newTransports 邮件与日历需要服务端配置才创建；聊天与 webhook 动作可自带 URL，始终可用
func newTransports(cfg *config.Config, log *logrus.Logger) services.Transports {
	n := cfg.Notify
	timeout := cfg.Automation.ActionTimeout
	t := services.Transports{
		Slack:   notify.NewSlackNotifier(n.Slack.WebhookURL, timeout),
		Webhook: notify.NewWebhookClient(n.Discord.WebhookURL, timeout, log),
	}
	if n.SMTP.Host != "" {
		t.Mail = notify.NewMailer(notify.MailerConfig{
			Host:     n.SMTP.Host,
			Port:     n.SMTP.Port,
			Username: n.SMTP.Username,
			Password: n.SMTP.Password,
			From:     n.SMTP.From,
			TLS:      n.SMTP.TLS,
			Timeout:  timeout,
		}, log)
	}
	if n.Calendar.BaseURL != "" {
		t.Calendar = notify.NewCalendarClient(notify.CalendarConfig{
			BaseURL:     n.Calendar.BaseURL,
			CalendarID:  n.Calendar.CalendarID,
			AccessToken: n.Calendar.AccessToken,
			TimeZone:    n.Calendar.TimeZone,
			Timeout:     timeout,
		}, log)
	}
	return t
}

// buildEngine 组装存储、执行器、编排器与队列。redis 仅在 queue_backend=redis 时使用。
func buildEngine(cfg *config.Config, db *gorm.DB, log *logrus.Logger) (*engine, error) {
	e := &engine{db: db, metrics: metrics.New()}
	e.store = services.NewGormAutomationStore(db)
	snapshots := services.NewGormSnapshotProvider(db)
	e.notifier = newTransports(cfg, log)
	executor := services.NewActionExecutor(e.notifier, cfg.Automation.ActionTimeout, log, e.metrics)
	e.orch = services.NewOrchestrator(e.store, snapshots, executor, log, e.metrics)
	e.service = services.NewAutomationService(e.store, snapshots, e.orch, log)

	var locker services.ProjectLocker
	switch cfg.Automation.QueueBackend {
	case "redis":
		e.redis = newRedis(cfg)
		q, err := services.NewRedisQueue(e.redis, cfg.Automation.QueueKey)
		if err != nil {
			return nil, err
		}
		e.queue = q
		locker = services.NewRedisLocker(e.redis, cfg.Automation.QueueKey+":lock:", cfg.Automation.LockTTL)
	case "", "memory":
		e.queue = services.NewMemoryQueue(cfg.Automation.QueueSize)
		locker = services.NewMemoryLocker()
	default:
		return nil, fmt.Errorf("unknown automation.queue_backend %q", cfg.Automation.QueueBackend)
	}
	e.pool = services.NewWorkerPool(e.queue, locker, e.orch, cfg.Automation.Workers, log, e.metrics)
	e.service.SetQueue(e.pool)
	e.service.SetLocker(locker, 15*time.Second)

	e.feed = services.NewRunFeed(log)
	e.orch.SetPublisher(e.feed)
	return e, nil
}

func (e *engine) close() {
	if e.queue != nil {
		_ = e.queue.Close()
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.db != nil {
		if sqlDB, err := e.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
