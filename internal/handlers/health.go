package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"planboard/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

// QueueLen reports the automation backlog.
type QueueLen interface {
	Len(ctx context.Context) (int, error)
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	config *config.Config
	db     *gorm.DB
	redis  *redis.Client
	queue  QueueLen
	logger *logrus.Logger
}

// NewHealthHandler redis and queue may be nil.
func NewHealthHandler(cfg *config.Config, db *gorm.DB, rdb *redis.Client, queue QueueLen) *HealthHandler {
	return &HealthHandler{
		config: cfg,
		db:     db,
		redis:  rdb,
		queue:  queue,
		logger: logrus.StandardLogger(),
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
}

var startTime = time.Now()

// Health 健康检查端点。依赖不可用时返回 degraded（仍为 200）。
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			GoVersion: runtime.Version(),
		},
	}

	checks := map[string]ServiceInfo{"database": h.checkDatabase(ctx)}
	if h.redis != nil {
		checks["redis"] = h.checkRedis(ctx)
	}
	if h.queue != nil {
		checks["automation_queue"] = h.checkQueue(ctx)
	}
	for name, info := range checks {
		response.Services[name] = info
		if info.Status != "healthy" {
			response.Status = "degraded"
		}
	}

	c.JSON(http.StatusOK, response)
}

// Ready 就绪检查：数据库必须可用
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	db := h.checkDatabase(ctx)
	ready := db.Status == "healthy"
	services := map[string]string{"database": db.Status}
	if h.redis != nil {
		r := h.checkRedis(ctx)
		services["redis"] = r.Status
		ready = ready && r.Status == "healthy"
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"ready":     ready,
		"timestamp": time.Now(),
		"services":  services,
	})
}

func (h *HealthHandler) checkDatabase(ctx context.Context) ServiceInfo {
	start := time.Now()
	if h.db == nil {
		return ServiceInfo{Status: "unhealthy", Error: "database connection not initialized"}
	}
	info := ServiceInfo{Details: map[string]interface{}{"driver": h.db.Dialector.Name()}}
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	info.Latency = time.Since(start).String()
	if err != nil {
		h.logger.WithError(err).Warn("database health check failed")
		info.Status = "unhealthy"
		info.Error = err.Error()
		return info
	}
	info.Status = "healthy"
	return info
}

func (h *HealthHandler) checkRedis(ctx context.Context) ServiceInfo {
	start := time.Now()
	info := ServiceInfo{Details: map[string]interface{}{"addr": h.redis.Options().Addr}}
	err := h.redis.Ping(ctx).Err()
	info.Latency = time.Since(start).String()
	if err != nil {
		h.logger.WithError(err).Warn("redis health check failed")
		info.Status = "unhealthy"
		info.Error = err.Error()
		return info
	}
	info.Status = "healthy"
	return info
}

func (h *HealthHandler) checkQueue(ctx context.Context) ServiceInfo {
	n, err := h.queue.Len(ctx)
	if err != nil {
		return ServiceInfo{Status: "unhealthy", Error: err.Error()}
	}
	backend := "memory"
	if h.config != nil && h.config.Automation.QueueBackend != "" {
		backend = h.config.Automation.QueueBackend
	}
	return ServiceInfo{Status: "healthy", Details: map[string]interface{}{"backend": backend, "depth": n}}
}
