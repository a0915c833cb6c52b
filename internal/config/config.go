package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	JWT        JWTConfig        `mapstructure:"jwt" yaml:"jwt"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security" yaml:"security"`
	Automation AutomationConfig `mapstructure:"automation" yaml:"automation"`
	Notify     NotifyConfig     `mapstructure:"notify" yaml:"notify"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Name            string        `mapstructure:"name" yaml:"name"`
	SSLMode         string        `mapstructure:"sslmode" yaml:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnectAttempts int           `mapstructure:"connect_attempts" yaml:"connect_attempts"`
}

// PostgresDSN 组装 Postgres 连接串，DSN 字段优先
func (d DatabaseConfig) PostgresDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	ssl := d.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, ssl)
}

type RedisConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	Password     string `mapstructure:"password" yaml:"password"`
	DB           int    `mapstructure:"db" yaml:"db"`
	PoolSize     int    `mapstructure:"pool_size" yaml:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns" yaml:"min_idle_conns"`
}

// Addr 返回 host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type JWTConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Secret    string        `mapstructure:"secret" yaml:"secret"`
	ExpiresIn time.Duration `mapstructure:"expires_in" yaml:"expires_in"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`     // json, text
	Output     string `mapstructure:"output" yaml:"output"`     // stdout, file, both
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // MB
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // days
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type MonitoringConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MetricsPath string        `mapstructure:"metrics_path" yaml:"metrics_path"`
	Tracing     TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`         // OTLP gRPC 端点，例如 http://otel-collector:4317
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`         // 是否使用明文（本地/开发）
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"` // 缺省使用 "planboard"
}

type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors" yaml:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting" yaml:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers" yaml:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool                  `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int                   `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int                   `mapstructure:"burst" yaml:"burst"`
	KeyHeader         string                `mapstructure:"key_header" yaml:"key_header"`
	WhitelistIPs      []string              `mapstructure:"whitelist_ips" yaml:"whitelist_ips"`
	Paths             []PathRateLimitConfig `mapstructure:"paths" yaml:"paths"`
}

// PathRateLimitConfig 针对路径前缀的限流覆盖
type PathRateLimitConfig struct {
	Enabled           bool   `mapstructure:"enabled" yaml:"enabled"`
	Prefix            string `mapstructure:"prefix" yaml:"prefix"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int    `mapstructure:"burst" yaml:"burst"`
}

// AutomationConfig 自动化引擎配置
type AutomationConfig struct {
	ActionTimeout time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"` // 单个动作的外部调用超时
	ScanInterval  time.Duration `mapstructure:"scan_interval" yaml:"scan_interval"`   // 定时扫描间隔
	Workers       int           `mapstructure:"workers" yaml:"workers"`
	QueueBackend  string        `mapstructure:"queue_backend" yaml:"queue_backend"` // memory, redis
	QueueKey      string        `mapstructure:"queue_key" yaml:"queue_key"`
	QueueSize     int           `mapstructure:"queue_size" yaml:"queue_size"`
	LockTTL       time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
	SchedulerOn   bool          `mapstructure:"scheduler_enabled" yaml:"scheduler_enabled"`
}

type NotifyConfig struct {
	SMTP     SMTPConfig     `mapstructure:"smtp" yaml:"smtp"`
	Slack    ChatConfig     `mapstructure:"slack" yaml:"slack"`
	Discord  ChatConfig     `mapstructure:"discord" yaml:"discord"`
	Calendar CalendarConfig `mapstructure:"calendar" yaml:"calendar"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	From     string `mapstructure:"from" yaml:"from"`
	TLS      bool   `mapstructure:"tls" yaml:"tls"`
}

type ChatConfig struct {
	WebhookURL string `mapstructure:"webhook_url" yaml:"webhook_url"`
}

// CalendarConfig 日历事件创建端点（Google Calendar events 兼容）
type CalendarConfig struct {
	BaseURL     string `mapstructure:"base_url" yaml:"base_url"`
	CalendarID  string `mapstructure:"calendar_id" yaml:"calendar_id"`
	AccessToken string `mapstructure:"access_token" yaml:"access_token"`
	TimeZone    string `mapstructure:"time_zone" yaml:"time_zone"`
}

// Load 在默认配置之上叠加 viper 读取到的配置（文件 + 环境变量）
func Load() (*Config, error) {
	cfg := GetDefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Automation.QueueBackend = strings.ToLower(strings.TrimSpace(cfg.Automation.QueueBackend))
	return cfg, nil
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "planboard",
			SSLMode:         "disable",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
			ConnectAttempts: 5,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
		},
		JWT: JWTConfig{
			Enabled:   false,
			Secret:    "default-secret-key",
			ExpiresIn: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/planboard.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "planboard",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
			},
		},
		Automation: AutomationConfig{
			ActionTimeout: 10 * time.Second,
			ScanInterval:  time.Minute,
			Workers:       4,
			QueueBackend:  "memory",
			QueueKey:      "planboard:automation:jobs",
			QueueSize:     256,
			LockTTL:       5 * time.Minute,
			SchedulerOn:   true,
		},
		Notify: NotifyConfig{
			SMTP: SMTPConfig{
				Port: 587,
				From: "automations@planboard.local",
				TLS:  true,
			},
			Calendar: CalendarConfig{
				BaseURL:    "https://www.googleapis.com/calendar/v3",
				CalendarID: "primary",
				TimeZone:   "UTC",
			},
		},
	}
}
