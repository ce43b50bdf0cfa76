package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"Jinn-Node/internal/staking"
	"Jinn-Node/pkg/logger"
)

// Config 描述了工作进程在启动阶段需要加载的核心配置。
type Config struct {
	Worker   WorkerConfig   `json:"worker"`
	Queue    QueueConfig    `json:"queue"`
	Notifier NotifierConfig `json:"notifier"`
	Chains   ChainsConfig   `json:"chains"`
	Staking  staking.Config `json:"staking"`
	Metrics  MetricsConfig  `json:"metrics"`
	Log      LogConfig      `json:"log"`
}

// WorkerConfig 控制轮询节奏与确认等待。
type WorkerConfig struct {
	ID                  string `json:"id"`
	PollIntervalSecs    int    `json:"poll_interval_secs"`
	ConfirmTimeoutSecs  int    `json:"confirm_timeout_secs"`
	ReceiptIntervalSecs int    `json:"receipt_interval_secs"`
}

// QueueConfig 选择队列后端及其连接参数。
type QueueConfig struct {
	Backend string       `json:"backend"`
	SQLite  SQLiteConfig `json:"sqlite"`
	MySQL   MySQLConfig  `json:"mysql"`
	Remote  RemoteConfig `json:"remote"`
}

// SQLiteConfig 描述本地持久化队列的文件路径与落盘强度。
type SQLiteConfig struct {
	Path            string `json:"path"`
	Synchronous     string `json:"synchronous"`
	BusyTimeoutMsec int    `json:"busy_timeout_msec"`
}

// MySQLConfig 描述共享 MySQL 队列的连接信息。
type MySQLConfig struct {
	DSN             string `json:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_secs"`
}

// RemoteConfig 描述远端协调服务的地址与凭证。
type RemoteConfig struct {
	Endpoint    string `json:"endpoint"`
	AccessKey   string `json:"access_key"`
	TimeoutSecs int    `json:"timeout_secs"`
}

// NotifierConfig 选择入队唤醒通道。
type NotifierConfig struct {
	// Driver 可选 "none"(默认)、"memory"、"redis"、"rabbitmq"。
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 唤醒通道的连接信息。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// RabbitMQConfig 描述 RabbitMQ 唤醒通道的连接信息。
type RabbitMQConfig struct {
	URL   string `json:"url"`
	Queue string `json:"queue"`
}

// ChainsConfig 指向链定义文件与私钥目录。
type ChainsConfig struct {
	Definitions string `json:"definitions"`
	KeysDir     string `json:"keys_dir"`
}

// MetricsConfig 控制指标服务的监听地址。
type MetricsConfig struct {
	Address string `json:"address"`
	// AlertWebhook 非空时额外把告警事件投递到该地址。
	AlertWebhook string `json:"alert_webhook"`
}

// LogConfig 是日志初始化参数,直接映射到 logger.Config。
type LogConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Worker.ID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		c.Worker.ID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.Worker.PollIntervalSecs <= 0 {
		c.Worker.PollIntervalSecs = 5
	}
	if c.Worker.ConfirmTimeoutSecs <= 0 {
		c.Worker.ConfirmTimeoutSecs = 120
	}
	if c.Worker.ReceiptIntervalSecs <= 0 {
		c.Worker.ReceiptIntervalSecs = 2
	}

	if c.Queue.Backend == "" {
		c.Queue.Backend = "sqlite"
	}
	if c.Queue.SQLite.Path == "" {
		c.Queue.SQLite.Path = filepath.Join(baseDir, "data", "txqueue.db")
	} else if !filepath.IsAbs(c.Queue.SQLite.Path) {
		c.Queue.SQLite.Path = filepath.Join(baseDir, c.Queue.SQLite.Path)
	}

	if c.Notifier.Driver == "" {
		c.Notifier.Driver = "none"
	}

	if c.Chains.Definitions != "" && !filepath.IsAbs(c.Chains.Definitions) {
		c.Chains.Definitions = filepath.Join(baseDir, c.Chains.Definitions)
	}
	if c.Chains.KeysDir != "" && !filepath.IsAbs(c.Chains.KeysDir) {
		c.Chains.KeysDir = filepath.Join(baseDir, c.Chains.KeysDir)
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// PollInterval 返回轮询间隔。
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalSecs) * time.Second
}

// ConfirmTimeout 返回确认等待超时。
func (c *Config) ConfirmTimeout() time.Duration {
	return time.Duration(c.Worker.ConfirmTimeoutSecs) * time.Second
}

// ReceiptInterval 返回回执轮询间隔。
func (c *Config) ReceiptInterval() time.Duration {
	return time.Duration(c.Worker.ReceiptIntervalSecs) * time.Second
}

// LoggerConfig 将日志配置折算为 logger.Config。
func (c *Config) LoggerConfig() logger.Config {
	cfg := logger.Config{
		Level:       c.Log.Level,
		Format:      c.Log.Format,
		OutputPaths: c.Log.OutputPaths,
	}
	if c.Log.AuditPath != "" {
		cfg.Audit = logger.AuditConfig{Enabled: true, Path: c.Log.AuditPath}
	}
	return cfg
}
