package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DevSecret 本地调试用的 JWT 密钥，持久化部署中拒绝使用
const DevSecret = "dev-secret"

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
		// 实例标识，跨实例广播时过滤自己发出的消息，也用于 CDC 消费组名；为空时启动时生成
		InstanceID     string   `mapstructure:"instanceId"`
		AllowedOrigins []string `mapstructure:"allowedOrigins"`
	} `mapstructure:"running"`
	Store struct {
		// mongo | mysql | memory
		Driver string `mapstructure:"driver"`
	} `mapstructure:"store"`
	Mongo struct {
		URI      string `mapstructure:"uri"`
		Database string `mapstructure:"database"`
	} `mapstructure:"mongo"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		// PATCH_APPLIED 事件
		Topic string `mapstructure:"topic"`
		// MySQL 部署下的 CDC 变更流
		CDCTopic string `mapstructure:"cdcTopic"`
		GroupID  string `mapstructure:"groupId"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret      string `mapstructure:"secret"`
		RequireHTTP bool   `mapstructure:"requireHTTP"`
	} `mapstructure:"auth"`
	Sync struct {
		MaxUpdatesPerSec   int           `mapstructure:"maxUpdatesPerSec"`
		PersistDelay       time.Duration `mapstructure:"persistDelay"`
		PersistEveryDeltas int           `mapstructure:"persistEveryDeltas"`
		SendQueueSize      int           `mapstructure:"sendQueueSize"`
		MaxMessageBytes    int64         `mapstructure:"maxMessageBytes"`
		PresenceTTL        time.Duration `mapstructure:"presenceTTL"`
		PongWait           time.Duration `mapstructure:"pongWait"`
		MaxInflightUpdates int           `mapstructure:"maxInflightUpdates"`
	} `mapstructure:"sync"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8080)
	v.SetDefault("running.allowedOrigins", []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"})
	v.SetDefault("store.driver", "memory")
	v.SetDefault("mongo.uri", "mongodb://127.0.0.1:27017")
	v.SetDefault("mongo.database", "sync")
	v.SetDefault("kafka.topic", "workspace-events")
	v.SetDefault("kafka.cdcTopic", "workspace-cdc")
	v.SetDefault("kafka.groupId", "sync-server")
	v.SetDefault("sync.maxUpdatesPerSec", 5)
	v.SetDefault("sync.persistDelay", 300*time.Millisecond)
	v.SetDefault("sync.persistEveryDeltas", 0)
	v.SetDefault("sync.sendQueueSize", 64)
	v.SetDefault("sync.maxMessageBytes", 1<<20)
	v.SetDefault("sync.presenceTTL", 60*time.Second)
	v.SetDefault("sync.pongWait", 60*time.Second)
	v.SetDefault("sync.maxInflightUpdates", 64)
}

// Load 读取 syncConfig.yaml；找不到文件时只用默认值和环境变量。
// 环境变量前缀 SYNC_，层级用下划线，例如 SYNC_STORE_DRIVER。
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigName("syncConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// 兼容从项目根目录或 backend 目录启动
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory":
	case "mongo":
		if c.Mongo.URI == "" {
			return errors.New("config: mongo.uri is required for store.driver=mongo")
		}
	case "mysql":
		if c.Mysql.DSN == "" {
			return errors.New("config: mysql.dsn is required for store.driver=mysql")
		}
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("config: kafka.brokers is required for store.driver=mysql (change feed)")
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	// 只有内存存储允许用内置的开发密钥
	if c.Store.Driver != "memory" && (c.Auth.Secret == "" || c.Auth.Secret == DevSecret) {
		return fmt.Errorf("config: auth.secret must be set for store.driver=%s", c.Store.Driver)
	}
	if c.Sync.MaxUpdatesPerSec <= 0 {
		return errors.New("config: sync.maxUpdatesPerSec must be positive")
	}
	return nil
}
