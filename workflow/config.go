package workflow

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Config 引擎和投递的配置, 从yaml文件加载, 没有配置的字段使用 DefaultConfig
type Config struct {
	Persist PersistConfig `yaml:"persist"`
	Retry   RetryConfig   `yaml:"retry" validate:"required"`
	Lock    LockConfig    `yaml:"lock"`
	Store   StoreConfig   `yaml:"store"`
	// DeliveryConcurrency 一个事件匹配多个session时同时处理的数量, 0不限制
	DeliveryConcurrency int `yaml:"delivery_concurrency" validate:"gte=0"`
}

// PersistConfig 对应 PersistStrategy, 全部为false就是 PersistAtEnd
type PersistConfig struct {
	OnCheckpoint bool `yaml:"on_checkpoint"`
	OnAwaiter    bool `yaml:"on_awaiter"`
	OnEvent      bool `yaml:"on_event"`
}

type RetryConfig struct {
	MaxTries        uint          `yaml:"max_tries" validate:"gte=1"`
	InitialInterval time.Duration `yaml:"initial_interval" validate:"gt=0"`
	MaxInterval     time.Duration `yaml:"max_interval" validate:"gtefield=InitialInterval"`
}

type LockConfig struct {
	// Driver none/local/redis
	Driver    string        `yaml:"driver" validate:"oneof=none local redis"`
	TTL       time.Duration `yaml:"ttl" validate:"gt=0"`
	RedisAddr string        `yaml:"redis_addr" validate:"required_if=Driver redis"`
	// RenewInterval 只对redis生效, 0不续期
	RenewInterval time.Duration `yaml:"renew_interval" validate:"gte=0,ltfield=TTL"`
}

type StoreConfig struct {
	// Driver memory/sqlite, sqlite 由调用方用DSN打开gorm.DB
	Driver string `yaml:"driver" validate:"oneof=memory sqlite"`
	DSN    string `yaml:"dsn" validate:"required_if=Driver sqlite"`
}

func DefaultConfig() *Config {
	return &Config{
		Retry: RetryConfig{
			MaxTries:        5,
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
		Lock: LockConfig{
			Driver: "none",
			TTL:    10 * time.Minute,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
	}
}

// LoadConfig 读取yaml文件, 环境变量 WORKFLOW_REDIS_ADDR / WORKFLOW_STORE_DSN 覆盖文件里面的值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "LoadConfig read %s failed", path)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "ParseConfig yaml failed, err: %v", err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WORKFLOW_REDIS_ADDR"); v != "" {
		cfg.Lock.RedisAddr = v
	}
	if v := os.Getenv("WORKFLOW_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
}

func (c *Config) Validate() error {
	if err := validatorUtil.Struct(c); err != nil {
		return errors.Wrapf(ErrWorkflowParamInvalid, "config invalid, err: %v", err)
	}
	return nil
}

func (c *Config) PersistStrategy() PersistStrategy {
	strategy := PersistAtEnd
	if c.Persist.OnCheckpoint {
		strategy |= PersistOnCheckpoint
	}
	if c.Persist.OnAwaiter {
		strategy |= PersistOnAwaiter
	}
	if c.Persist.OnEvent {
		strategy |= PersistOnEvent
	}
	return strategy
}

func (c *Config) EngineOptions() []Option {
	return []Option{
		WithPersistStrategy(c.PersistStrategy()),
		WithDeliveryConcurrency(c.DeliveryConcurrency),
	}
}

// SessionLock 按配置创建锁, driver为none时返回nil
// redis driver 的client为nil时用RedisAddr创建
func (c *Config) SessionLock(client redis.Cmdable) SessionLock {
	switch c.Lock.Driver {
	case "local":
		return NewLocalSessionLock()
	case "redis":
		if client == nil {
			client = redis.NewClient(&redis.Options{Addr: c.Lock.RedisAddr})
		}
		return NewRedisSessionLock(client, WithRenewInterval(c.Lock.RenewInterval))
	}
	return nil
}

func (c *Config) DispatcherOptions(client redis.Cmdable) []DispatcherOption {
	opts := []DispatcherOption{
		WithRetry(c.Retry.MaxTries, c.Retry.InitialInterval, c.Retry.MaxInterval),
	}
	if lock := c.SessionLock(client); lock != nil {
		opts = append(opts, WithSessionLock(lock, c.Lock.TTL))
	}
	return opts
}
