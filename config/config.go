package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config 服务端配置
type Config struct {
	// Addr HTTP/WebSocket 监听地址
	Addr         string
	DatabasePath string
	LogFile      string
	Debug        bool

	// TickHz 模拟与广播频率
	TickHz float64
	// DatabaseSyncHz 周期性持久化频率，独立于 TickHz
	DatabaseSyncHz float64

	// AuthMode 为 false 时跳过令牌校验，令牌本身派生账号（开发模式）
	AuthMode   bool
	AuthSecret string

	// EnforceOwnership 登录/删除时校验角色归属；关闭即旧版的宽松行为
	EnforceOwnership bool
	// AutoCreateCharacter 新账号连接时若没有角色则自动创建一个
	AutoCreateCharacter bool
	MaxCharacters       int
	TravelSpeed         float64
	// MaxStepDistance 单次移动上报允许的最大位移，0 表示不校验
	MaxStepDistance float64

	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	MaxFrameBytes uint32
}

// Overrides 命令行等显式覆盖；nil 表示使用环境变量/默认值
type Overrides struct {
	Addr             *string
	DatabasePath     *string
	LogFile          *string
	Debug            *bool
	TickHz           *float64
	AuthMode         *bool
	AuthSecret       *string
	EnforceOwnership *bool
}

// Load 从环境变量加载配置并应用覆盖项
func Load(o Overrides) (*Config, error) {
	cfg := &Config{
		Addr:                envString("REALM_ADDR", ":8787"),
		DatabasePath:        envString("REALM_DB", "./realm.db"),
		LogFile:             envString("REALM_LOG", "realm.log"),
		Debug:               envBool("REALM_DEBUG", false),
		TickHz:              envFloat("REALM_TICK_HZ", 5),
		DatabaseSyncHz:      envFloat("REALM_DB_SYNC_HZ", 0.2),
		AuthMode:            envBool("REALM_AUTH_MODE", true),
		AuthSecret:          os.Getenv("REALM_AUTH_SECRET"),
		EnforceOwnership:    envBool("REALM_ENFORCE_OWNERSHIP", true),
		AutoCreateCharacter: envBool("REALM_AUTO_CHARACTER", true),
		MaxCharacters:       envInt("REALM_MAX_CHARACTERS", 1),
		TravelSpeed:         envFloat("REALM_TRAVEL_SPEED", 200),
		MaxStepDistance:     envFloat("REALM_MAX_STEP", 0),
		ReadTimeout:         envDuration("REALM_READ_TIMEOUT", 60*time.Second),
		WriteTimeout:        envDuration("REALM_WRITE_TIMEOUT", 5*time.Second),
		PingInterval:        envDuration("REALM_PING_INTERVAL", 30*time.Second),
		MaxFrameBytes:       uint32(envInt("REALM_MAX_FRAME", 1<<20)),
	}

	if o.Addr != nil {
		cfg.Addr = *o.Addr
	}
	if o.DatabasePath != nil {
		cfg.DatabasePath = *o.DatabasePath
	}
	if o.LogFile != nil {
		cfg.LogFile = *o.LogFile
	}
	if o.Debug != nil {
		cfg.Debug = *o.Debug
	}
	if o.TickHz != nil {
		cfg.TickHz = *o.TickHz
	}
	if o.AuthMode != nil {
		cfg.AuthMode = *o.AuthMode
	}
	if o.AuthSecret != nil {
		cfg.AuthSecret = *o.AuthSecret
	}
	if o.EnforceOwnership != nil {
		cfg.EnforceOwnership = *o.EnforceOwnership
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 测试与嵌入使用的默认配置（不读环境变量）
func Default() *Config {
	return &Config{
		Addr:                ":8787",
		DatabasePath:        "./realm.db",
		TickHz:              5,
		DatabaseSyncHz:      0.2,
		EnforceOwnership:    true,
		AutoCreateCharacter: true,
		MaxCharacters:       1,
		TravelSpeed:         200,
		ReadTimeout:         60 * time.Second,
		WriteTimeout:        5 * time.Second,
		PingInterval:        30 * time.Second,
		MaxFrameBytes:       1 << 20,
	}
}

func (c *Config) Validate() error {
	if c.TickHz <= 0 {
		return fmt.Errorf("tick rate must be positive, got %v", c.TickHz)
	}
	if c.DatabaseSyncHz <= 0 {
		return fmt.Errorf("database sync rate must be positive, got %v", c.DatabaseSyncHz)
	}
	if c.MaxCharacters <= 0 {
		return fmt.Errorf("max characters must be positive, got %d", c.MaxCharacters)
	}
	if c.MaxStepDistance < 0 {
		return errors.New("max step distance must not be negative")
	}
	if c.AuthMode && c.AuthSecret == "" {
		return errors.New("REALM_AUTH_SECRET is required when auth mode is enabled")
	}
	return nil
}

// TickPeriod 名义 tick 周期
func (c *Config) TickPeriod() time.Duration {
	return time.Duration(float64(time.Second) / c.TickHz)
}

func (c *Config) SyncPeriod() time.Duration {
	return time.Duration(float64(time.Second) / c.DatabaseSyncHz)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "yes":
		return true
	case "0", "false", "FALSE", "no":
		return false
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}
