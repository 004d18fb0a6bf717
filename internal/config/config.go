package config

import (
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Claude  ClaudeConfig  `mapstructure:"claude"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Session SessionConfig `mapstructure:"session"`
	CORS    CORSConfig    `mapstructure:"cors"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
}

// ClaudeConfig Claude CLI 调用配置
type ClaudeConfig struct {
	Command         string        `mapstructure:"command"`          // CLI 可执行文件路径，不做自动探测
	DefaultModel    string        `mapstructure:"default_model"`
	InvokeTimeout   time.Duration `mapstructure:"invoke_timeout"`   // 单次调用硬超时
	SetupTimeout    time.Duration `mapstructure:"setup_timeout"`    // 会话初始化调用超时
	SkipPermissions bool          `mapstructure:"skip_permissions"` // 传递 --dangerously-skip-permissions
	DebugRequest    bool          `mapstructure:"debug_request"`    // 记录发送给 CLI 的完整 prompt
}

// StreamConfig 流式连接配置
type StreamConfig struct {
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"` // 单连接最大存活时间
	IdleThreshold     time.Duration `mapstructure:"idle_threshold"`     // 空闲多久后被清扫
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`     // 定期清扫间隔
	ChunkSize         int           `mapstructure:"chunk_size"`         // 合成流式输出的分块大小（rune数）
	ChunkDelay        time.Duration `mapstructure:"chunk_delay"`        // 合成分块之间的发送间隔
}

type SessionConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var cfg *Config

func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CLAUDE")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	// 配置文件优先，未设置时回退到环境变量
	if cfg.Claude.Command == "" {
		if cmd := os.Getenv("CLAUDE_CLI_PATH"); cmd != "" {
			cfg.Claude.Command = cmd
		} else {
			cfg.Claude.Command = "claude"
		}
	}

	applyDefaults(cfg)

	return cfg, nil
}

// applyDefaults 填充未配置项的兜底值
func applyDefaults(c *Config) {
	if c.Claude.DefaultModel == "" {
		c.Claude.DefaultModel = "sonnet"
	}
	if c.Claude.InvokeTimeout <= 0 {
		c.Claude.InvokeTimeout = 10 * time.Minute
	}
	if c.Claude.SetupTimeout <= 0 {
		c.Claude.SetupTimeout = 2 * time.Minute
	}
	if c.Stream.ConnectionTimeout <= 0 {
		c.Stream.ConnectionTimeout = 25 * time.Minute
	}
	if c.Stream.IdleThreshold <= 0 {
		c.Stream.IdleThreshold = 5 * time.Minute
	}
	if c.Stream.SweepInterval <= 0 {
		c.Stream.SweepInterval = time.Minute
	}
	if c.Stream.ChunkSize <= 0 {
		c.Stream.ChunkSize = 60
	}
	if c.Stream.ChunkDelay <= 0 {
		c.Stream.ChunkDelay = 20 * time.Millisecond
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = 2 * time.Hour
	}
	if c.Session.CleanupInterval <= 0 {
		c.Session.CleanupInterval = 10 * time.Minute
	}
}

func Get() *Config {
	return cfg
}
