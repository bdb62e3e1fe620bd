package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量覆盖前缀
const EnvPrefix = "ATWORKER"

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version" envconfig:"VERSION"`

	Sqlite     SqliteConfig     `yaml:"sqlite"`
	Log        LogConfig        `yaml:"log"`
	DevTools   DevToolsConfig   `yaml:"devtools"`
	Worker     WorkerConfig     `yaml:"worker"`
	Scripts    ScriptsConfig    `yaml:"scripts"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Redirect   RedirectConfig   `yaml:"redirect"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Capability CapabilityConfig `yaml:"capability"`
}

// SqliteConfig 路由日志存储，Dsn 为空表示不记录
type SqliteConfig struct {
	Dsn    string `yaml:"dsn" envconfig:"DSN"`
	Prefix string `yaml:"prefix" envconfig:"PREFIX"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string   `yaml:"level" envconfig:"LEVEL" validate:"omitempty,oneof=trace debug info warn error"`
	Writer     []string `yaml:"writer" envconfig:"WRITER" validate:"dive,oneof=console file"`
	File       string   `yaml:"file" envconfig:"FILE"`
	MaxSizeMB  int      `yaml:"max_size_mb" envconfig:"MAX_SIZE_MB" validate:"gte=0"`
	MaxBackups int      `yaml:"max_backups" envconfig:"MAX_BACKUPS" validate:"gte=0"`
	MaxAgeDays int      `yaml:"max_age_days" envconfig:"MAX_AGE_DAYS" validate:"gte=0"`
}

// DevToolsConfig 浏览器调试端点
type DevToolsConfig struct {
	URL    string `yaml:"url" envconfig:"URL" validate:"required,url"`
	Target string `yaml:"target" envconfig:"TARGET"`
}

// WorkerConfig 拦截工作者配置
type WorkerConfig struct {
	// Scope 工作者控制的 URL 前缀
	Scope             string `yaml:"scope" envconfig:"SCOPE" validate:"required,url"`
	Concurrency       int    `yaml:"concurrency" envconfig:"CONCURRENCY" validate:"gte=0"`
	QueueCapacity     int    `yaml:"queue_capacity" envconfig:"QUEUE_CAPACITY" validate:"gte=0"`
	ProcessTimeoutMS  int    `yaml:"process_timeout_ms" envconfig:"PROCESS_TIMEOUT_MS" validate:"gte=0"`
	FallbackOnFailure bool   `yaml:"fallback_on_failure" envconfig:"FALLBACK_ON_FAILURE"`
	ResolveTimeoutMS  int    `yaml:"resolve_timeout_ms" envconfig:"RESOLVE_TIMEOUT_MS" validate:"gte=0"`
}

// ScriptsConfig 两种工作者脚本变体的注册路径
type ScriptsConfig struct {
	Module  string `yaml:"module" envconfig:"MODULE" validate:"required"`
	Classic string `yaml:"classic" envconfig:"CLASSIC" validate:"required"`
}

// ResolverConfig 解析器脚本位置，按变体选择
type ResolverConfig struct {
	ModuleScript  string `yaml:"module_script" envconfig:"MODULE_SCRIPT"`
	ClassicScript string `yaml:"classic_script" envconfig:"CLASSIC_SCRIPT"`
	// InitArg 经典变体初始化时传入的 module_or_path
	InitArg string `yaml:"init_arg" envconfig:"INIT_ARG"`
}

// RedirectConfig 引导页跳转配置
type RedirectConfig struct {
	Homepage string `yaml:"homepage" envconfig:"HOMEPAGE" validate:"required"`
	Prefix   string `yaml:"prefix" envconfig:"PREFIX" validate:"required,startswith=/"`
	Param    string `yaml:"param" envconfig:"PARAM" validate:"required"`
}

// GatewayConfig HTTP 网关配置
type GatewayConfig struct {
	Addr     string `yaml:"addr" envconfig:"ADDR"`
	Upstream string `yaml:"upstream" envconfig:"UPSTREAM" validate:"omitempty,url"`
	// Bootstrap 引导页路径，访问时注册工作者并在就绪后跳转
	Bootstrap string `yaml:"bootstrap" envconfig:"BOOTSTRAP" validate:"omitempty,startswith=/"`
	// ReadyTimeoutMS 引导页等待工作者就绪的上限
	ReadyTimeoutMS int `yaml:"ready_timeout_ms" envconfig:"READY_TIMEOUT_MS" validate:"gte=0"`
}

// CapabilityConfig 不支持模块类型工作者的浏览器标识
type CapabilityConfig struct {
	ClassicMarkers []string `yaml:"classic_markers" envconfig:"CLASSIC_MARKERS"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Version: "1.0.0",
		Sqlite: SqliteConfig{
			Dsn:    "",
			Prefix: "atworker_",
		},
		Log: LogConfig{
			Level:      "info",
			Writer:     []string{"console"},
			File:       "atworker.log",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		DevTools: DevToolsConfig{
			URL: "http://127.0.0.1:9222",
		},
		Worker: WorkerConfig{
			Scope:            "http://localhost:8080/",
			ProcessTimeoutMS: 30000,
		},
		Scripts: ScriptsConfig{
			Module:  "./sw.js",
			Classic: "./sw_nomod.js",
		},
		Redirect: RedirectConfig{
			Homepage: "/at/",
			Prefix:   "/at/",
			Param:    "redir",
		},
		Gateway: GatewayConfig{
			Addr:           "127.0.0.1:8080",
			Bootstrap:      "/",
			ReadyTimeoutMS: 30000,
		},
		Capability: CapabilityConfig{
			ClassicMarkers: []string{"firefox"},
		},
	}
}

// Load 依次应用默认值、YAML 文件（可为空）、环境变量覆盖并校验
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, w := range c.Log.Writer {
		if w == "file" && c.Log.File == "" {
			return fmt.Errorf("invalid config: log.file is required when writer includes file")
		}
	}
	return nil
}
