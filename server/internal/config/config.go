package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	Safety  SafetyConfig  `yaml:"safety"`
	Speech  SpeechConfig  `yaml:"speech"`
	Gateway GatewayConfig `yaml:"gateway"`
	Logging LoggingConfig `yaml:"logging"`
	Paths   PathsConfig   `yaml:"paths"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr 监听地址。
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LLMConfig 分类与生成共用的语言模型配置
type LLMConfig struct {
	Provider  string            `yaml:"provider"` // "openai", "anthropic", "gemini" or "mock"
	OpenAI    LLMProviderConfig `yaml:"openai"`
	Anthropic LLMProviderConfig `yaml:"anthropic"`
	Gemini    LLMProviderConfig `yaml:"gemini"`

	// 两次外部调用各自的超时，超时后走确定性兜底。
	ClassifierTimeout time.Duration `yaml:"classifier_timeout"`
	GenerationTimeout time.Duration `yaml:"generation_timeout"`
}

// LLMProviderConfig LLM 提供商配置
type LLMProviderConfig struct {
	APIKey      string  `yaml:"api_key"`
	APIURL      string  `yaml:"api_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// Active 返回当前 provider 的配置。
func (c LLMConfig) Active() LLMProviderConfig {
	switch c.Provider {
	case "anthropic":
		return c.Anthropic
	case "gemini":
		return c.Gemini
	default:
		return c.OpenAI
	}
}

type SafetyConfig struct {
	// PolicyPath 阈值/预设文件，为空时使用内置默认策略。
	PolicyPath  string `yaml:"policy_path"`
	WatchPolicy bool   `yaml:"watch_policy"`
	// SessionDuration 计划会话时长，用于定时休息。
	SessionDuration time.Duration `yaml:"session_duration"`
}

// SpeechConfig Amazon Polly 合成配置
type SpeechConfig struct {
	Enabled bool          `yaml:"enabled"`
	Region  string        `yaml:"region"`
	VoiceID string        `yaml:"voice_id"`
	Engine  string        `yaml:"engine"`
	Timeout time.Duration `yaml:"timeout"`
}

type GatewayConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	// EndSessionOnDisconnect 采集端断开即结束会话，取消进行中的调用。
	EndSessionOnDisconnect bool `yaml:"end_session_on_disconnect"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

type PathsConfig struct {
	Cards string `yaml:"cards"`
}

// Default 返回可直接本地运行的默认配置（mock LLM）。
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析 YAML，补默认值，应用环境变量覆盖并校验。
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults 补齐未配置的字段。
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		// 一轮最多两次外部调用，写超时要覆盖两者之和
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "mock"
	}
	if c.LLM.ClassifierTimeout == 0 {
		c.LLM.ClassifierTimeout = 7 * time.Second
	}
	if c.LLM.GenerationTimeout == 0 {
		c.LLM.GenerationTimeout = 8 * time.Second
	}
	if c.LLM.OpenAI.APIURL == "" {
		c.LLM.OpenAI.APIURL = "https://api.openai.com/v1"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.Anthropic.APIURL == "" {
		c.LLM.Anthropic.APIURL = "https://api.anthropic.com/v1"
	}
	if c.LLM.Anthropic.Model == "" {
		c.LLM.Anthropic.Model = "claude-3-5-haiku-latest"
	}
	if c.LLM.Gemini.Model == "" {
		c.LLM.Gemini.Model = "gemini-2.5-flash"
	}
	for _, p := range []*LLMProviderConfig{&c.LLM.OpenAI, &c.LLM.Anthropic, &c.LLM.Gemini} {
		if p.MaxTokens == 0 {
			p.MaxTokens = 300
		}
	}

	if c.Safety.SessionDuration == 0 {
		c.Safety.SessionDuration = 15 * time.Minute
	}

	if c.Speech.Region == "" {
		c.Speech.Region = "us-east-1"
	}
	if c.Speech.VoiceID == "" {
		c.Speech.VoiceID = "Ivy"
	}
	if c.Speech.Engine == "" {
		c.Speech.Engine = "neural"
	}
	if c.Speech.Timeout == 0 {
		c.Speech.Timeout = 10 * time.Second
	}

	if c.Gateway.PingInterval == 0 {
		c.Gateway.PingInterval = 30 * time.Second
	}
	if len(c.Gateway.AllowedOrigins) == 0 {
		c.Gateway.AllowedOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173"}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// applyEnvOverrides 从环境变量覆盖敏感信息
func (c *Config) applyEnvOverrides() {
	if provider := os.Getenv("SPEECHCOACH_LLM_PROVIDER"); provider != "" {
		c.LLM.Provider = provider
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.OpenAI.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.Anthropic.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.Gemini.APIKey = key
	}
	// LLM_API_KEY 只作用于当前 provider，优先级最高
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		switch c.LLM.Provider {
		case "openai":
			c.LLM.OpenAI.APIKey = key
		case "anthropic":
			c.LLM.Anthropic.APIKey = key
		case "gemini":
			c.LLM.Gemini.APIKey = key
		}
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		c.Speech.Region = region
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []error

	switch c.LLM.Provider {
	case "openai", "anthropic", "gemini":
		if c.LLM.Active().APIKey == "" {
			errs = append(errs, fmt.Errorf("%s API key is required (set LLM_API_KEY or the provider env var)", c.LLM.Provider))
		}
	case "mock":
	default:
		errs = append(errs, fmt.Errorf("unsupported LLM provider: %s", c.LLM.Provider))
	}

	if c.LLM.ClassifierTimeout < 0 || c.LLM.GenerationTimeout < 0 {
		errs = append(errs, errors.New("llm timeouts must not be negative"))
	}
	if c.Safety.SessionDuration < 0 {
		errs = append(errs, errors.New("session_duration must not be negative"))
	}
	if c.Safety.WatchPolicy && c.Safety.PolicyPath == "" {
		errs = append(errs, errors.New("watch_policy requires policy_path"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Server.Port))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unsupported logging format: %s", c.Logging.Format))
	}

	return errors.Join(errs...)
}
