// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port         int     `mapstructure:"port"`
	IngressRPS   float64 `mapstructure:"ingress_rps"`
	IngressBurst int     `mapstructure:"ingress_burst"`
}

// LimitsConfig governs admission control thresholds.
type LimitsConfig struct {
	MaxConcurrent int     `mapstructure:"max_concurrent"`
	MemorySoft    float64 `mapstructure:"memory_soft"`
	MemoryHard    float64 `mapstructure:"memory_hard"`
	DiskSoftMB    int     `mapstructure:"disk_soft_mb"`
	DiskHardMB    int     `mapstructure:"disk_hard_mb"`
}

// RateLimitConfig holds one sliding-window budget per endpoint class.
type RateLimitConfig struct {
	DownloadLimit  int `mapstructure:"download_limit"`
	DownloadWindow int `mapstructure:"download_window_seconds"`
	StatusLimit    int `mapstructure:"status_limit"`
	StatusWindow   int `mapstructure:"status_window_seconds"`
	SweepSeconds   int `mapstructure:"sweep_seconds"`
}

// ProxyConfig controls the outbound proxy pool.
type ProxyConfig struct {
	SourceURLs          []string `mapstructure:"source_urls"`
	CheckURL            string   `mapstructure:"check_url"`
	ProbeTimeoutSeconds int      `mapstructure:"probe_timeout_seconds"`
	ProbeBudget         int      `mapstructure:"probe_budget"`
	RefreshMinutes      int      `mapstructure:"refresh_minutes"`
}

// ExtractConfig parameterizes the external extraction tool.
type ExtractConfig struct {
	ToolPath             string `mapstructure:"tool_path"`
	ToolTimeoutMinutes   int    `mapstructure:"tool_timeout_minutes"`
	ToolRetries          int    `mapstructure:"tool_retries"`
	SocketTimeoutSeconds int    `mapstructure:"socket_timeout_seconds"`
	ScratchDir           string `mapstructure:"scratch_dir"`
	CookieFile           string `mapstructure:"cookie_file"`
}

// JobsConfig controls async job retention and sweeping.
type JobsConfig struct {
	QueueDepth          int `mapstructure:"queue_depth"`
	RetentionMinutes    int `mapstructure:"retention_minutes"`
	ForcedRetentionMin  int `mapstructure:"forced_retention_minutes"`
	FetchedGraceSeconds int `mapstructure:"fetched_grace_seconds"`
	SweepSeconds        int `mapstructure:"sweep_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GRABTUNE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.ingress_rps", 50)
	v.SetDefault("server.ingress_burst", 100)
	v.SetDefault("limits.max_concurrent", 3)
	v.SetDefault("limits.memory_soft", 0.85)
	v.SetDefault("limits.memory_hard", 0.93)
	v.SetDefault("limits.disk_soft_mb", 300)
	v.SetDefault("limits.disk_hard_mb", 150)
	v.SetDefault("ratelimit.download_limit", 12)
	v.SetDefault("ratelimit.download_window_seconds", 300)
	v.SetDefault("ratelimit.status_limit", 60)
	v.SetDefault("ratelimit.status_window_seconds", 60)
	v.SetDefault("ratelimit.sweep_seconds", 60)
	v.SetDefault("proxy.source_urls", []string{})
	v.SetDefault("proxy.check_url", "http://api.ipify.org")
	v.SetDefault("proxy.probe_timeout_seconds", 8)
	v.SetDefault("proxy.probe_budget", 5)
	v.SetDefault("proxy.refresh_minutes", 30)
	v.SetDefault("extract.tool_path", "yt-dlp")
	v.SetDefault("extract.tool_timeout_minutes", 10)
	v.SetDefault("extract.tool_retries", 2)
	v.SetDefault("extract.socket_timeout_seconds", 20)
	v.SetDefault("extract.scratch_dir", "/tmp")
	v.SetDefault("jobs.queue_depth", 16)
	v.SetDefault("jobs.retention_minutes", 30)
	v.SetDefault("jobs.forced_retention_minutes", 2)
	v.SetDefault("jobs.fetched_grace_seconds", 45)
	v.SetDefault("jobs.sweep_seconds", 15)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Limits.MaxConcurrent <= 0 {
		return fmt.Errorf("limits.max_concurrent must be > 0")
	}
	if c.Limits.MemorySoft >= c.Limits.MemoryHard {
		return fmt.Errorf("limits.memory_soft must be below limits.memory_hard")
	}
	if c.Limits.DiskHardMB > c.Limits.DiskSoftMB {
		return fmt.Errorf("limits.disk_hard_mb must not exceed limits.disk_soft_mb")
	}
	if c.RateLimit.DownloadLimit <= 0 || c.RateLimit.DownloadWindow <= 0 {
		return fmt.Errorf("ratelimit.download_limit and window must be > 0")
	}
	if c.Jobs.QueueDepth <= 0 {
		return fmt.Errorf("jobs.queue_depth must be > 0")
	}
	return nil
}

// ProxyRefreshInterval converts the refresh knob into a duration.
func (c Config) ProxyRefreshInterval() time.Duration {
	return time.Duration(c.Proxy.RefreshMinutes) * time.Minute
}

// ToolTimeout converts the tool timeout knob into a duration.
func (c Config) ToolTimeout() time.Duration {
	return time.Duration(c.Extract.ToolTimeoutMinutes) * time.Minute
}
