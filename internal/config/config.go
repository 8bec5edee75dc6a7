package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/hitushen/portpeek/internal/models"
	"github.com/hitushen/portpeek/internal/watchlist"
)

// EnvPrefix 是全部环境变量的统一前缀。
const EnvPrefix = "PORTPEEK"

// 可选的连接探测后端。
const (
	ProbeDial  = "dial"
	ProbeNaabu = "naabu"
)

// Config 汇总服务运行时所需的全部配置。
type Config struct {
	Addr          string `envconfig:"HTTP_ADDR" default:"127.0.0.1:7878"`
	AdminUser     string `envconfig:"ADMIN_USER" default:"admin"`
	AdminPassword string `envconfig:"ADMIN_PASS" default:"admin123"`
	SessionKey    string `envconfig:"SESSION_KEY" default:"0123456789abcdef0123456789abcdef"`
	CSRFKey       string `envconfig:"CSRF_KEY" default:"abcdef0123456789abcdef0123456789"`
	CookieSecure  bool   `envconfig:"COOKIE_SECURE" default:"false"`
	DBPath        string `envconfig:"DB_PATH" default:"data/portpeek.db"`

	// WatchedPorts 仅作为首次启动时的初始关注列表，之后以存储中的偏好为准。
	WatchedPorts    string        `envconfig:"WATCHED_PORTS" default:"3000,3001,5173,8080,8000,5000,4000,5432,6379,27017,9200,15672"`
	RefreshInterval time.Duration `envconfig:"REFRESH_INTERVAL" default:"5s"`
	ShowInactive    bool          `envconfig:"SHOW_INACTIVE" default:"false"`

	InvocationTimeout time.Duration `envconfig:"INVOCATION_TIMEOUT" default:"5s"`
	ProbeTimeout      time.Duration `envconfig:"PROBE_TIMEOUT" default:"300ms"`
	ProbeBackend      string        `envconfig:"PROBE_BACKEND" default:"dial"`
	CurrentUserOnly   bool          `envconfig:"CURRENT_USER_ONLY" default:"true"`
	FailFast          bool          `envconfig:"FAIL_FAST" default:"false"`
	HistoryLimit      int           `envconfig:"HISTORY_LIMIT" default:"200"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	// Watched 是 WatchedPorts 解析后的结果。
	Watched []int `ignored:"true"`
}

// Load 从环境变量构建配置，并提供合理的默认值。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置的一致性并填充派生字段。
func (c *Config) Validate() error {
	if len(c.SessionKey) < 32 {
		return fmt.Errorf("session key must be at least 32 bytes, got %d", len(c.SessionKey))
	}
	if len(c.CSRFKey) < 32 {
		return fmt.Errorf("csrf key must be at least 32 bytes, got %d", len(c.CSRFKey))
	}
	if c.AdminUser == "" || c.AdminPassword == "" {
		return fmt.Errorf("admin credentials must not be empty")
	}
	if c.RefreshInterval < time.Second {
		return fmt.Errorf("refresh interval must be at least 1s, got %s", c.RefreshInterval)
	}
	if c.InvocationTimeout < 0 || c.ProbeTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history limit must be positive")
	}

	c.ProbeBackend = strings.ToLower(strings.TrimSpace(c.ProbeBackend))
	switch c.ProbeBackend {
	case ProbeDial, ProbeNaabu:
	default:
		return fmt.Errorf("unsupported probe backend %q", c.ProbeBackend)
	}

	ports, err := watchlist.Parse(c.WatchedPorts)
	if err != nil {
		return fmt.Errorf("watched ports: %w", err)
	}
	c.Watched = ports
	return nil
}

// InitialPreferences 返回存储中尚无偏好时使用的初始设置。
func (c *Config) InitialPreferences() models.Preferences {
	prefs := models.DefaultPreferences()
	if len(c.Watched) > 0 {
		prefs.WatchedPorts = append([]int(nil), c.Watched...)
	}
	prefs.RefreshInterval = c.RefreshInterval
	prefs.ShowInactive = c.ShowInactive
	return prefs
}
