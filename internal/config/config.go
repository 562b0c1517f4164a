// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/m3u8-edge-proxy/config.toml",
	"configs/config.toml",
}

// Route policies.
const (
	PolicyRewrite  = "rewrite"
	PolicyFallback = "fallback"
	PolicyTarget   = "target"
)

// reservedPaths are served by the proxy itself and cannot be used as route prefixes.
var reservedPaths = []string{"/healthz", "/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Upstream string `kong:"short='u',help='Fixed upstream origin for rewrite and fallback routes (overrides config).',env='UPSTREAM_BASE_URL'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Routes   []RouteConfig  `toml:"routes"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	// BaseURL is the fixed origin used by rewrite and fallback routes
	// that do not name their own upstream.
	BaseURL         string `toml:"base_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"` // 0 disables the client timeout
	IdleConnections int    `toml:"idle_connections"`
	MaxRedirects    int    `toml:"max_redirects"`
}

// ProxyConfig holds forwarding defaults.
type ProxyConfig struct {
	UserAgent      string `toml:"user_agent"`
	AcceptLanguage string `toml:"accept_language"`
	DisableDebug   bool   `toml:"disable_debug"`
}

// RouteConfig binds a path prefix to a target-selection policy.
type RouteConfig struct {
	Prefix   string `toml:"prefix"`
	Policy   string `toml:"policy"`
	Upstream string `toml:"upstream"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/m3u8-edge-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Upstream != "" {
		c.Upstream.BaseURL = cli.Upstream
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Upstream.BaseURL != "" {
		if err := validateOrigin(c.Upstream.BaseURL); err != nil {
			return fmt.Errorf("upstream.base_url: %w", err)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0-65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxRedirects < 0 {
		return fmt.Errorf("upstream.max_redirects must be non-negative; got %d", c.Upstream.MaxRedirects)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if err := c.validateRoutes(); err != nil {
		return err
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range append(c.RoutePrefixes(), reservedPaths...) {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (c *Config) validateRoutes() error {
	if len(c.Routes) == 0 {
		return fmt.Errorf("no routes configured")
	}

	seen := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		if r.Prefix == "" || r.Prefix[0] != '/' || r.Prefix == "/" {
			return fmt.Errorf("routes[%d].prefix must start with '/' and name a path; got %q", i, r.Prefix)
		}
		if strings.HasSuffix(r.Prefix, "/") {
			return fmt.Errorf("routes[%d].prefix must not end with '/'; got %q", i, r.Prefix)
		}
		if seen[r.Prefix] {
			return fmt.Errorf("routes[%d].prefix %q is duplicated", i, r.Prefix)
		}
		seen[r.Prefix] = true
		for _, reserved := range reservedPaths {
			if r.Prefix == reserved || strings.HasPrefix(r.Prefix, reserved+"/") {
				return fmt.Errorf("routes[%d].prefix %q conflicts with reserved route %q", i, r.Prefix, reserved)
			}
		}

		switch r.Policy {
		case PolicyRewrite, PolicyFallback:
			if r.Upstream == "" && c.Upstream.BaseURL == "" {
				return fmt.Errorf("routes[%d] (%s) needs an upstream: set routes.upstream or upstream.base_url", i, r.Policy)
			}
			if r.Upstream != "" {
				if err := validateOrigin(r.Upstream); err != nil {
					return fmt.Errorf("routes[%d].upstream: %w", i, err)
				}
			}
		case PolicyTarget:
			if r.Upstream != "" {
				return fmt.Errorf("routes[%d] (target) takes its upstream from the url parameter; remove routes.upstream", i)
			}
		default:
			return fmt.Errorf("routes[%d].policy must be one of: rewrite, fallback, target; got %q", i, r.Policy)
		}
	}
	return nil
}

// validateOrigin checks that raw is an absolute http(s) URL with a host and
// nothing after the path, since request paths are appended to it.
func validateOrigin(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https; got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("must include a host; got %q", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return fmt.Errorf("must not carry a query or fragment; got %q", raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB; proxy routes are GET/HEAD only
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxRedirects == 0 {
		c.Upstream.MaxRedirects = 10
	}
	if c.Proxy.UserAgent == "" {
		c.Proxy.UserAgent = "Mozilla/5.0"
	}
	if c.Proxy.AcceptLanguage == "" {
		c.Proxy.AcceptLanguage = "en-US,en;q=0.8"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if len(c.Routes) == 0 {
		c.Routes = defaultRoutes(c.Upstream.BaseURL != "")
	}
}

// defaultRoutes mirrors the edge functions the proxy replaces: /proxy and
// /m3u8proxy against the fixed upstream, /fetch for client-supplied targets.
func defaultRoutes(haveUpstream bool) []RouteConfig {
	var routes []RouteConfig
	if haveUpstream {
		routes = append(routes,
			RouteConfig{Prefix: "/proxy", Policy: PolicyRewrite},
			RouteConfig{Prefix: "/m3u8proxy", Policy: PolicyFallback},
		)
	}
	return append(routes, RouteConfig{Prefix: "/fetch", Policy: PolicyTarget})
}

// RoutePrefixes returns the configured route prefixes in declaration order.
func (c *Config) RoutePrefixes() []string {
	prefixes := make([]string, 0, len(c.Routes))
	for _, r := range c.Routes {
		prefixes = append(prefixes, r.Prefix)
	}
	return prefixes
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
