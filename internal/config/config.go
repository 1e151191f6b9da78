// Package config provides layered configuration loading.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basecamp/studio-cli/internal/hostutil"
)

// Config holds the resolved configuration.
type Config struct {
	// Service settings
	BaseURL     string `json:"base_url" yaml:"base_url"`
	APIPrefix   string `json:"api_prefix" yaml:"api_prefix"`
	LoginPath   string `json:"login_path" yaml:"login_path"`
	RefreshPath string `json:"refresh_path" yaml:"refresh_path"`

	// Cache settings
	CacheEnabled  bool          `json:"cache_enabled" yaml:"cache_enabled"`
	CacheCapacity int           `json:"cache_capacity" yaml:"cache_capacity"`
	CacheTTL      time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	CacheRoutes   []string      `json:"cache_routes" yaml:"cache_routes"`

	// Timeouts
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	RefreshTimeout time.Duration `json:"refresh_timeout" yaml:"refresh_timeout"`
	StreamTimeout  time.Duration `json:"stream_timeout" yaml:"stream_timeout"`

	// Resilience enables the in-process circuit breaker and Retry-After gate.
	Resilience bool `json:"resilience" yaml:"resilience"`

	// Output settings
	Format string `json:"format" yaml:"format"`

	// Behavior preferences (overridable by flags)
	Stats   *bool `json:"stats,omitempty" yaml:"stats,omitempty"`
	Verbose *int  `json:"verbose,omitempty" yaml:"verbose,omitempty"`

	// Sources tracks where each value came from (for debugging).
	Sources map[string]string `json:"-" yaml:"-"`
}

// Source indicates where a config value came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceSystem  Source = "system"
	SourceGlobal  Source = "global"
	SourceLocal   Source = "local"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

// FlagOverrides holds command-line flag values.
type FlagOverrides struct {
	Host    string
	Format  string
	NoCache bool
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		BaseURL:        "https://studio.example.com",
		APIPrefix:      "/api/",
		LoginPath:      "/api/auth/login",
		RefreshPath:    "/api/auth/refresh",
		CacheEnabled:   true,
		CacheCapacity:  100,
		CacheTTL:       5 * time.Minute,
		CacheRoutes:    []string{"/api/models", "/api/presets", "/api/styles"},
		RequestTimeout: 30 * time.Second,
		RefreshTimeout: 30 * time.Second,
		StreamTimeout:  10 * time.Minute,
		Format:         "auto",
		Sources:        make(map[string]string),
	}
}

// Load loads configuration from all sources with proper precedence.
// Precedence: flags > env > local > global > system > defaults
func Load(overrides FlagOverrides) (*Config, error) {
	cfg := Default()

	for _, path := range configFiles(systemConfigDir()) {
		loadFromFile(cfg, path, SourceSystem)
	}
	for _, path := range configFiles(GlobalConfigDir()) {
		loadFromFile(cfg, path, SourceGlobal)
	}
	if dir := localConfigDir(); dir != "" {
		for _, path := range configFiles(dir) {
			loadFromFile(cfg, path, SourceLocal)
		}
	}

	LoadFromEnv(cfg)
	ApplyOverrides(cfg, overrides)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the network layer cannot operate with.
func (cfg *Config) Validate() error {
	if cfg.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return fmt.Errorf("base_url %q must start with http:// or https://", cfg.BaseURL)
	}
	if cfg.CacheCapacity < 1 {
		return fmt.Errorf("cache_capacity must be at least 1, got %d", cfg.CacheCapacity)
	}
	if cfg.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be positive")
	}
	return nil
}

// configFiles returns the config file candidates in dir, JSON before YAML
// so a YAML file overrides a JSON one in the same layer.
func configFiles(dir string) []string {
	return []string{
		filepath.Join(dir, "config.json"),
		filepath.Join(dir, "config.yaml"),
		filepath.Join(dir, "config.yml"),
	}
}

func decodeFile(path string, data []byte) (map[string]any, error) {
	var m map[string]any
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func loadFromFile(cfg *Config, path string, source Source) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: Path is from trusted config locations
	if err != nil {
		return // File doesn't exist, skip
	}

	fileCfg, err := decodeFile(path, data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: skipping malformed config at %s: %v\n", path, err)
		return
	}

	set := func(key string) { cfg.Sources[key] = string(source) }

	// base_url decides where the session token is sent. A config file in the
	// working directory must not be able to redirect authenticated traffic.
	if v, ok := fileCfg["base_url"].(string); ok && v != "" {
		if source == SourceLocal {
			fmt.Fprintf(os.Stderr, "warning: ignoring base_url %q from local config at %s (not trusted from local config)\n", v, path)
		} else {
			cfg.BaseURL = NormalizeBaseURL(v)
			set("base_url")
		}
	}
	for key, dst := range map[string]*string{
		"api_prefix":   &cfg.APIPrefix,
		"login_path":   &cfg.LoginPath,
		"refresh_path": &cfg.RefreshPath,
		"format":       &cfg.Format,
	} {
		if v, ok := fileCfg[key].(string); ok && v != "" {
			*dst = v
			set(key)
		}
	}
	if v, ok := fileCfg["cache_enabled"].(bool); ok {
		cfg.CacheEnabled = v
		set("cache_enabled")
	}
	if v, ok := fileCfg["resilience"].(bool); ok {
		cfg.Resilience = v
		set("resilience")
	}
	if v, ok := getInt(fileCfg, "cache_capacity"); ok && v > 0 {
		cfg.CacheCapacity = v
		set("cache_capacity")
	}
	for key, dst := range map[string]*time.Duration{
		"cache_ttl":       &cfg.CacheTTL,
		"request_timeout": &cfg.RequestTimeout,
		"refresh_timeout": &cfg.RefreshTimeout,
		"stream_timeout":  &cfg.StreamTimeout,
	} {
		if v, ok := getDuration(fileCfg, key); ok && v > 0 {
			*dst = v
			set(key)
		}
	}
	if v, ok := fileCfg["cache_routes"].([]any); ok {
		routes := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok && s != "" {
				routes = append(routes, s)
			}
		}
		cfg.CacheRoutes = routes
		set("cache_routes")
	}
	if v, ok := fileCfg["stats"].(bool); ok {
		cfg.Stats = &v
		set("stats")
	}
	if v, ok := getInt(fileCfg, "verbose"); ok && v >= 0 && v <= 2 {
		cfg.Verbose = &v
		set("verbose")
	}
}

// LoadFromEnv loads configuration from STUDIO_* environment variables.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("STUDIO_BASE_URL"); v != "" {
		cfg.BaseURL = NormalizeBaseURL(v)
		cfg.Sources["base_url"] = string(SourceEnv)
	}
	if v := os.Getenv("STUDIO_API_PREFIX"); v != "" {
		cfg.APIPrefix = v
		cfg.Sources["api_prefix"] = string(SourceEnv)
	}
	if v := os.Getenv("STUDIO_CACHE_ENABLED"); v != "" {
		if b, ok := parseEnvBool(v); ok {
			cfg.CacheEnabled = b
			cfg.Sources["cache_enabled"] = string(SourceEnv)
		}
	}
	if v := os.Getenv("STUDIO_CACHE_TTL"); v != "" {
		if d, err := parseDuration(v); err == nil && d > 0 {
			cfg.CacheTTL = d
			cfg.Sources["cache_ttl"] = string(SourceEnv)
		}
	}
	if v := os.Getenv("STUDIO_REQUEST_TIMEOUT"); v != "" {
		if d, err := parseDuration(v); err == nil && d > 0 {
			cfg.RequestTimeout = d
			cfg.Sources["request_timeout"] = string(SourceEnv)
		}
	}
	if v := os.Getenv("STUDIO_RESILIENCE"); v != "" {
		if b, ok := parseEnvBool(v); ok {
			cfg.Resilience = b
			cfg.Sources["resilience"] = string(SourceEnv)
		}
	}
	if v := os.Getenv("STUDIO_STATS"); v != "" {
		if b, ok := parseEnvBool(v); ok {
			cfg.Stats = &b
			cfg.Sources["stats"] = string(SourceEnv)
		}
	}
}

// parseEnvBool parses a boolean environment variable strictly.
// Returns (value, true) for recognized values, (false, false) for unrecognized.
func parseEnvBool(v string) (bool, bool) {
	switch strings.ToLower(v) {
	case "true", "1":
		return true, true
	case "false", "0":
		return false, true
	default:
		return false, false
	}
}

// parseDuration accepts Go duration strings ("30s") or bare milliseconds.
func parseDuration(s string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

// getInt extracts an integer. JSON yields float64, YAML yields int.
func getInt(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}

// getDuration extracts a duration given as a string or as milliseconds.
func getDuration(m map[string]any, key string) (time.Duration, bool) {
	if s, ok := m[key].(string); ok {
		d, err := parseDuration(s)
		return d, err == nil
	}
	if ms, ok := getInt(m, key); ok {
		return time.Duration(ms) * time.Millisecond, true
	}
	return 0, false
}

// ApplyOverrides applies non-empty flag overrides to cfg.
func ApplyOverrides(cfg *Config, o FlagOverrides) {
	if o.Host != "" {
		cfg.BaseURL = hostutil.Normalize(o.Host)
		cfg.Sources["base_url"] = string(SourceFlag)
	}
	if o.Format != "" {
		cfg.Format = o.Format
		cfg.Sources["format"] = string(SourceFlag)
	}
	if o.NoCache {
		cfg.CacheEnabled = false
		cfg.Sources["cache_enabled"] = string(SourceFlag)
	}
}

// Path helpers

func systemConfigDir() string {
	return "/etc/studio"
}

// GlobalConfigDir returns the global config directory path.
func GlobalConfigDir() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "studio")
}

// localConfigDir returns ./.studio in the working directory. Parent
// directories are not searched.
func localConfigDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return "" // fail closed: can't determine CWD
	}
	return filepath.Join(dir, ".studio")
}

// NormalizeBaseURL ensures consistent URL format (no trailing slash).
func NormalizeBaseURL(url string) string {
	return strings.TrimSuffix(strings.TrimSpace(url), "/")
}
