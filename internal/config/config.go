// Package config loads layered settings: built-in defaults, then an optional
// YAML file, then EPHEMGO_* environment variables, then command-line flags
// bound by the caller.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/star/ephemgo/internal/auth"
	"github.com/star/ephemgo/internal/cache"
	"github.com/star/ephemgo/internal/ephem"
	"github.com/star/ephemgo/internal/transform"
)

// EnvPrefix prefixes every environment override, e.g. EPHEMGO_HTTP_TIMEOUT.
const EnvPrefix = "EPHEMGO"

// Config is the full application configuration.
type Config struct {
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	HTTP     HTTPConfig     `yaml:"http" mapstructure:"http"`
	Provider string         `yaml:"provider" mapstructure:"provider"`
	Miriade  MiriadeConfig  `yaml:"miriade" mapstructure:"miriade"`
	Horizons ServiceConfig  `yaml:"horizons" mapstructure:"horizons"`
	Resolver ResolverConfig `yaml:"resolver" mapstructure:"resolver"`
	Cache    CacheConfig    `yaml:"cache" mapstructure:"cache"`
	Observer ObserverConfig `yaml:"observer" mapstructure:"observer"`
	Query    QueryConfig    `yaml:"query" mapstructure:"query"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Auth     AuthConfig     `yaml:"auth" mapstructure:"auth"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// HTTPConfig holds outbound HTTP settings shared by every remote service.
type HTTPConfig struct {
	Timeout      string `yaml:"timeout" mapstructure:"timeout"`
	MaxBodyBytes int64  `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`

	timeout time.Duration
}

// TimeoutDuration returns the parsed request timeout. Valid after Validate.
func (h HTTPConfig) TimeoutDuration() time.Duration {
	return h.timeout
}

// ServiceConfig names a remote endpoint.
type ServiceConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// MiriadeConfig configures the Miriade provider.
type MiriadeConfig struct {
	URL    string `yaml:"url" mapstructure:"url"`
	Theory string `yaml:"theory" mapstructure:"theory"`
}

// ResolverConfig configures the name resolver.
type ResolverConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	URL     string `yaml:"url" mapstructure:"url"`
}

// CacheConfig configures the local table cache.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Backend string `yaml:"backend" mapstructure:"backend"`
	Dir     string `yaml:"dir" mapstructure:"dir"`
}

// ObserverConfig is the optional ground location for horizontal coordinates.
type ObserverConfig struct {
	Enabled   bool    `yaml:"enabled" mapstructure:"enabled"`
	Latitude  float64 `yaml:"latitude" mapstructure:"latitude"`
	Longitude float64 `yaml:"longitude" mapstructure:"longitude"`
	Altitude  float64 `yaml:"altitude" mapstructure:"altitude"`
}

// Location returns the observer location, or nil when disabled.
func (o ObserverConfig) Location() *transform.Observer {
	if !o.Enabled {
		return nil
	}
	return &transform.Observer{LatDeg: o.Latitude, LonDeg: o.Longitude, AltM: o.Altitude}
}

// QueryConfig holds defaults for query options not given on the command line.
type QueryConfig struct {
	Steps    int    `yaml:"steps" mapstructure:"steps"`
	Step     string `yaml:"step" mapstructure:"step"`
	Observer string `yaml:"observer" mapstructure:"observer"`
	Frame    string `yaml:"frame" mapstructure:"frame"`
}

// Apply fills unset fields of q from the configured defaults.
func (qc QueryConfig) Apply(q ephem.Query) ephem.Query {
	if q.Steps == 0 {
		q.Steps = qc.Steps
	}
	if q.Step == "" {
		q.Step = qc.Step
	}
	if q.Observer == "" {
		q.Observer = qc.Observer
	}
	if q.Frame == "" {
		q.Frame = ephem.Frame(qc.Frame)
	}
	return q
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr             string `yaml:"addr" mapstructure:"addr"`
	TrustProxy       bool   `yaml:"trust_proxy" mapstructure:"trust_proxy"`
	MaxInflightPerIP int    `yaml:"max_inflight_per_ip" mapstructure:"max_inflight_per_ip"`
}

// AuthConfig configures bearer-token auth for the HTTP API.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Token   string `yaml:"token" mapstructure:"token"`
}

// Auth converts to the middleware configuration.
func (a AuthConfig) Auth() auth.Config {
	return auth.Config{Enabled: a.Enabled, Token: a.Token}
}

// Dir returns the default configuration directory, $HOME/.ephemgo.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ephemgo"
	}
	return filepath.Join(home, ".ephemgo")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log:      LogConfig{Level: "info", Format: "text"},
		HTTP:     HTTPConfig{Timeout: "60s", MaxBodyBytes: 50 << 20},
		Provider: "miriade",
		Miriade: MiriadeConfig{
			URL:    "https://ssp.imcce.fr/webservices/miriade/api/ephemcc.php",
			Theory: "INPOP",
		},
		Horizons: ServiceConfig{URL: "https://ssd.jpl.nasa.gov/api/horizons.api"},
		Resolver: ResolverConfig{Enabled: true, URL: "https://api.ssodnet.imcce.fr/quaero/1/sso/search"},
		Cache:    CacheConfig{Enabled: true, Backend: cache.BackendCSV, Dir: filepath.Join(Dir(), "cache")},
		Query: QueryConfig{
			Steps:    ephem.DefaultSteps,
			Step:     ephem.DefaultStep,
			Observer: ephem.DefaultObserver,
			Frame:    string(ephem.FrameEquatorial),
		},
		Server: ServerConfig{Addr: ":8080", MaxInflightPerIP: 4},
	}
}

// setDefaults registers every default key so environment variables can
// override keys that are absent from the file.
func setDefaults(v *viper.Viper) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return err
	}
	setNested(v, "", m)
	return nil
}

func setNested(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setNested(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// Load reads configuration into v. An explicit file must exist; otherwise
// config.yaml is looked up in Dir() and the working directory and may be
// absent.
func Load(v *viper.Viper, file string) (*Config, error) {
	if err := setDefaults(v); err != nil {
		return nil, fmt.Errorf("registering defaults: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(Dir())
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks values and resolves parsed fields.
func (c *Config) Validate() error {
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}

	d, err := time.ParseDuration(c.HTTP.Timeout)
	if err != nil || d <= 0 {
		return fmt.Errorf("http.timeout must be a positive duration, got %q", c.HTTP.Timeout)
	}
	c.HTTP.timeout = d
	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("http.max_body_bytes must be positive, got %d", c.HTTP.MaxBodyBytes)
	}

	c.Provider = strings.ToLower(c.Provider)
	switch c.Provider {
	case "miriade", "horizons":
	default:
		return fmt.Errorf("provider must be miriade or horizons, got %q", c.Provider)
	}

	switch strings.ToLower(c.Cache.Backend) {
	case cache.BackendCSV, cache.BackendSQLite:
	default:
		return fmt.Errorf("cache.backend must be %s or %s, got %q", cache.BackendCSV, cache.BackendSQLite, c.Cache.Backend)
	}
	if c.Cache.Enabled && c.Cache.Dir == "" {
		return errors.New("cache.dir is required when the cache is enabled")
	}

	if c.Server.MaxInflightPerIP < 1 {
		return fmt.Errorf("server.max_inflight_per_ip must be at least 1, got %d", c.Server.MaxInflightPerIP)
	}

	if loc := c.Observer.Location(); loc != nil {
		if err := loc.Validate(); err != nil {
			return err
		}
	}

	probe := c.Query.Apply(ephem.Query{Target: "probe"})
	if _, err := probe.Normalize(time.Now()); err != nil {
		return fmt.Errorf("query defaults: %w", err)
	}

	return c.Auth.Auth().Validate()
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("log.level must be debug, info, warn or error, got %q", s)
	}
	return l, nil
}

// NewLogger builds the application logger.
func NewLogger(c LogConfig, w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Write saves c as YAML at path, creating parent directories. An existing
// file is only replaced when overwrite is set.
func Write(c *Config, path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
