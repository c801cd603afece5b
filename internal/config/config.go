package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	DirName   = ".tether"
	EnvPrefix = "TETHER"

	KeyAPIHosts               = "api.hosts"
	KeyRealtimeHost           = "realtime.host"
	KeyStoreBackend           = "store.backend"
	KeyStorePath              = "store.path"
	KeyLogLevel               = "log.level"
	KeyLogFormat              = "log.format"
	KeyEndpointErrorThreshold = "endpoints.error_threshold"
	KeyEndpointCooldown       = "endpoints.cooldown"
	KeyRealtimeMaxRetries     = "realtime.max_retries"
	KeyRealtimeStableAfter    = "realtime.stable_after"
	KeySessionRefreshSkew     = "session.refresh_skew"
	KeySessionProactiveLead   = "session.proactive_lead"
	KeyHTTPTimeout            = "http.timeout"
)

const (
	BackendTOML   = "toml"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendPass   = "pass"
	BackendChain  = "chain"
	BackendMemory = "memory"
)

var backends = []string{BackendTOML, BackendFile, BackendSQLite, BackendPass, BackendChain, BackendMemory}

type Config struct {
	APIHosts     []string
	RealtimeHost string
	Store        StoreConfig
	Log          LogConfig
	Endpoints    EndpointsConfig
	Realtime     RealtimeConfig
	Session      SessionConfig
	HTTPTimeout  time.Duration
}

type StoreConfig struct {
	Backend string
	// Path is the backend's file or directory. Empty means the backend's
	// default under ~/.tether.
	Path string
}

type LogConfig struct {
	Level  string
	Format string
}

type EndpointsConfig struct {
	ErrorThreshold int
	Cooldown       time.Duration
}

type RealtimeConfig struct {
	MaxRetries  int
	StableAfter time.Duration
}

type SessionConfig struct {
	RefreshSkew   time.Duration
	ProactiveLead time.Duration
}

// New returns a viper instance with tether's defaults, config file search
// path and environment bindings. Callers may Set overrides before Load.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault(KeyAPIHosts, []string{"http://localhost:8000"})
	v.SetDefault(KeyRealtimeHost, "ws://localhost:8000")
	v.SetDefault(KeyStoreBackend, BackendTOML)
	v.SetDefault(KeyStorePath, "")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "console")
	v.SetDefault(KeyEndpointErrorThreshold, 3)
	v.SetDefault(KeyEndpointCooldown, 60*time.Second)
	v.SetDefault(KeyRealtimeMaxRetries, 10)
	v.SetDefault(KeyRealtimeStableAfter, 30*time.Second)
	v.SetDefault(KeySessionRefreshSkew, 60*time.Second)
	v.SetDefault(KeySessionProactiveLead, 5*time.Minute)
	v.SetDefault(KeyHTTPTimeout, 30*time.Second)

	v.SetConfigName("config")
	v.SetConfigType("toml")
	if homeDir, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(homeDir, DirName))
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv(KeyAPIHosts, "TETHER_API_HOSTS", "NEXT_PUBLIC_API_HOST")
	_ = v.BindEnv(KeyRealtimeHost, "TETHER_WS_HOST", "NEXT_PUBLIC_WS_HOST")

	return v
}

// Load reads the config file, if there is one, and resolves every key.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = New()
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Config{
		APIHosts:     splitHosts(v.GetStringSlice(KeyAPIHosts)),
		RealtimeHost: strings.TrimSpace(v.GetString(KeyRealtimeHost)),
		Store: StoreConfig{
			Backend: strings.ToLower(strings.TrimSpace(v.GetString(KeyStoreBackend))),
			Path:    strings.TrimSpace(v.GetString(KeyStorePath)),
		},
		Log: LogConfig{
			Level:  v.GetString(KeyLogLevel),
			Format: v.GetString(KeyLogFormat),
		},
		Endpoints: EndpointsConfig{
			ErrorThreshold: v.GetInt(KeyEndpointErrorThreshold),
			Cooldown:       v.GetDuration(KeyEndpointCooldown),
		},
		Realtime: RealtimeConfig{
			MaxRetries:  v.GetInt(KeyRealtimeMaxRetries),
			StableAfter: v.GetDuration(KeyRealtimeStableAfter),
		},
		Session: SessionConfig{
			RefreshSkew:   v.GetDuration(KeySessionRefreshSkew),
			ProactiveLead: v.GetDuration(KeySessionProactiveLead),
		},
		HTTPTimeout: v.GetDuration(KeyHTTPTimeout),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if len(c.APIHosts) == 0 {
		return fmt.Errorf("%s: at least one host is required", KeyAPIHosts)
	}
	for _, host := range c.APIHosts {
		if err := validateURL(host, "http", "https"); err != nil {
			return fmt.Errorf("%s: %w", KeyAPIHosts, err)
		}
	}
	if err := validateURL(c.RealtimeHost, "ws", "wss"); err != nil {
		return fmt.Errorf("%s: %w", KeyRealtimeHost, err)
	}
	if !slices.Contains(backends, c.Store.Backend) {
		return fmt.Errorf("%s: unknown backend %q (want one of %s)", KeyStoreBackend, c.Store.Backend, strings.Join(backends, ", "))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return fmt.Errorf("%s: invalid level %q", KeyLogLevel, c.Log.Level)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("%s: want console or json, got %q", KeyLogFormat, c.Log.Format)
	}

	positive := []struct {
		key   string
		value time.Duration
	}{
		{KeyEndpointCooldown, c.Endpoints.Cooldown},
		{KeyRealtimeStableAfter, c.Realtime.StableAfter},
		{KeySessionRefreshSkew, c.Session.RefreshSkew},
		{KeySessionProactiveLead, c.Session.ProactiveLead},
		{KeyHTTPTimeout, c.HTTPTimeout},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s: must be positive", p.key)
		}
	}
	if c.Endpoints.ErrorThreshold <= 0 {
		return fmt.Errorf("%s: must be positive", KeyEndpointErrorThreshold)
	}
	if c.Realtime.MaxRetries <= 0 {
		return fmt.Errorf("%s: must be positive", KeyRealtimeMaxRetries)
	}

	return nil
}

// splitHosts accepts both list values and comma separated strings, the form
// hosts take in environment variables.
func splitHosts(values []string) []string {
	var hosts []string
	for _, value := range values {
		for _, host := range strings.Split(value, ",") {
			host = strings.TrimRight(strings.TrimSpace(host), "/")
			if host != "" && !slices.Contains(hosts, host) {
				hosts = append(hosts, host)
			}
		}
	}

	return hosts
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse %q: %w", raw, err)
	}
	if !slices.Contains(schemes, parsed.Scheme) {
		return fmt.Errorf("%q must use %s", raw, strings.Join(schemes, " or "))
	}
	if parsed.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}

	return nil
}
