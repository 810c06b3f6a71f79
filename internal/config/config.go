// Package config loads and validates the pgfunnel configuration and
// provides hot reload of the file-backed settings.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Pool modes.
const (
	ModeSession     = "session"
	ModeTransaction = "transaction"
	ModeStatement   = "statement"
)

// TLS modes, in increasing strictness.
const (
	TLSDisable    = "disable"
	TLSAllow      = "allow"
	TLSPrefer     = "prefer"
	TLSRequire    = "require"
	TLSVerifyCA   = "verify-ca"
	TLSVerifyFull = "verify-full"
)

// Config is the pgfunnel configuration. Timeout values are in milliseconds;
// zero disables where the field allows it.
type Config struct {
	ListenHost string `yaml:"listen_host"`
	ListenPort int    `yaml:"listen_port"`
	ServerHost string `yaml:"server_host"`
	ServerPort int    `yaml:"server_port"`

	PoolMode      string `yaml:"pool_mode"`
	MaxClientConn int    `yaml:"max_client_conn"`
	PoolSize      int    `yaml:"pool_size"`

	ServerConnectTimeout int `yaml:"server_connect_timeout"`
	ClientLoginTimeout   int `yaml:"client_login_timeout"`
	ServerIdleTimeout    int `yaml:"server_idle_timeout"`
	ClientIdleTimeout    int `yaml:"client_idle_timeout"`

	ClientTLSMode     string `yaml:"client_tls_mode"`
	ClientTLSKeyFile  string `yaml:"client_tls_key_file"`
	ClientTLSCertFile string `yaml:"client_tls_cert_file"`
	ClientTLSCAFile   string `yaml:"client_tls_ca_file"`

	ServerTLSMode     string `yaml:"server_tls_mode"`
	ServerTLSKeyFile  string `yaml:"server_tls_key_file"`
	ServerTLSCertFile string `yaml:"server_tls_cert_file"`
	ServerTLSCAFile   string `yaml:"server_tls_ca_file"`

	ServerPassword string `yaml:"server_password"`

	APIBind string `yaml:"api_bind"`
	APIPort int    `yaml:"api_port"`

	HealthCheckInterval int `yaml:"health_check_interval_ms"`
}

// Duration accessors.

func (c *Config) ServerConnectTimeoutD() time.Duration {
	return time.Duration(c.ServerConnectTimeout) * time.Millisecond
}

func (c *Config) ClientLoginTimeoutD() time.Duration {
	return time.Duration(c.ClientLoginTimeout) * time.Millisecond
}

func (c *Config) ServerIdleTimeoutD() time.Duration {
	return time.Duration(c.ServerIdleTimeout) * time.Millisecond
}

func (c *Config) ClientIdleTimeoutD() time.Duration {
	return time.Duration(c.ClientIdleTimeout) * time.Millisecond
}

func (c *Config) HealthCheckIntervalD() time.Duration {
	return time.Duration(c.HealthCheckInterval) * time.Millisecond
}

// Redacted returns a copy with the backend password masked.
func (c *Config) Redacted() Config {
	out := *c
	if out.ServerPassword != "" {
		out.ServerPassword = "***REDACTED***"
	}
	return out
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenHost == "" {
		cfg.ListenHost = "0.0.0.0"
	}
	if cfg.ListenPort == 0 {
		cfg.ListenPort = 6432
	}
	if cfg.ServerHost == "" {
		cfg.ServerHost = "localhost"
	}
	if cfg.ServerPort == 0 {
		cfg.ServerPort = 5432
	}
	if cfg.PoolMode == "" {
		cfg.PoolMode = ModeSession
	}
	if cfg.MaxClientConn == 0 {
		cfg.MaxClientConn = 100
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 20
	}
	if cfg.ServerConnectTimeout == 0 {
		cfg.ServerConnectTimeout = 5000
	}
	if cfg.ClientTLSMode == "" {
		cfg.ClientTLSMode = TLSDisable
	}
	if cfg.ServerTLSMode == "" {
		cfg.ServerTLSMode = TLSDisable
	}
	if cfg.APIBind == "" {
		cfg.APIBind = "127.0.0.1"
	}
	if cfg.APIPort == 0 {
		cfg.APIPort = 8080
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 15000
	}
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

func validTLSMode(m string) bool {
	switch m {
	case TLSDisable, TLSAllow, TLSPrefer, TLSRequire, TLSVerifyCA, TLSVerifyFull:
		return true
	}
	return false
}

func validate(cfg *Config) error {
	if !validPort(cfg.ListenPort) {
		return fmt.Errorf("listen_port %d out of range", cfg.ListenPort)
	}
	if !validPort(cfg.ServerPort) {
		return fmt.Errorf("server_port %d out of range", cfg.ServerPort)
	}
	switch cfg.PoolMode {
	case ModeSession, ModeTransaction, ModeStatement:
	default:
		return fmt.Errorf("pool_mode %q must be session, transaction or statement", cfg.PoolMode)
	}
	if cfg.MaxClientConn < 1 {
		return fmt.Errorf("max_client_conn must be >= 1, got %d", cfg.MaxClientConn)
	}
	if cfg.PoolSize < 1 {
		return fmt.Errorf("pool_size must be >= 1, got %d", cfg.PoolSize)
	}
	if cfg.ServerConnectTimeout < 1000 {
		return fmt.Errorf("server_connect_timeout must be >= 1000 ms, got %d", cfg.ServerConnectTimeout)
	}
	if cfg.ClientLoginTimeout != 0 && cfg.ClientLoginTimeout < 1000 {
		return fmt.Errorf("client_login_timeout must be 0 or >= 1000 ms, got %d", cfg.ClientLoginTimeout)
	}
	if cfg.ServerIdleTimeout < 0 {
		return fmt.Errorf("server_idle_timeout must be >= 0, got %d", cfg.ServerIdleTimeout)
	}
	if cfg.ClientIdleTimeout < 0 {
		return fmt.Errorf("client_idle_timeout must be >= 0, got %d", cfg.ClientIdleTimeout)
	}
	if !validTLSMode(cfg.ClientTLSMode) {
		return fmt.Errorf("client_tls_mode %q invalid", cfg.ClientTLSMode)
	}
	if !validTLSMode(cfg.ServerTLSMode) {
		return fmt.Errorf("server_tls_mode %q invalid", cfg.ServerTLSMode)
	}
	if cfg.ClientTLSMode != TLSDisable {
		if cfg.ClientTLSKeyFile == "" || cfg.ClientTLSCertFile == "" {
			return fmt.Errorf("client_tls_mode %q requires client_tls_key_file and client_tls_cert_file", cfg.ClientTLSMode)
		}
	}
	if (cfg.ClientTLSMode == TLSVerifyCA || cfg.ClientTLSMode == TLSVerifyFull) && cfg.ClientTLSCAFile == "" {
		return fmt.Errorf("client_tls_mode %q requires client_tls_ca_file", cfg.ClientTLSMode)
	}
	if (cfg.ServerTLSMode == TLSVerifyCA || cfg.ServerTLSMode == TLSVerifyFull) && cfg.ServerTLSCAFile == "" {
		return fmt.Errorf("server_tls_mode %q requires server_tls_ca_file", cfg.ServerTLSMode)
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "err", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Warn("config hot-reload failed", "err", err)
		return
	}

	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
