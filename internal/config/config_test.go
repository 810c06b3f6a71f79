package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pgfunnel.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server_host: db.internal\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenPort != 6432 {
		t.Errorf("listen_port default: got %d", cfg.ListenPort)
	}
	if cfg.PoolMode != ModeSession {
		t.Errorf("pool_mode default: got %q", cfg.PoolMode)
	}
	if cfg.MaxClientConn != 100 {
		t.Errorf("max_client_conn default: got %d", cfg.MaxClientConn)
	}
	if cfg.ServerConnectTimeoutD() != 5*time.Second {
		t.Errorf("server_connect_timeout default: got %v", cfg.ServerConnectTimeoutD())
	}
	if cfg.ClientTLSMode != TLSDisable || cfg.ServerTLSMode != TLSDisable {
		t.Errorf("tls mode defaults: %q / %q", cfg.ClientTLSMode, cfg.ServerTLSMode)
	}
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
listen_host: 10.0.0.5
listen_port: 7000
server_host: db.internal
server_port: 5433
pool_mode: transaction
max_client_conn: 50
pool_size: 10
server_connect_timeout: 3000
client_login_timeout: 15000
server_idle_timeout: 60000
client_idle_timeout: 120000
server_tls_mode: prefer
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PoolMode != ModeTransaction {
		t.Errorf("pool_mode: got %q", cfg.PoolMode)
	}
	if cfg.ServerIdleTimeoutD() != time.Minute {
		t.Errorf("server_idle_timeout: got %v", cfg.ServerIdleTimeoutD())
	}
	if cfg.ClientIdleTimeoutD() != 2*time.Minute {
		t.Errorf("client_idle_timeout: got %v", cfg.ClientIdleTimeoutD())
	}
}

func TestEnvVarSubstitution(t *testing.T) {
	t.Setenv("PGFUNNEL_TEST_HOST", "db.from-env")
	cfg, err := Load(writeConfig(t, "server_host: ${PGFUNNEL_TEST_HOST}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerHost != "db.from-env" {
		t.Errorf("env substitution failed: %q", cfg.ServerHost)
	}
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad pool mode", "pool_mode: round-robin\n", "pool_mode"},
		{"bad listen port", "listen_port: 70000\n", "listen_port"},
		{"low connect timeout", "server_connect_timeout: 500\n", "server_connect_timeout"},
		{"low login timeout", "client_login_timeout: 100\n", "client_login_timeout"},
		{"bad tls mode", "server_tls_mode: maybe\n", "server_tls_mode"},
		{"verify-ca without ca", "server_tls_mode: verify-ca\n", "server_tls_ca_file"},
		{"client tls without cert", "client_tls_mode: require\n", "client_tls_key_file"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, c.yaml))
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Errorf("expected error mentioning %q, got %v", c.want, err)
			}
		})
	}
}

func TestZeroDisablesOptionalTimeouts(t *testing.T) {
	cfg, err := Load(writeConfig(t, "client_login_timeout: 0\nserver_idle_timeout: 0\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClientLoginTimeoutD() != 0 || cfg.ServerIdleTimeoutD() != 0 {
		t.Error("zero timeouts must stay zero")
	}
}

func TestRedacted(t *testing.T) {
	cfg := &Config{ServerPassword: "hunter2"}
	if cfg.Redacted().ServerPassword == "hunter2" {
		t.Error("password not redacted")
	}
	if cfg.ServerPassword != "hunter2" {
		t.Error("Redacted mutated the original")
	}
}

func TestStoreReplace(t *testing.T) {
	cfg, err := Load(writeConfig(t, "pool_mode: statement\nclient_idle_timeout: 5000\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	store := NewStore(cfg)
	if s := store.Load(); s.PoolMode != ModeStatement || s.ClientIdleTimeout != 5*time.Second {
		t.Errorf("snapshot: %+v", s)
	}

	cfg.PoolMode = ModeTransaction
	store.Replace(cfg)
	if s := store.Load(); s.PoolMode != ModeTransaction {
		t.Errorf("replace not visible: %+v", s)
	}
}

func TestWatcherReload(t *testing.T) {
	path := writeConfig(t, "pool_mode: session\n")

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(c *Config) { reloaded <- c })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("pool_mode: statement\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.PoolMode != ModeStatement {
			t.Errorf("reloaded pool_mode: %q", cfg.PoolMode)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback never fired")
	}
}
