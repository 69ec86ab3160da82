// Package config loads BetCode's daemon/relay/CLI configuration from the
// environment, following the caarlos0/env struct-tag convention (with an
// optional local .env file loaded first via joho/godotenv).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DaemonConfig configures a betcode-daemon process.
type DaemonConfig struct {
	Addr          string `env:"BETCODE_ADDR" envDefault:"127.0.0.1:7420"`
	DBPath        string `env:"BETCODE_DB_PATH" envDefault:"~/.betcode/daemon.db"`
	MaxProcesses  int    `env:"BETCODE_MAX_PROCESSES" envDefault:"0"` // 0 = NumCPU()*4
	MaxSessions   int    `env:"BETCODE_MAX_SESSIONS" envDefault:"32"`
	RelayURL      string `env:"BETCODE_RELAY_URL"`
	MachineID     string `env:"BETCODE_MACHINE_ID"`
	MachineName   string `env:"BETCODE_MACHINE_NAME"`
	RelayUsername string `env:"BETCODE_RELAY_USERNAME"`
	RelayPassword string `env:"BETCODE_RELAY_PASSWORD"`
	RelayCACert   string `env:"BETCODE_RELAY_CUSTOM_CA_CERT"`
	WorktreeDir   string `env:"BETCODE_WORKTREE_DIR" envDefault:"~/.betcode/worktrees"`
	HealthAddr    string `env:"BETCODE_HEALTH_ADDR" envDefault:"127.0.0.1"`
	HealthPort    int    `env:"BETCODE_HEALTH_PORT" envDefault:"7410"`
}

// RelayConfig configures a betcode-relay process. The BETCODE_ADDR/
// BETCODE_DB_PATH keys are shared with DaemonConfig per spec.md §6;
// the remaining fields are relay-only operational settings with no
// spec.md counterpart (JWT signing secret, mTLS cert paths, max
// registered machines).
type RelayConfig struct {
	Addr              string `env:"BETCODE_ADDR" envDefault:"0.0.0.0:7421"`
	DBPath            string `env:"BETCODE_DB_PATH" envDefault:"~/.betcode/relay.db"`
	JWTSecret         string `env:"BETCODE_JWT_SECRET"`
	MaxMachines       int    `env:"BETCODE_MAX_MACHINES" envDefault:"1000"`
	MTLSCACert        string `env:"BETCODE_RELAY_CA_CERT"`
	MTLSCert          string `env:"BETCODE_RELAY_SERVER_CERT"`
	MTLSKey           string `env:"BETCODE_RELAY_SERVER_KEY"`
	RequireClientCert bool   `env:"BETCODE_RELAY_REQUIRE_CLIENT_CERT" envDefault:"false"`
	HealthAddr        string `env:"BETCODE_HEALTH_ADDR" envDefault:"127.0.0.1"`
	HealthPort        int    `env:"BETCODE_HEALTH_PORT" envDefault:"7422"`
	GRPCAddr          string `env:"BETCODE_GRPC_ADDR" envDefault:"0.0.0.0:7423"`
	AuditDir          string `env:"BETCODE_AUDIT_DIR" envDefault:"~/.betcode/relay-audit"`
}

// ClientConfig configures the betcode-cli process. Unlike Daemon/Relay,
// most of this is normally supplied via flags or the on-disk token
// cache rather than the environment, but the relay address still reads
// from env so scripted CLI invocations can omit --relay-addr (spec.md §6).
// MachineID is parsed but not read by the CLI: every command that
// targets a machine takes it from its required --machine flag.
type ClientConfig struct {
	RelayGRPCAddr string `env:"BETCODE_RELAY_GRPC_ADDR" envDefault:"localhost:7423"`
	MachineID     string `env:"BETCODE_MACHINE_ID"`
	Insecure      bool   `env:"BETCODE_CLI_INSECURE" envDefault:"false"`
}

// LoadClient loads ClientConfig.
func LoadClient() (*ClientConfig, error) {
	return Load[ClientConfig]()
}

// Load reads a .env file if present (silently ignored if absent) and then
// parses T from the environment.
func Load[T any]() (*T, error) {
	_ = godotenv.Load() // optional, no error if .env is missing

	var cfg T
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// LoadDaemon loads and path-expands DaemonConfig.
func LoadDaemon() (*DaemonConfig, error) {
	cfg, err := Load[DaemonConfig]()
	if err != nil {
		return nil, err
	}
	cfg.DBPath = expandHome(cfg.DBPath)
	cfg.WorktreeDir = expandHome(cfg.WorktreeDir)
	return cfg, nil
}

// LoadRelay loads and path-expands RelayConfig.
func LoadRelay() (*RelayConfig, error) {
	cfg, err := Load[RelayConfig]()
	if err != nil {
		return nil, err
	}
	cfg.DBPath = expandHome(cfg.DBPath)
	cfg.AuditDir = expandHome(cfg.AuditDir)
	return cfg, nil
}

func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// IdentityDir returns ~/.betcode, creating it (0700) if necessary.
func IdentityDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	dir := filepath.Join(home, ".betcode")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create identity dir: %w", err)
	}
	return dir, nil
}
