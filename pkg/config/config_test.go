package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearBetcodeEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key := kv[:i]
				if len(key) >= 8 && key[:8] == "BETCODE_" {
					old, had := os.LookupEnv(key)
					os.Unsetenv(key)
					t.Cleanup(func() {
						if had {
							os.Setenv(key, old)
						}
					})
				}
				break
			}
		}
	}
}

func TestLoadDaemonDefaults(t *testing.T) {
	clearBetcodeEnv(t)
	t.Chdir(t.TempDir())

	cfg, err := LoadDaemon()
	if err != nil {
		t.Fatalf("load daemon: %v", err)
	}
	if cfg.Addr != "127.0.0.1:7420" {
		t.Fatalf("unexpected default addr: %s", cfg.Addr)
	}
	if cfg.MaxSessions != 32 {
		t.Fatalf("unexpected default max sessions: %d", cfg.MaxSessions)
	}
	home, _ := os.UserHomeDir()
	if cfg.DBPath != filepath.Join(home, ".betcode", "daemon.db") {
		t.Fatalf("expected expanded ~ path, got %s", cfg.DBPath)
	}
}

func TestLoadDaemonFromEnv(t *testing.T) {
	clearBetcodeEnv(t)
	t.Chdir(t.TempDir())
	t.Setenv("BETCODE_ADDR", "0.0.0.0:9000")
	t.Setenv("BETCODE_MAX_SESSIONS", "64")

	cfg, err := LoadDaemon()
	if err != nil {
		t.Fatalf("load daemon: %v", err)
	}
	if cfg.Addr != "0.0.0.0:9000" {
		t.Fatalf("env override not applied: %s", cfg.Addr)
	}
	if cfg.MaxSessions != 64 {
		t.Fatalf("env override not applied: %d", cfg.MaxSessions)
	}
}

func TestLoadRelayDefaults(t *testing.T) {
	clearBetcodeEnv(t)
	t.Chdir(t.TempDir())

	cfg, err := LoadRelay()
	if err != nil {
		t.Fatalf("load relay: %v", err)
	}
	if cfg.MaxMachines != 1000 {
		t.Fatalf("unexpected default max machines: %d", cfg.MaxMachines)
	}
	if cfg.Addr != "0.0.0.0:7421" {
		t.Fatalf("unexpected default addr: %s", cfg.Addr)
	}
}

func TestIdentityDirCreatesDirectory(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir, err := IdentityDir()
	if err != nil {
		t.Fatalf("identity dir: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat identity dir: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected identity dir to be a directory")
	}
}
