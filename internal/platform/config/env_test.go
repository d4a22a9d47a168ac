package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type envTestConfig struct {
	Port    int           `env:"CHATROOM_TEST_PORT" envDefault:"123"`
	Timeout time.Duration `env:"CHATROOM_TEST_TIMEOUT" envDefault:"2s"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 123 {
		t.Fatalf("expected default port 123, got %d", cfg.Port)
	}
	if cfg.Timeout != 2*time.Second {
		t.Fatalf("expected default timeout 2s, got %s", cfg.Timeout)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("CHATROOM_TEST_PORT", "not-an-int")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestLoadDotEnvSkipsMissingFiles(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.env")
	if err := LoadDotEnv("", missing); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
}

func TestLoadDotEnvKeepsExistingValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "CHATROOM_TEST_PORT=456\nCHATROOM_TEST_DOTENV_ONLY=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write dotenv: %v", err)
	}
	t.Setenv("CHATROOM_TEST_PORT", "789")
	t.Setenv("CHATROOM_TEST_DOTENV_ONLY", "")
	_ = os.Unsetenv("CHATROOM_TEST_DOTENV_ONLY")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	if got := os.Getenv("CHATROOM_TEST_PORT"); got != "789" {
		t.Fatalf("CHATROOM_TEST_PORT = %q, want %q", got, "789")
	}
	if got := os.Getenv("CHATROOM_TEST_DOTENV_ONLY"); got != "from-file" {
		t.Fatalf("CHATROOM_TEST_DOTENV_ONLY = %q, want %q", got, "from-file")
	}
}
