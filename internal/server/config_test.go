package server

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.Auth.CookieName != "latent_session" {
		t.Fatalf("cookie name = %q", cfg.Auth.CookieName)
	}
	if cfg.Subject.BaseURL != "http://localhost:11434" || cfg.Subject.Model != "deepseek-r1:latest" {
		t.Fatalf("subject defaults = %+v", cfg.Subject)
	}
	if cfg.Runner.DefaultProbeCount != 5 || cfg.Runner.MaxProbeCount != 25 {
		t.Fatalf("runner defaults = %+v", cfg.Runner)
	}
	if cfg.Observer.ServiceName != "latent-probe-api" {
		t.Fatalf("service name = %q", cfg.Observer.ServiceName)
	}
}

func TestLoadServerConfigEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadServerConfig("")
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.Subject.TimeoutSec != 120 {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadServerConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen_addr: ":9090"
subject:
  model: "llama3:8b"
runner:
  preview_rpm: -1
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.Subject.Model != "llama3:8b" {
		t.Fatalf("model = %q", cfg.Subject.Model)
	}
	if cfg.Subject.BaseURL != "http://localhost:11434" {
		t.Fatalf("unset base_url should keep default, got %q", cfg.Subject.BaseURL)
	}
	if cfg.Runner.PreviewRPM != 12 {
		t.Fatalf("invalid preview_rpm should normalize to 12, got %d", cfg.Runner.PreviewRPM)
	}
}

func TestLoadServerConfigJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"listen_addr": ":7070", "security": {"admin_token": "tok"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.ListenAddr != ":7070" || cfg.Security.AdminToken != "tok" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadServerConfigMissingFile(t *testing.T) {
	if _, err := LoadServerConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
