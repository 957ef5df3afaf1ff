package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	ListenAddr string              `json:"listen_addr" yaml:"listen_addr"`
	Database   DatabaseConfig      `json:"database" yaml:"database"`
	Auth       AuthConfig          `json:"auth" yaml:"auth"`
	Security   SecurityConfig      `json:"security" yaml:"security"`
	Subject    SubjectConfig       `json:"subject" yaml:"subject"`
	Runner     RunnerConfig        `json:"runner" yaml:"runner"`
	Observer   ObservabilityConfig `json:"observability" yaml:"observability"`
}

type DatabaseConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`
	MaxConns       int32  `json:"max_conns" yaml:"max_conns"`
	MigrationsPath string `json:"migrations_path" yaml:"migrations_path"`
}

type AuthConfig struct {
	SessionTTL string `json:"session_ttl" yaml:"session_ttl"`
	CookieName string `json:"cookie_name" yaml:"cookie_name"`
}

type SecurityConfig struct {
	AdminToken string `json:"admin_token" yaml:"admin_token"`
}

type SubjectConfig struct {
	BaseURL      string `json:"base_url" yaml:"base_url"`
	Model        string `json:"model" yaml:"model"`
	TimeoutSec   int    `json:"timeout_sec" yaml:"timeout_sec"`
	TemplateBank string `json:"template_bank" yaml:"template_bank"`
}

type RunnerConfig struct {
	QueueDepth        int `json:"queue_depth" yaml:"queue_depth"`
	DefaultProbeCount int `json:"default_probe_count" yaml:"default_probe_count"`
	MaxProbeCount     int `json:"max_probe_count" yaml:"max_probe_count"`
	PreviewRPM        int `json:"preview_rpm" yaml:"preview_rpm"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	SampleRatio  float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: ":8080",
		Database: DatabaseConfig{
			MaxConns:       10,
			MigrationsPath: "./migrations",
		},
		Auth: AuthConfig{
			SessionTTL: "8h",
			CookieName: "latent_session",
		},
		Subject: SubjectConfig{
			BaseURL:    "http://localhost:11434",
			Model:      "deepseek-r1:latest",
			TimeoutSec: 120,
		},
		Runner: RunnerConfig{
			QueueDepth:        16,
			DefaultProbeCount: 5,
			MaxProbeCount:     25,
			PreviewRPM:        12,
		},
		Observer: ObservabilityConfig{
			ServiceName: "latent-probe-api",
			SampleRatio: 1,
		},
	}
}

func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse json config: %w", err)
		}
	default:
		var yamlErr error
		if yamlErr = yaml.Unmarshal(data, &cfg); yamlErr == nil {
			break
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.New("config format not recognized (expected yaml/json)")
		}
	}
	normalizeConfig(&cfg)
	return cfg, nil
}

func normalizeConfig(cfg *ServerConfig) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if strings.TrimSpace(cfg.Database.MigrationsPath) == "" {
		cfg.Database.MigrationsPath = "./migrations"
	}
	if strings.TrimSpace(cfg.Auth.CookieName) == "" {
		cfg.Auth.CookieName = "latent_session"
	}
	if strings.TrimSpace(cfg.Auth.SessionTTL) == "" {
		cfg.Auth.SessionTTL = "8h"
	}
	if strings.TrimSpace(cfg.Subject.BaseURL) == "" {
		cfg.Subject.BaseURL = "http://localhost:11434"
	}
	if strings.TrimSpace(cfg.Subject.Model) == "" {
		cfg.Subject.Model = "deepseek-r1:latest"
	}
	if cfg.Subject.TimeoutSec <= 0 {
		cfg.Subject.TimeoutSec = 120
	}
	if cfg.Runner.QueueDepth <= 0 {
		cfg.Runner.QueueDepth = 16
	}
	if cfg.Runner.DefaultProbeCount <= 0 {
		cfg.Runner.DefaultProbeCount = 5
	}
	if cfg.Runner.MaxProbeCount <= 0 {
		cfg.Runner.MaxProbeCount = 25
	}
	if cfg.Runner.PreviewRPM <= 0 {
		cfg.Runner.PreviewRPM = 12
	}
	if cfg.Observer.SampleRatio <= 0 || cfg.Observer.SampleRatio > 1 {
		cfg.Observer.SampleRatio = 1
	}
	if strings.TrimSpace(cfg.Observer.ServiceName) == "" {
		cfg.Observer.ServiceName = "latent-probe-api"
	}
}
