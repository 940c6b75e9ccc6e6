package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// FUNCTIONAL VALIDATION TEST: Default configuration provides production-ready settings
func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config == nil {
		t.Fatal("DefaultConfig should not return nil")
	}
	if config.Database.Path == "" {
		t.Error("Default database path should not be empty")
	}
	if config.HTTP.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", config.HTTP.Port)
	}
	if config.Chat.MaxContentLength != 1000 {
		t.Errorf("Expected max content length 1000, got %d", config.Chat.MaxContentLength)
	}
	if config.Chat.RateLimit != 30 || config.Chat.RateWindow != time.Minute {
		t.Errorf("Expected 30 messages per minute, got %d per %v", config.Chat.RateLimit, config.Chat.RateWindow)
	}
	if config.WebSocket.WriteTimeout != 5*time.Second {
		t.Errorf("Expected websocket write timeout 5s, got %v", config.WebSocket.WriteTimeout)
	}
	if config.Redis.Enabled || config.Kafka.Enabled {
		t.Error("Redis and Kafka should be disabled by default")
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Default config should pass validation: %v", err)
	}
}

// FUNCTIONAL VALIDATION TEST: Configuration validation prevents invalid settings
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"negative port", func(c *Config) { c.HTTP.Port = -1 }, true},
		{"port too large", func(c *Config) { c.HTTP.Port = 70000 }, true},
		{"empty database path", func(c *Config) { c.Database.Path = "" }, true},
		{"empty host", func(c *Config) { c.HTTP.Host = "" }, true},
		{"read timeout below ping", func(c *Config) { c.WebSocket.ReadTimeout = c.WebSocket.PingInterval }, true},
		{"zero buffer", func(c *Config) { c.WebSocket.BufferSize = 0 }, true},
		{"zero rate limit", func(c *Config) { c.Chat.RateLimit = 0 }, true},
		{"zero rate window", func(c *Config) { c.Chat.RateWindow = 0 }, true},
		{"short secret", func(c *Config) { c.Auth.JWTSecret = "short" }, true},
		{"redis without address", func(c *Config) { c.Redis.Enabled = true; c.Redis.Address = "" }, true},
		{"kafka without topic", func(c *Config) { c.Kafka.Enabled = true; c.Kafka.Topic = "" }, true},
		{"missing chat section", func(c *Config) { c.Chat = nil }, true},
		{"missing log section", func(c *Config) { c.Log = nil }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Addr(t *testing.T) {
	config := DefaultConfig()
	config.HTTP.Host = "127.0.0.1"
	config.HTTP.Port = 9000

	if got := config.Addr(); got != "127.0.0.1:9000" {
		t.Errorf("Addr() = %s, want 127.0.0.1:9000", got)
	}
}

// FUNCTIONAL VALIDATION TEST: File values override defaults
func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
http:
  port: 9090
chat:
  rate_limit: 5
  rate_window: 10s
database:
  path: /tmp/chat-test.db
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if config.HTTP.Port != 9090 {
		t.Errorf("Expected port 9090 from file, got %d", config.HTTP.Port)
	}
	if config.Chat.RateLimit != 5 || config.Chat.RateWindow != 10*time.Second {
		t.Errorf("Expected 5 per 10s from file, got %d per %v", config.Chat.RateLimit, config.Chat.RateWindow)
	}
	if config.Database.Path != "/tmp/chat-test.db" {
		t.Errorf("Expected database path from file, got %s", config.Database.Path)
	}
	if config.Log.Level != "debug" {
		t.Errorf("Expected debug log level, got %s", config.Log.Level)
	}
	// untouched keys keep their defaults
	if config.HTTP.Host != "0.0.0.0" {
		t.Errorf("Expected default host, got %s", config.HTTP.Host)
	}
}

// FUNCTIONAL VALIDATION TEST: Environment takes precedence over file
func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("http:\n  port: 9090\n"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("LEGALCHAT_HTTP_PORT", "7070")
	t.Setenv("LEGALCHAT_REDIS_ENABLED", "true")
	t.Setenv("LEGALCHAT_REDIS_ADDRESS", "redis:6379")

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if config.HTTP.Port != 7070 {
		t.Errorf("Expected env port 7070, got %d", config.HTTP.Port)
	}
	if !config.Redis.Enabled || config.Redis.Address != "redis:6379" {
		t.Errorf("Expected redis enabled at redis:6379, got %+v", config.Redis)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load should fail when an explicit file does not exist")
	}
}

func TestLoad_InvalidValuesRejected(t *testing.T) {
	t.Setenv("LEGALCHAT_HTTP_PORT", "0")

	if _, err := Load(""); err == nil {
		t.Error("Load should reject an invalid port")
	}
}
