package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func localConfig() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "voice"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"APP_ENV is required", "DB_HOST is required", "JWT_SECRET is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := localConfig()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "voice-gateway"
	c.Auth.JWTAudience = "voice-gateway"
	c.Signaling.AllowedOrigins = []string{"https://agents.example.com"}

	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := localConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Auth.AccessTokenTTL != 15*time.Minute {
		t.Fatalf("unexpected access ttl %s", c.Auth.AccessTokenTTL)
	}
	if c.Reaper.SIPMaxAge != 30*time.Minute || c.Reaper.ConnectionIdle != 2*time.Hour || c.Reaper.SessionIdle != 30*time.Minute {
		t.Fatalf("unexpected reaper thresholds %+v", c.Reaper)
	}
	if c.Cache.CallTTL != time.Hour || c.Cache.TerminalTTL != 5*time.Minute {
		t.Fatalf("unexpected cache ttls %+v", c.Cache)
	}
	if c.Signaling.MessageRate != 20 || c.Signaling.MessageBurst != 40 {
		t.Fatalf("unexpected signaling limits %+v", c.Signaling)
	}
}

func TestValidate_SIPSection(t *testing.T) {
	c := localConfig()
	c.SIP = SIPConfig{Enabled: true, Transport: "ws"}
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "SIP_TRANSPORT") {
		t.Fatalf("expected transport error, got %v", err)
	}

	c = localConfig()
	c.SIP = SIPConfig{Enabled: true}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.SIP.ListenPort != 5060 || c.SIP.Transport != "udp" {
		t.Fatalf("expected sip defaults, got %+v", c.SIP)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	body := `
app:
  env: local
  port: 8080
db:
  host: db.internal
  port: 5432
  user: gateway
  name: voice
redis:
  host: cache.internal
  port: 6379
auth:
  jwt_secret: from-file
sip:
  enabled: true
  listen_port: 5070
  ring_timeout: 45s
signaling:
  allowed_origins: ["https://a.example.com"]
reaper:
  interval: 30s
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("APP_PORT", "9090")
	t.Setenv("SIGNALING_ALLOWED_ORIGINS", "https://b.example.com, https://c.example.com")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.App.Port != 9090 {
		t.Fatalf("env should override file port, got %d", c.App.Port)
	}
	if c.DB.Host != "db.internal" || c.Auth.JWTSecret != "from-file" {
		t.Fatalf("file values missing: %+v", c)
	}
	if c.SIP.ListenPort != 5070 || c.SIP.RingTimeout != 45*time.Second {
		t.Fatalf("unexpected sip %+v", c.SIP)
	}
	if c.Reaper.Interval != 30*time.Second {
		t.Fatalf("unexpected reaper interval %s", c.Reaper.Interval)
	}
	if len(c.Signaling.AllowedOrigins) != 2 || c.Signaling.AllowedOrigins[1] != "https://c.example.com" {
		t.Fatalf("unexpected origins %v", c.Signaling.AllowedOrigins)
	}
}

func TestLoad_AggregatesParseErrors(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("APP_PORT", "eighty")
	t.Setenv("REAPER_INTERVAL", "often")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected parse errors")
	}
	if !strings.Contains(err.Error(), "APP_PORT") || !strings.Contains(err.Error(), "REAPER_INTERVAL") {
		t.Fatalf("expected both parse errors, got %v", err)
	}
}
