package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration required by the gateway process.
// Values come from an optional YAML file named by CONFIG_FILE, then from env,
// env winning. No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig       `yaml:"app"`
	DB        DBConfig        `yaml:"db"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	SIP       SIPConfig       `yaml:"sip"`
	Signaling SignalingConfig `yaml:"signaling"`
	Cache     CacheConfig     `yaml:"cache"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Audit     AuditConfig     `yaml:"audit"`
}

type AppConfig struct {
	Env  string `yaml:"env"`
	Port int    `yaml:"port"`
}

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	MaxConns int    `yaml:"max_conns"`

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string `yaml:"sslmode"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret"`
	JWTIssuer       string        `yaml:"jwt_issuer"`
	JWTAudience     string        `yaml:"jwt_audience"`
	AccessTokenTTL  time.Duration `yaml:"access_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_ttl"`
}

// SIPConfig configures the SIP user agent. Enabled=false runs the gateway
// with WebRTC signaling only.
type SIPConfig struct {
	Enabled            bool          `yaml:"enabled"`
	ListenHost         string        `yaml:"listen_host"`
	ListenPort         int           `yaml:"listen_port"`
	Transport          string        `yaml:"transport"`
	ExternalHost       string        `yaml:"external_host"`
	UserAgent          string        `yaml:"user_agent"`
	TrunkHost          string        `yaml:"trunk_host"`
	RingTimeout        time.Duration `yaml:"ring_timeout"`
	MaxConcurrentCalls int           `yaml:"max_concurrent_calls"`
}

type SignalingConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	MessageRate    float64  `yaml:"message_rate"`
	MessageBurst   int      `yaml:"message_burst"`
}

type CacheConfig struct {
	CallTTL     time.Duration `yaml:"call_ttl"`
	TerminalTTL time.Duration `yaml:"terminal_ttl"`
	SessionTTL  time.Duration `yaml:"session_ttl"`
}

type ReaperConfig struct {
	Interval       time.Duration `yaml:"interval"`
	SIPMaxAge      time.Duration `yaml:"sip_max_age"`
	ConnectionIdle time.Duration `yaml:"connection_idle"`
	SessionIdle    time.Duration `yaml:"session_idle"`
}

type AuditConfig struct {
	Buffer int `yaml:"buffer"`
}

func Load() (Config, error) {
	c := Config{}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := c.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	var parseErrs []error
	parseErrs = envString(parseErrs, "APP_ENV", &c.App.Env)
	parseErrs = envInt(parseErrs, "APP_PORT", &c.App.Port)

	parseErrs = envString(parseErrs, "DB_HOST", &c.DB.Host)
	parseErrs = envInt(parseErrs, "DB_PORT", &c.DB.Port)
	parseErrs = envString(parseErrs, "DB_USER", &c.DB.User)
	if v, ok := os.LookupEnv("DB_PASSWORD"); ok {
		c.DB.Password = v
	}
	parseErrs = envString(parseErrs, "DB_NAME", &c.DB.Name)
	parseErrs = envString(parseErrs, "DB_SSLMODE", &c.DB.SSLMode)
	parseErrs = envInt(parseErrs, "DB_MAX_CONNS", &c.DB.MaxConns)

	parseErrs = envString(parseErrs, "REDIS_HOST", &c.Redis.Host)
	parseErrs = envInt(parseErrs, "REDIS_PORT", &c.Redis.Port)
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	parseErrs = envInt(parseErrs, "REDIS_DB", &c.Redis.DB)

	if v, ok := os.LookupEnv("JWT_SECRET"); ok {
		c.Auth.JWTSecret = v
	}
	parseErrs = envString(parseErrs, "JWT_ISSUER", &c.Auth.JWTIssuer)
	parseErrs = envString(parseErrs, "JWT_AUDIENCE", &c.Auth.JWTAudience)
	parseErrs = envDuration(parseErrs, "JWT_ACCESS_TTL", &c.Auth.AccessTokenTTL)
	parseErrs = envDuration(parseErrs, "JWT_REFRESH_TTL", &c.Auth.RefreshTokenTTL)

	parseErrs = envBool(parseErrs, "SIP_ENABLED", &c.SIP.Enabled)
	parseErrs = envString(parseErrs, "SIP_LISTEN_HOST", &c.SIP.ListenHost)
	parseErrs = envInt(parseErrs, "SIP_LISTEN_PORT", &c.SIP.ListenPort)
	parseErrs = envString(parseErrs, "SIP_TRANSPORT", &c.SIP.Transport)
	parseErrs = envString(parseErrs, "SIP_EXTERNAL_HOST", &c.SIP.ExternalHost)
	parseErrs = envString(parseErrs, "SIP_USER_AGENT", &c.SIP.UserAgent)
	parseErrs = envString(parseErrs, "SIP_TRUNK_HOST", &c.SIP.TrunkHost)
	parseErrs = envDuration(parseErrs, "SIP_RING_TIMEOUT", &c.SIP.RingTimeout)
	parseErrs = envInt(parseErrs, "SIP_MAX_CONCURRENT_CALLS", &c.SIP.MaxConcurrentCalls)

	if v := strings.TrimSpace(os.Getenv("SIGNALING_ALLOWED_ORIGINS")); v != "" {
		c.Signaling.AllowedOrigins = splitList(v)
	}
	parseErrs = envFloat(parseErrs, "SIGNALING_MESSAGE_RATE", &c.Signaling.MessageRate)
	parseErrs = envInt(parseErrs, "SIGNALING_MESSAGE_BURST", &c.Signaling.MessageBurst)

	parseErrs = envDuration(parseErrs, "CACHE_CALL_TTL", &c.Cache.CallTTL)
	parseErrs = envDuration(parseErrs, "CACHE_TERMINAL_TTL", &c.Cache.TerminalTTL)
	parseErrs = envDuration(parseErrs, "CACHE_SESSION_TTL", &c.Cache.SessionTTL)

	parseErrs = envDuration(parseErrs, "REAPER_INTERVAL", &c.Reaper.Interval)
	parseErrs = envDuration(parseErrs, "REAPER_SIP_MAX_AGE", &c.Reaper.SIPMaxAge)
	parseErrs = envDuration(parseErrs, "REAPER_CONNECTION_IDLE", &c.Reaper.ConnectionIdle)
	parseErrs = envDuration(parseErrs, "REAPER_SESSION_IDLE", &c.Reaper.SessionIdle)

	parseErrs = envInt(parseErrs, "AUDIT_BUFFER", &c.Audit.Buffer)

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks required values and fills environment-dependent defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if !isValidPort(c.App.Port) {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if !isValidPort(c.DB.Port) {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	if c.DB.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("DB_MAX_CONNS must not be negative, got %d", c.DB.MaxConns))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if !isValidPort(c.Redis.Port) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("REDIS_DB must not be negative, got %d", c.Redis.DB))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	errs = append(errs, c.validateSIP()...)

	if c.Signaling.MessageRate < 0 {
		errs = append(errs, fmt.Errorf("SIGNALING_MESSAGE_RATE must not be negative, got %v", c.Signaling.MessageRate))
	}
	if c.Signaling.MessageRate == 0 {
		c.Signaling.MessageRate = 20
	}
	if c.Signaling.MessageBurst <= 0 {
		c.Signaling.MessageBurst = 40
	}
	if c.IsProduction() && len(c.Signaling.AllowedOrigins) == 0 {
		errs = append(errs, errors.New("SIGNALING_ALLOWED_ORIGINS is required in production"))
	}

	defaultDuration(&c.Cache.CallTTL, time.Hour)
	defaultDuration(&c.Cache.TerminalTTL, 5*time.Minute)
	defaultDuration(&c.Cache.SessionTTL, time.Hour)

	defaultDuration(&c.Reaper.Interval, time.Minute)
	defaultDuration(&c.Reaper.SIPMaxAge, 30*time.Minute)
	defaultDuration(&c.Reaper.ConnectionIdle, 2*time.Hour)
	defaultDuration(&c.Reaper.SessionIdle, 30*time.Minute)

	if c.Audit.Buffer < 0 {
		errs = append(errs, fmt.Errorf("AUDIT_BUFFER must not be negative, got %d", c.Audit.Buffer))
	}

	return joinErrors(errs)
}

func (c *Config) validateSIP() []error {
	if !c.SIP.Enabled {
		return nil
	}
	var errs []error
	if c.SIP.ListenPort == 0 {
		c.SIP.ListenPort = 5060
	}
	if !isValidPort(c.SIP.ListenPort) {
		errs = append(errs, fmt.Errorf("SIP_LISTEN_PORT must be a valid port, got %d", c.SIP.ListenPort))
	}
	if c.SIP.Transport == "" {
		c.SIP.Transport = "udp"
	}
	switch c.SIP.Transport {
	case "udp", "tcp":
	default:
		errs = append(errs, fmt.Errorf("SIP_TRANSPORT must be one of udp, tcp, got %q", c.SIP.Transport))
	}
	if c.SIP.RingTimeout < 0 {
		errs = append(errs, fmt.Errorf("SIP_RING_TIMEOUT must not be negative, got %s", c.SIP.RingTimeout))
	}
	if c.SIP.MaxConcurrentCalls < 0 {
		errs = append(errs, fmt.Errorf("SIP_MAX_CONCURRENT_CALLS must not be negative, got %d", c.SIP.MaxConcurrentCalls))
	}
	if c.IsProduction() && c.SIP.ExternalHost == "" {
		errs = append(errs, errors.New("SIP_EXTERNAL_HOST is required in production"))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func envString(errs []error, key string, dst *string) []error {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
	return errs
}

func envInt(errs []error, key string, dst *int) []error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	*dst = n
	return errs
}

func envFloat(errs []error, key string, dst *float64) []error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return errs
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return append(errs, fmt.Errorf("%s must be a number, got %q", key, v))
	}
	*dst = f
	return errs
}

func envBool(errs []error, key string, dst *bool) []error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return errs
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return append(errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
	}
	*dst = b
	return errs
}

func envDuration(errs []error, key string, dst *time.Duration) []error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	*dst = d
	return errs
}

func defaultDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isValidPort(p int) bool {
	return p > 0 && p <= 65535
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
