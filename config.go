package mqlight

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file form of the client options.
//
// Example:
//
//	service: amqps://mq.example.com
//	client_id: orders_worker
//	user: worker
//	password: secret
//	tls:
//	  trust_certificate: /etc/mqlight/ca.pem
//	timeouts:
//	  start: 8s
//	log:
//	  level: info
type Config struct {
	Service       string          `yaml:"service"`
	Services      []string        `yaml:"services"`
	ClientID      string          `yaml:"client_id"`
	User          string          `yaml:"user"`
	Password      string          `yaml:"password"`
	SASLMechanism string          `yaml:"sasl_mechanism"`
	TLS           TLSFileConfig   `yaml:"tls"`
	Proxy         ProxyFileConfig `yaml:"proxy"`
	Timeouts      TimeoutConfig   `yaml:"timeouts"`
	Backoff       []time.Duration `yaml:"backoff"`
	SendRate      RateConfig      `yaml:"send_rate"`
	QueueSize     int             `yaml:"command_queue_size"`
	Log           LogConfig       `yaml:"log"`
}

// TLSFileConfig configures service certificate checks.
type TLSFileConfig struct {
	TrustCertificate string `yaml:"trust_certificate"`
	VerifyName       bool   `yaml:"verify_name"`
}

// ProxyFileConfig configures the connection proxy.
type ProxyFileConfig struct {
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Environment bool   `yaml:"from_environment"`
}

// TimeoutConfig holds the client timeouts.
type TimeoutConfig struct {
	Connect     time.Duration `yaml:"connect"`
	Start       time.Duration `yaml:"start"`
	Reinstate   time.Duration `yaml:"reinstate"`
	Unsubscribe time.Duration `yaml:"unsubscribe"`
	StopFlush   time.Duration `yaml:"stop_flush"`
}

// RateConfig limits sends. A zero rate means unlimited.
type RateConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// LogConfig selects the log output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config holding the option defaults.
func DefaultConfig() *Config {
	opts := defaultOptions()
	return &Config{
		TLS: TLSFileConfig{VerifyName: opts.verifyName},
		Timeouts: TimeoutConfig{
			Connect:     opts.connectTimeout,
			Start:       opts.startTimeout,
			Reinstate:   opts.reinstateTimeout,
			Unsubscribe: opts.unsubscribeTimeout,
			StopFlush:   opts.stopFlushTimeout,
		},
		Backoff:   append([]time.Duration(nil), DefaultBackoffTable...),
		QueueSize: opts.commandQueueSize,
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads a YAML file, applies MQLIGHT_* environment overrides
// and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfig for YAML already in memory.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MQLIGHT_SERVICE"); v != "" {
		cfg.Service = v
	}
	if v := os.Getenv("MQLIGHT_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := os.Getenv("MQLIGHT_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("MQLIGHT_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("MQLIGHT_TRUST_CERTIFICATE"); v != "" {
		cfg.TLS.TrustCertificate = v
	}
	if v := os.Getenv("MQLIGHT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Service == "" && len(c.Services) == 0 {
		errs = append(errs, "service is required")
	}
	if isLookupURL(c.Service) && len(c.Services) > 0 {
		errs = append(errs, "services cannot be combined with a lookup URL")
	}
	if err := validateClientID(c.ClientID); err != nil {
		errs = append(errs, "client_id: "+errMessage(err))
	}
	if (c.User == "") != (c.Password == "") {
		errs = append(errs, "user and password must be set together")
	}
	if !validSASLMechanism(c.SASLMechanism) {
		errs = append(errs, "sasl_mechanism: unknown mechanism "+c.SASLMechanism)
	}
	if c.Proxy.URL != "" {
		if _, err := NewProxyDialer(c.Proxy.URL, c.Proxy.Username, c.Proxy.Password); err != nil {
			errs = append(errs, "proxy.url: "+errMessage(err))
		}
	}

	for name, d := range map[string]time.Duration{
		"timeouts.connect":     c.Timeouts.Connect,
		"timeouts.start":       c.Timeouts.Start,
		"timeouts.reinstate":   c.Timeouts.Reinstate,
		"timeouts.unsubscribe": c.Timeouts.Unsubscribe,
	} {
		if d <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}
	if c.Timeouts.StopFlush < 0 {
		errs = append(errs, "timeouts.stop_flush must not be negative")
	}
	for _, d := range c.Backoff {
		if d <= 0 {
			errs = append(errs, "backoff delays must be positive")
			break
		}
	}
	if c.SendRate.PerSecond < 0 || (c.SendRate.PerSecond > 0 && c.SendRate.Burst <= 0) {
		errs = append(errs, "send_rate needs a positive per_second and burst")
	}
	if c.QueueSize <= 0 {
		errs = append(errs, "command_queue_size must be positive")
	}
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		errs = append(errs, "log.level: "+err.Error())
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, "log.format must be text or json")
	}

	if len(errs) > 0 {
		// Map iteration makes the order vary.
		slices.Sort(errs)
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Options converts the configuration into options for
// New(cfg.Service, cfg.Options()...). The logger writes to stderr at the
// configured level.
func (c *Config) Options() []Option {
	opts := []Option{
		WithVerifyName(c.TLS.VerifyName),
		WithConnectTimeout(c.Timeouts.Connect),
		WithStartTimeout(c.Timeouts.Start),
		WithReinstateTimeout(c.Timeouts.Reinstate),
		WithUnsubscribeTimeout(c.Timeouts.Unsubscribe),
		WithStopFlushTimeout(c.Timeouts.StopFlush),
		WithCommandQueueSize(c.QueueSize),
		WithLogger(c.Logger()),
	}
	if len(c.Services) > 0 {
		opts = append(opts, WithServices(c.Services...))
	}
	if c.ClientID != "" {
		opts = append(opts, WithClientID(c.ClientID))
	}
	if c.User != "" {
		opts = append(opts, WithCredentials(c.User, c.Password))
	}
	if c.SASLMechanism != "" {
		opts = append(opts, WithSASLMechanism(c.SASLMechanism))
	}
	if c.TLS.TrustCertificate != "" {
		opts = append(opts, WithTrustCertificate(c.TLS.TrustCertificate))
	}
	switch {
	case c.Proxy.URL != "":
		opts = append(opts, WithProxy(ProxyConfig{URL: c.Proxy.URL, Username: c.Proxy.Username, Password: c.Proxy.Password}))
	case c.Proxy.Environment:
		opts = append(opts, WithProxyFromEnvironment())
	}
	if len(c.Backoff) > 0 {
		opts = append(opts, WithBackoffTable(c.Backoff...))
	}
	if c.SendRate.PerSecond > 0 {
		opts = append(opts, WithSendRateLimit(c.SendRate.PerSecond, c.SendRate.Burst))
	}
	return opts
}

// Logger builds the slog-backed logger described by the log section.
func (c *Config) Logger() Logger {
	level, err := ParseLogLevel(c.Log.Level)
	if err != nil {
		level = LogLevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: slog.LevelDebug}
	var handler slog.Handler
	if c.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	return NewSlogLogger(slog.New(handler), level)
}

// ParseLogLevel parses debug, info, warn, error or none, in any case.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug, nil
	case "", "info":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	case "none", "off":
		return LogLevelNone, nil
	default:
		return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func errMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
