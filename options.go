package sentryclient

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const defaultMaxBreadcrumbs = 100

// Options configures a Client
type Options struct {
	// Ingestion DSN; empty disables transmission entirely
	DSN string `mapstructure:"dsn"`

	// Debug switches the internal logger from nop to a development logger
	Debug bool `mapstructure:"debug"`

	// Release reported with every event and session
	Release string `mapstructure:"release"`

	// Environment reported with every event and session
	Environment string `mapstructure:"environment"`

	// ServerName reported with every event
	ServerName string `mapstructure:"server_name"`

	// Fraction of events to keep, in [0.0, 1.0]; nil means 1.0
	SampleRate *float64 `mapstructure:"sample_rate"`

	// Maximum breadcrumbs retained per scope; 0 means the default,
	// negative disables breadcrumbs
	MaxBreadcrumbs int `mapstructure:"max_breadcrumbs"`

	// Attach a stacktrace to messages captured without one
	AttachStacktrace bool `mapstructure:"attach_stacktrace"`

	// HTTP transport settings
	HTTP HTTPOptions `mapstructure:"http"`

	// Retry configuration
	Retry RetryOptions `mapstructure:"retry"`

	// Queue configuration
	Queue QueueOptions `mapstructure:"queue"`

	// Maps envelope item types to rate-limit categories; merged over
	// the built-in mapping
	CategoryMapping map[string]Category `mapstructure:"category_mapping"`

	// BeforeSend is called with each event after scope merge; returning
	// nil discards the event
	BeforeSend func(event *Event) *Event `mapstructure:"-"`

	// Transport overrides the HTTP transport, mainly for tests
	Transport Transport `mapstructure:"-"`

	// Logger for internal diagnostics; defaults to zap.NewNop
	Logger *zap.Logger `mapstructure:"-"`
}

// HTTPOptions contains HTTP transport settings
type HTTPOptions struct {
	// Request timeout
	Timeout time.Duration `mapstructure:"timeout"`
	// Connection timeout
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// Disable gzip compression of envelope bodies
	DisableCompression bool `mapstructure:"disable_compression"`
	// Skip TLS certificate verification
	TLSSkipVerify bool `mapstructure:"tls_skip_verify"`
	// Proxy settings
	Proxy     string `mapstructure:"proxy"`
	ProxyAuth string `mapstructure:"proxy_auth"`
}

// RetryOptions contains retry mechanism settings
type RetryOptions struct {
	// Maximum delivery attempts per envelope
	MaxAttempts int `mapstructure:"max_attempts"`
	// Initial backoff duration
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	// Backoff multiplier
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
	// Maximum backoff duration
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
}

// QueueOptions contains queue settings
type QueueOptions struct {
	// Buffer size for the envelope queue
	BufferSize int `mapstructure:"buffer_size"`
	// Number of worker goroutines
	Workers int `mapstructure:"workers"`
}

// InitDefaults initializes default configuration values
func (o *Options) InitDefaults() {
	if o.SampleRate == nil {
		o.SampleRate = ptrTo(1.0)
	}
	if o.ServerName == "" {
		if hostname, err := os.Hostname(); err == nil {
			o.ServerName = hostname
		}
	}
	if o.MaxBreadcrumbs == 0 {
		o.MaxBreadcrumbs = defaultMaxBreadcrumbs
	}
	if o.MaxBreadcrumbs < 0 {
		o.MaxBreadcrumbs = 0
	}

	if o.HTTP.Timeout == 0 {
		o.HTTP.Timeout = 30 * time.Second
	}
	if o.HTTP.ConnectTimeout == 0 {
		o.HTTP.ConnectTimeout = 10 * time.Second
	}

	if o.Retry.MaxAttempts == 0 {
		o.Retry.MaxAttempts = 3
	}
	if o.Retry.InitialBackoff == 0 {
		o.Retry.InitialBackoff = 1 * time.Second
	}
	if o.Retry.BackoffMultiplier == 0 {
		o.Retry.BackoffMultiplier = 2.0
	}
	if o.Retry.MaxBackoff == 0 {
		o.Retry.MaxBackoff = 300 * time.Second
	}

	if o.Queue.BufferSize == 0 {
		o.Queue.BufferSize = 30
	}
	if o.Queue.Workers == 0 {
		o.Queue.Workers = 1
	}

	if o.Logger == nil {
		if o.Debug {
			o.Logger, _ = zap.NewDevelopment()
		}
		if o.Logger == nil {
			o.Logger = zap.NewNop()
		}
	}
}

// Validate validates the configuration
func (o *Options) Validate() error {
	if o.SampleRate != nil && (*o.SampleRate < 0 || *o.SampleRate > 1) {
		return fmt.Errorf("sample rate %v out of range [0.0, 1.0]", *o.SampleRate)
	}

	if o.Queue.BufferSize < 0 {
		return fmt.Errorf("queue buffer size must not be negative")
	}

	if o.Retry.MaxAttempts < 0 {
		o.Retry.MaxAttempts = 0
	}

	if o.HTTP.Proxy != "" {
		if _, err := url.Parse(o.HTTP.Proxy); err != nil {
			return fmt.Errorf("invalid proxy URL %q: %w", o.HTTP.Proxy, err)
		}
	}

	return nil
}

// LoadOptions reads options from an optional config file with
// environment overrides (SENTRY_DSN, SENTRY_RELEASE, ...).
func LoadOptions(configPath string) (*Options, error) {
	v := viper.New()

	// Set defaults. Every key listed here is also overridable through
	// the environment; viper only sees env values for known keys.
	v.SetDefault("dsn", "")
	v.SetDefault("debug", false)
	v.SetDefault("release", "")
	v.SetDefault("environment", "")
	v.SetDefault("server_name", "")
	v.SetDefault("attach_stacktrace", false)
	v.SetDefault("sample_rate", 1.0)
	v.SetDefault("max_breadcrumbs", 100)
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.connect_timeout", "10s")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", "1s")
	v.SetDefault("retry.backoff_multiplier", 2.0)
	v.SetDefault("retry.max_backoff", "300s")
	v.SetDefault("queue.buffer_size", 30)
	v.SetDefault("queue.workers", 1)

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("sentry")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment variables override; nested keys map dots to
	// underscores (http.timeout becomes SENTRY_HTTP_TIMEOUT)
	v.SetEnvPrefix("SENTRY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	opts.InitDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return &opts, nil
}

// Helper function for pointer creation
func ptrTo[T any](v T) *T {
	return &v
}
