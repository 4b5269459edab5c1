package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	ferrors "github.com/brensch/formexport/internal/errors"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// DefaultBaseURL is the form server the export talks to.
	DefaultBaseURL = "https://form.gov.sg"

	// DefaultPollInterval is how often the exporter checks for completion.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultMaxLineBytes bounds a single NDJSON record. Submissions with large
	// tables can run to several MiB once encrypted.
	DefaultMaxLineBytes = 64 << 20

	// DefaultHTTPTimeout applies to count queries and attachment fetches, not the stream.
	DefaultHTTPTimeout = 120 * time.Second

	// DefaultTransactionExpiry is how long a verification transaction stays valid
	// relative to the submission time.
	DefaultTransactionExpiry = 4 * time.Hour

	// EnvPrefix is prepended to every environment variable override.
	EnvPrefix = "FORMEXPORT"
)

// Output formats.
const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
	FormatBoth    = "both"
)

var (
	// Default number of decryption workers, often set to CPU count.
	DefaultNumWorkers = runtime.NumCPU()
)

// Config holds application settings.
type Config struct {
	BaseURL               string        `mapstructure:"base-url"`
	FormID                string        `mapstructure:"form-id"`
	FormTitle             string        `mapstructure:"form-title"`
	SecretKey             string        `mapstructure:"secret-key"`
	SecretKeyFile         string        `mapstructure:"secret-key-file"`
	SessionCookie         string        `mapstructure:"session-cookie"`
	VerificationPublicKey string        `mapstructure:"verification-public-key"`
	TransactionExpiry     time.Duration `mapstructure:"transaction-expiry"`
	OutputDir             string        `mapstructure:"output-dir"`
	DbPath                string        `mapstructure:"db-path"`
	NumWorkers            int           `mapstructure:"workers"`
	PollInterval          time.Duration `mapstructure:"poll-interval"`
	MaxLineBytes          int           `mapstructure:"max-line-bytes"`
	HTTPTimeout           time.Duration `mapstructure:"http-timeout"`
	Format                string        `mapstructure:"format"`
}

// Default returns a Config populated with defaults only.
func Default() Config {
	return Config{
		BaseURL:           DefaultBaseURL,
		TransactionExpiry: DefaultTransactionExpiry,
		OutputDir:         "./exports",
		DbPath:            "./formexport_state.duckdb",
		NumWorkers:        0,
		PollInterval:      DefaultPollInterval,
		MaxLineBytes:      DefaultMaxLineBytes,
		HTTPTimeout:       DefaultHTTPTimeout,
		Format:            FormatCSV,
	}
}

// Load merges defaults, an optional YAML config file, FORMEXPORT_* environment
// variables and the given flags, in increasing order of precedence.
// An empty cfgFile searches the working and home directories for .formexport.yaml.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()

	def := Default()
	// Every key needs a default so values set only through the environment are unmarshalled.
	for _, key := range []string{"form-id", "form-title", "secret-key", "secret-key-file", "session-cookie", "verification-public-key"} {
		v.SetDefault(key, "")
	}
	v.SetDefault("base-url", def.BaseURL)
	v.SetDefault("transaction-expiry", def.TransactionExpiry)
	v.SetDefault("output-dir", def.OutputDir)
	v.SetDefault("db-path", def.DbPath)
	v.SetDefault("workers", def.NumWorkers)
	v.SetDefault("poll-interval", def.PollInterval)
	v.SetDefault("max-line-bytes", def.MaxLineBytes)
	v.SetDefault("http-timeout", def.HTTPTimeout)
	v.SetDefault("format", def.Format)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.SetConfigName(".formexport")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// An explicitly named file must exist.
		if !errors.As(err, &notFound) || cfgFile != "" {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings an export needs. All problems are reported together.
func (c Config) Validate() error {
	var errs []error
	if c.BaseURL == "" {
		errs = append(errs, fmt.Errorf("%w: base-url", ferrors.ErrMissingConfig))
	}
	if c.FormID == "" {
		errs = append(errs, fmt.Errorf("%w: form-id", ferrors.ErrMissingConfig))
	}
	if c.SecretKey == "" && c.SecretKeyFile == "" {
		errs = append(errs, fmt.Errorf("%w: secret-key or secret-key-file", ferrors.ErrMissingConfig))
	}
	switch c.Format {
	case FormatCSV, FormatParquet, FormatBoth:
	default:
		errs = append(errs, fmt.Errorf("unknown format %q (use csv, parquet or both)", c.Format))
	}
	if c.NumWorkers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", c.NumWorkers))
	}
	return errors.Join(errs...)
}

// ResolveSecretKey returns the form secret key, reading SecretKeyFile when no
// key was given inline.
func (c Config) ResolveSecretKey() (string, error) {
	if c.SecretKey != "" {
		return strings.TrimSpace(c.SecretKey), nil
	}
	if c.SecretKeyFile == "" {
		return "", fmt.Errorf("%w: secret-key or secret-key-file", ferrors.ErrMissingConfig)
	}
	b, err := os.ReadFile(filepath.Clean(c.SecretKeyFile))
	if err != nil {
		return "", fmt.Errorf("failed to read secret key file %s: %w", c.SecretKeyFile, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// Workers returns the configured worker count, or DefaultNumWorkers when unset.
func (c Config) Workers() int {
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return DefaultNumWorkers
}
