// Package config loads pipeline configuration from defaults, an
// optional YAML file, and environment variables, in that order.
package config

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

type Config struct {
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Queue     QueueConfig     `koanf:"queue"`
	Crypto    CryptoConfig    `koanf:"crypto"`
	KMS       KMSConfig       `koanf:"kms"`
	GDPR      GDPRConfig      `koanf:"gdpr"`
	Retention RetentionConfig `koanf:"retention"`
	Reports   ReportsConfig   `koanf:"reports"`
	Alerting  AlertingConfig  `koanf:"alerting"`
	Archive   ArchiveConfig   `koanf:"archive"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Logging   LoggingConfig   `koanf:"logging"`
}

type DatabaseConfig struct {
	URL               string        `koanf:"url" validate:"required"`
	MaxConns          int32         `koanf:"max_conns"`
	MinConns          int32         `koanf:"min_conns"`
	MaxConnLifetime   time.Duration `koanf:"max_conn_lifetime"`
	HealthCheckPeriod time.Duration `koanf:"health_check_period"`
	ConnectTimeout    time.Duration `koanf:"connect_timeout"`
}

type RedisConfig struct {
	URL      string `koanf:"url" validate:"required"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type QueueConfig struct {
	Name              string        `koanf:"name"`
	Workers           int           `koanf:"workers"`
	Visibility        time.Duration `koanf:"visibility"`
	MaxAttempts       int           `koanf:"max_attempts"`
	RemoveOnComplete  int64         `koanf:"remove_on_complete"`
	DepthPollInterval time.Duration `koanf:"depth_poll_interval"`
}

type CryptoConfig struct {
	// Mode is "local" (HMAC over Secret) or "kms"
	Mode   string `koanf:"mode" validate:"oneof=local kms"`
	Secret string `koanf:"secret"`
	KeyID  string `koanf:"key_id"`
}

type KMSConfig struct {
	BaseURL       string        `koanf:"base_url"`
	AccessToken   string        `koanf:"access_token"`
	EncryptionKey string        `koanf:"encryption_key"`
	SigningKey    string        `koanf:"signing_key"`
	Timeout       time.Duration `koanf:"timeout"`
}

type GDPRConfig struct {
	PseudonymSalt string `koanf:"pseudonym_salt" validate:"required"`
}

type RetentionConfig struct {
	Interval time.Duration `koanf:"interval"`
}

type ReportsConfig struct {
	PollInterval time.Duration `koanf:"poll_interval"`
	ClaimLimit   int           `koanf:"claim_limit"`
}

type AlertingConfig struct {
	HealthCheckPeriod time.Duration `koanf:"health_check_period"`
}

type ArchiveConfig struct {
	// URL is the cold-store database; empty disables archival
	URL string `koanf:"url"`
}

type TelemetryConfig struct {
	Enabled      bool   `koanf:"enabled"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	ServiceName  string `koanf:"service_name"`
	MetricsAddr  string `koanf:"metrics_addr"`
}

type LoggingConfig struct {
	QueueSize     int           `koanf:"queue_size"`
	BatchSize     int           `koanf:"batch_size"`
	FlushInterval time.Duration `koanf:"flush_interval"`
}

func defaults() *Config {
	return &Config{
		Environment: "development",
		LogLevel:    "info",
		Database: DatabaseConfig{
			MaxConns:          25,
			MinConns:          2,
			MaxConnLifetime:   30 * time.Minute,
			HealthCheckPeriod: 30 * time.Second,
			ConnectTimeout:    10 * time.Second,
		},
		Queue: QueueConfig{
			Name:              "audit-events",
			Workers:           4,
			Visibility:        30 * time.Second,
			MaxAttempts:       5,
			RemoveOnComplete:  100,
			DepthPollInterval: 10 * time.Second,
		},
		Crypto: CryptoConfig{
			Mode:  "local",
			KeyID: "primary",
		},
		KMS: KMSConfig{
			Timeout: 5 * time.Second,
		},
		Retention: RetentionConfig{
			Interval: 24 * time.Hour,
		},
		Reports: ReportsConfig{
			PollInterval: time.Minute,
			ClaimLimit:   10,
		},
		Alerting: AlertingConfig{
			HealthCheckPeriod: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "compliant-audit-pipeline",
			MetricsAddr: ":9090",
		},
		Logging: LoggingConfig{
			QueueSize:     10000,
			BatchSize:     100,
			FlushInterval: 500 * time.Millisecond,
		},
	}
}

// envKey translates AUDIT_DATABASE_URL to database.url and so on. The
// first segment is the section, the rest joins with underscores.
func envKey(prefix, s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, prefix))
	parts := strings.SplitN(s, "_", 2)
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[0] + "." + parts[1]
}

// Load reads configuration: defaults, then the optional YAML file, then
// environment. AUDIT_* vars map into their section (AUDIT_REDIS_URL ->
// redis.url); KMS_* and GDPR_* keep their documented names; LOG_LEVEL
// stands alone.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, errors.NewConfigError("loading defaults").WithCause(err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.NewConfigError(fmt.Sprintf("loading %s", path)).WithCause(err)
		}
	}

	for _, p := range []struct{ prefix string }{
		{"AUDIT_"}, {"KMS_"}, {"GDPR_"},
	} {
		prefix := p.prefix
		mapper := func(s string) string {
			if prefix == "AUDIT_" {
				return envKey(prefix, s)
			}
			// KMS_BASE_URL -> kms.base_url, GDPR_PSEUDONYM_SALT -> gdpr.pseudonym_salt
			section := strings.ToLower(strings.TrimSuffix(prefix, "_"))
			return section + "." + strings.ToLower(strings.TrimPrefix(s, prefix))
		}
		if err := k.Load(env.Provider(prefix, ".", mapper), nil); err != nil {
			return nil, errors.NewConfigError("loading environment").WithCause(err)
		}
	}
	if err := k.Load(env.Provider("LOG_LEVEL", ".", func(string) string {
		return "log_level"
	}), nil); err != nil {
		return nil, errors.NewConfigError("loading environment").WithCause(err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.NewConfigError("unmarshaling configuration").WithCause(err)
	}
	return &cfg, nil
}

// Production reports whether required settings must all be present
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Validate enforces structural rules. In production every required
// setting must be present; development tolerates gaps so local runs can
// start against partial stacks.
func (c *Config) Validate() error {
	if !c.Production() {
		return nil
	}

	v := validator.New()
	if err := v.Struct(c); err != nil {
		var fields []string
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) {
			for _, fe := range verrs {
				fields = append(fields, fe.Namespace())
			}
		}
		return errors.NewConfigError(
			fmt.Sprintf("missing required configuration: %s", strings.Join(fields, ", "))).WithCause(err)
	}

	switch c.Crypto.Mode {
	case "local":
		if c.Crypto.Secret == "" {
			return errors.NewConfigError("AUDIT_CRYPTO_SECRET is required in local signing mode")
		}
	case "kms":
		if c.KMS.BaseURL == "" || c.KMS.AccessToken == "" {
			return errors.NewConfigError("KMS_BASE_URL and KMS_ACCESS_TOKEN are required in kms signing mode")
		}
		if c.KMS.EncryptionKey == "" || c.KMS.SigningKey == "" {
			return errors.NewConfigError("KMS_ENCRYPTION_KEY and KMS_SIGNING_KEY are required in kms signing mode")
		}
	}
	return nil
}
