// Package config loads qbank settings from an optional YAML file, a .env
// file and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrMissingDSN is returned when a command needs storage but no DSN is set.
var ErrMissingDSN = errors.New("config: storage dsn is not set (DATABASE_URL)")

// Config is the full runtime configuration.
type Config struct {
	Env       string    `mapstructure:"env"`
	Storage   Storage   `mapstructure:"storage"`
	Import    Import    `mapstructure:"import"`
	Reconcile Reconcile `mapstructure:"reconcile"`
	Dataset   Dataset   `mapstructure:"dataset"`
	Audit     Audit     `mapstructure:"audit"`
	Log       Log       `mapstructure:"log"`
	Metrics   Metrics   `mapstructure:"metrics"`
	Tracing   Tracing   `mapstructure:"tracing"`
}

type Storage struct {
	Kind           string `mapstructure:"kind"`
	DSN            string `mapstructure:"dsn"`
	QuestionsTable string `mapstructure:"questions_table"`
	StatsTable     string `mapstructure:"stats_table"`
	// EnsureSchema creates missing tables on start. Meant for sqlite and
	// local databases; production schemas are provisioned elsewhere.
	EnsureSchema bool `mapstructure:"ensure_schema"`
}

type Import struct {
	BatchSize       int           `mapstructure:"batch_size"`
	Pause           time.Duration `mapstructure:"pause"`
	Source          string        `mapstructure:"source"`
	SourceTag       string        `mapstructure:"source_tag"`
	DefaultCategory string        `mapstructure:"default_category"`
	StripHTML       bool          `mapstructure:"strip_html"`
	MaxRows         int           `mapstructure:"max_rows"`
}

type Reconcile struct {
	BatchSize        int           `mapstructure:"batch_size"`
	MigrateBatchSize int           `mapstructure:"migrate_batch_size"`
	Pause            time.Duration `mapstructure:"pause"`
}

type Dataset struct {
	HubEndpoint string        `mapstructure:"hub_endpoint"`
	HubToken    string        `mapstructure:"hub_token"`
	HubConfig   string        `mapstructure:"hub_config"`
	HubSplit    string        `mapstructure:"hub_split"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

type Audit struct {
	Dir         string `mapstructure:"dir"`
	Bucket      string `mapstructure:"bucket"`
	Endpoint    string `mapstructure:"endpoint"`
	AccessKey   string `mapstructure:"access_key"`
	SecretKey   string `mapstructure:"secret_key"`
	Prefix      string `mapstructure:"prefix"`
	Secure      bool   `mapstructure:"secure"`
	SampleLimit int    `mapstructure:"sample_limit"`
}

type Log struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type Metrics struct {
	Backend        string        `mapstructure:"backend"`
	PushgatewayURL string        `mapstructure:"pushgateway_url"`
	Tags           string        `mapstructure:"tags"`
	FlushEvery     time.Duration `mapstructure:"flush_every"`
}

type Tracing struct {
	Endpoint string `mapstructure:"endpoint"`
}

// Options tune Load. Zero values mean "./config/qbank.yaml" and ".env".
type Options struct {
	ConfigFile string
	EnvFile    string
	// SkipEnvFile disables .env loading, used by tests.
	SkipEnvFile bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "local")
	v.SetDefault("storage.kind", "postgres")
	v.SetDefault("storage.questions_table", "questions")
	v.SetDefault("storage.stats_table", "question_stats")
	v.SetDefault("storage.ensure_schema", false)
	v.SetDefault("import.batch_size", 100)
	v.SetDefault("import.pause", "500ms")
	v.SetDefault("import.source", "FGV")
	v.SetDefault("import.source_tag", "")
	v.SetDefault("import.default_category", "Geral")
	v.SetDefault("import.max_rows", 0)
	v.SetDefault("import.strip_html", true)
	v.SetDefault("reconcile.batch_size", 100)
	v.SetDefault("reconcile.migrate_batch_size", 50)
	v.SetDefault("reconcile.pause", "500ms")
	v.SetDefault("dataset.hub_endpoint", "")
	v.SetDefault("dataset.hub_split", "train")
	v.SetDefault("dataset.hub_config", "default")
	v.SetDefault("dataset.http_timeout", "60s")
	v.SetDefault("audit.dir", "data/import_logs")
	v.SetDefault("audit.prefix", "import_logs")
	v.SetDefault("audit.secure", false)
	v.SetDefault("audit.sample_limit", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("metrics.backend", "none")
	v.SetDefault("metrics.flush_every", "60s")
}

// Load resolves the configuration. A missing config file or .env file is
// not an error.
func Load(opts Options) (*Config, error) {
	if !opts.SkipEnvFile {
		envFile := opts.EnvFile
		if envFile == "" {
			envFile = ".env"
		}
		// godotenv never overrides variables already set.
		if err := godotenv.Load(envFile); err != nil && opts.EnvFile != "" {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("qbank")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("QBANK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("storage.dsn", "QBANK_STORAGE_DSN", "DATABASE_URL")
	_ = v.BindEnv("storage.kind", "QBANK_STORAGE_KIND", "STORAGE_KIND")
	_ = v.BindEnv("dataset.hub_token", "QBANK_DATASET_HUB_TOKEN", "HF_TOKEN")
	_ = v.BindEnv("audit.endpoint", "QBANK_AUDIT_ENDPOINT", "MINIO_ENDPOINT")
	_ = v.BindEnv("audit.access_key", "QBANK_AUDIT_ACCESS_KEY", "MINIO_ACCESS_KEY")
	_ = v.BindEnv("audit.secret_key", "QBANK_AUDIT_SECRET_KEY", "MINIO_SECRET_KEY")
	_ = v.BindEnv("audit.bucket", "QBANK_AUDIT_BUCKET", "MINIO_BUCKET")
	_ = v.BindEnv("metrics.backend", "QBANK_METRICS_BACKEND", "METRICS_BACKEND")
	_ = v.BindEnv("metrics.pushgateway_url", "QBANK_METRICS_PUSHGATEWAY_URL", "PUSHGATEWAY_URL")
	_ = v.BindEnv("metrics.tags", "QBANK_METRICS_TAGS", "METRICS_TAGS")
	_ = v.BindEnv("tracing.endpoint", "QBANK_TRACING_ENDPOINT", "TRACING_COLLECTOR_ENDPOINT")
	_ = v.BindEnv("env", "QBANK_ENV", "APP_ENV")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || opts.ConfigFile != "" {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values no command can run with.
func (c *Config) Validate() error {
	switch {
	case c.Import.BatchSize <= 0:
		return fmt.Errorf("config: import.batch_size must be > 0, got %d", c.Import.BatchSize)
	case c.Reconcile.BatchSize <= 0:
		return fmt.Errorf("config: reconcile.batch_size must be > 0, got %d", c.Reconcile.BatchSize)
	case c.Reconcile.MigrateBatchSize <= 0:
		return fmt.Errorf("config: reconcile.migrate_batch_size must be > 0, got %d", c.Reconcile.MigrateBatchSize)
	case c.Import.Pause < 0 || c.Reconcile.Pause < 0:
		return fmt.Errorf("config: pauses must not be negative")
	case strings.TrimSpace(c.Storage.QuestionsTable) == "" || strings.TrimSpace(c.Storage.StatsTable) == "":
		return fmt.Errorf("config: table names must not be empty")
	}
	return nil
}

// RequireDSN returns the storage DSN. The memory backend needs none.
func (s Storage) RequireDSN() (string, error) {
	if s.DSN == "" && s.Kind != "memory" {
		return "", ErrMissingDSN
	}
	return s.DSN, nil
}
