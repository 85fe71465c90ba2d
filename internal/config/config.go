package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type ConnectionConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type BigQueryConfig struct {
	Dataset              string        `mapstructure:"dataset"`
	Table                string        `mapstructure:"table"`
	TemplateFile         string        `mapstructure:"template_file"`
	Location             string        `mapstructure:"location"`
	Priority             string        `mapstructure:"priority"`
	LegacySQL            *bool         `mapstructure:"legacy_sql"`
	QueryPollInterval    time.Duration `mapstructure:"query_poll_interval"`
	QueryTimeout         time.Duration `mapstructure:"query_timeout"`
	ExportPollInterval   time.Duration `mapstructure:"export_poll_interval"`
	ExportTimeout        time.Duration `mapstructure:"export_timeout"`
	DiscoveryConcurrency int           `mapstructure:"discovery_concurrency"`
	RequestsPerSecond    float64       `mapstructure:"requests_per_second"`
}

type StorageConfig struct {
	Bucket string `mapstructure:"bucket"`
	Object string `mapstructure:"object"`
}

// URI is where the export lands, empty when no bucket is configured.
func (s StorageConfig) URI() string {
	if s.Bucket == "" || s.Object == "" {
		return ""
	}
	return "gs://" + s.Bucket + "/" + strings.TrimPrefix(s.Object, "/")
}

type ExportConfig struct {
	Compression    string `mapstructure:"compression"`
	Format         string `mapstructure:"format"`
	PrintHeader    *bool  `mapstructure:"print_header"`
	FieldDelimiter string `mapstructure:"field_delimiter"`
}

type DestinationConfig struct {
	File         string `mapstructure:"file"`
	VerticaTable string `mapstructure:"vertica_table"`
}

type LoaderConfig struct {
	Mode       string        `mapstructure:"mode"`
	Container  string        `mapstructure:"container"`
	Binary     string        `mapstructure:"binary"`
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	Database   string        `mapstructure:"database"`
	User       string        `mapstructure:"user"`
	Password   string        `mapstructure:"password"`
	Skip       int           `mapstructure:"skip"`
	Enclosure  string        `mapstructure:"enclosure"`
	Delimiter  string        `mapstructure:"delimiter"`
	Terminator string        `mapstructure:"terminator"`
	Gzip       *bool         `mapstructure:"gzip"`
	Timeout    time.Duration `mapstructure:"timeout"`
	TempDir    string        `mapstructure:"temp_dir"`
}

type EmailConfig struct {
	From       string   `mapstructure:"from"`
	SMTPHost   string   `mapstructure:"smtp_host"`
	SMTPPort   int      `mapstructure:"smtp_port"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	Recipients []string `mapstructure:"recipients"`
}

// Enabled reports whether run notifications should be mailed.
func (e EmailConfig) Enabled() bool {
	return e.SMTPHost != "" && e.From != "" && len(e.Recipients) > 0
}

type Config struct {
	Connection  ConnectionConfig  `mapstructure:"connection"`
	BigQuery    BigQueryConfig    `mapstructure:"bigquery"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Export      ExportConfig      `mapstructure:"export"`
	Destination DestinationConfig `mapstructure:"destination"`
	Loader      LoaderConfig      `mapstructure:"loader"`
	DatabaseURL string            `mapstructure:"database_url"`
	ServerPort  string            `mapstructure:"server_port"`
	JWTSecret   string            `mapstructure:"jwt_secret"`
	Schedule    string            `mapstructure:"schedule"`
	Email       EmailConfig       `mapstructure:"email"`
	LogLevel    string            `mapstructure:"log_level"`
}

// Load reads the configuration from a YAML file. With an empty path it looks
// for config.yaml in the current directory and ./config.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.AddConfigPath("./config")
	}
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BQRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v, reflect.TypeOf(Config{}), "")
	v.SetDefault("loader.skip", 1)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// bindEnv registers every mapstructure key so BQRUNNER_* variables apply
// even when the file does not mention the key.
func bindEnv(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key := f.Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		if f.Type.Kind() == reflect.Struct {
			bindEnv(v, f.Type, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}

func boolPtr(b bool) *bool { return &b }

func (c *Config) applyDefaults() {
	// Fallback defaults
	if c.ServerPort == "" {
		c.ServerPort = "8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	bq := &c.BigQuery
	if bq.Priority == "" {
		bq.Priority = "BATCH"
	}
	if bq.LegacySQL == nil {
		bq.LegacySQL = boolPtr(true)
	}
	if bq.QueryPollInterval == 0 {
		bq.QueryPollInterval = 5 * time.Second
	}
	if bq.QueryTimeout == 0 {
		bq.QueryTimeout = 24 * time.Hour
	}
	if bq.ExportPollInterval == 0 {
		bq.ExportPollInterval = 5 * time.Second
	}
	if bq.ExportTimeout == 0 {
		bq.ExportTimeout = 300 * time.Second
	}
	if bq.DiscoveryConcurrency == 0 {
		bq.DiscoveryConcurrency = 1
	}

	if c.Export.Compression == "" {
		c.Export.Compression = "GZIP"
	}
	if c.Export.Format == "" {
		c.Export.Format = "CSV"
	}

	l := &c.Loader
	if l.Mode == "" {
		l.Mode = "local"
	}
	if l.Binary == "" {
		l.Binary = "vsql"
	}
	if l.Port == 0 {
		l.Port = 5433
	}
	if l.Enclosure == "" {
		l.Enclosure = `"`
	}
	if l.Delimiter == "" {
		l.Delimiter = ","
	}
	if l.Gzip == nil {
		l.Gzip = boolPtr(true)
	}
	if l.Timeout == 0 {
		l.Timeout = time.Hour
	}
	if l.TempDir == "" {
		l.TempDir = "/tmp"
	}

	if c.Email.SMTPPort == 0 {
		c.Email.SMTPPort = 587
	}
}

// Validate checks the keys every command needs.
func (c *Config) Validate() error {
	var missing []string
	if c.Connection.ProjectID == "" {
		missing = append(missing, "connection.project_id")
	}
	if c.BigQuery.Dataset == "" {
		missing = append(missing, "bigquery.dataset")
	}
	if c.BigQuery.Table == "" {
		missing = append(missing, "bigquery.table")
	}
	if c.BigQuery.TemplateFile == "" {
		missing = append(missing, "bigquery.template_file")
	}
	if len(missing) > 0 {
		return errors.Errorf("missing required config keys: %s", strings.Join(missing, ", "))
	}

	switch c.Loader.Mode {
	case "local":
	case "docker":
		if c.Loader.Container == "" {
			return errors.New("loader.container is required in docker mode")
		}
	default:
		return errors.Errorf("loader.mode must be local or docker, got %q", c.Loader.Mode)
	}
	if c.BigQuery.QueryTimeout < 0 || c.BigQuery.ExportTimeout < 0 {
		return errors.New("bigquery timeouts must not be negative")
	}
	return nil
}

// LoadEnabled reports whether downloaded exports can be loaded into Vertica.
func (c *Config) LoadEnabled() bool {
	return c.Storage.URI() != "" && c.Destination.File != "" && c.Destination.VerticaTable != ""
}
