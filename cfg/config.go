package cfg

import (
	"errors"
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
)

// Source types
const (
	SourceSpanner = "spanner"
	SourceSQL     = "sql"
)

// Row handling policies
const (
	PolicySkip  = "skip"
	PolicyBlock = "block"
)

// SourceConfiguration describes the table being mirrored
type SourceConfiguration struct {
	Type            string `toml:"type"`       // spanner or sql
	ProjectID       string `toml:"project_id"` // Spanner project
	Instance        string `toml:"instance"`
	Database        string `toml:"database"`
	Table           string `toml:"table"`
	UUIDColumn      string `toml:"uuid_column"`
	TimestampColumn string `toml:"timestamp_column"`
	Driver          string `toml:"driver"` // sql only: mysql, sqlite3, postgres
	DSN             string `toml:"dsn"`    // sql only
	EmulatorHost    string `toml:"emulator_host"`
	CredentialsFile string `toml:"credentials_file"`
	BatchSize       int    `toml:"batch_size"`
}

// DatabasePath renders the fully qualified database path
func (s SourceConfiguration) DatabasePath() string {
	return fmt.Sprintf("projects/%s/instances/%s/databases/%s", s.ProjectID, s.Instance, s.Database)
}

// TablePath renders the fully qualified table path
func (s SourceConfiguration) TablePath() string {
	return s.DatabasePath() + "/tables/" + s.Table
}

// SinkConfiguration describes the broker topic events are published to
type SinkConfiguration struct {
	Type              string   `toml:"type"` // pubsub, kafka, nats, mock
	ProjectID         string   `toml:"project_id"`
	Topic             string   `toml:"topic"`
	Brokers           []string `toml:"brokers"`
	NatsURL           string   `toml:"nats_url"`
	EmulatorHost      string   `toml:"emulator_host"`
	CredentialsFile   string   `toml:"credentials_file"`
	Ordering          bool     `toml:"ordering"`
	BatchSize         int      `toml:"batch_size"`
	PublishTimeoutMS  int      `toml:"publish_timeout_ms"`
	// Transient retries inside the publisher for each row attempt. Off by default:
	// pipeline.retry owns the per-row budget and the two multiply when both are set.
	MaxPublishRetries int      `toml:"max_publish_retries"`
}

// RetryConfiguration is the per-row publish retry policy
type RetryConfiguration struct {
	MaxAttempts int     `toml:"max_attempts"`
	BaseDelayMS int     `toml:"base_delay_ms"`
	Multiplier  float64 `toml:"multiplier"`
	Jitter      float64 `toml:"jitter"` // fraction of the delay, 0..1
	MaxDelayMS  int     `toml:"max_delay_ms"`
}

// PipelineConfiguration controls polling and dispatch
type PipelineConfiguration struct {
	PollIntervalMS    int                `toml:"poll_interval_ms"`
	MaxPollIntervalMS int                `toml:"max_poll_interval_ms"` // idle backoff cap
	MaxConcurrency    int                `toml:"max_concurrency"`
	DrainGraceMS      int                `toml:"drain_grace_ms"`
	ReadAttempts      int                `toml:"read_attempts"`
	MalformedPolicy   string             `toml:"malformed_policy"` // skip or block
	FailurePolicy     string             `toml:"failure_policy"`   // block or skip
	Retry             RetryConfiguration `toml:"retry"`
}

// ExtractorConfiguration controls how rows become payloads
type ExtractorConfiguration struct {
	Format         string   `toml:"format"`      // json, msgpack, protobuf
	Compression    string   `toml:"compression"` // none, zstd
	IncludeColumns []string `toml:"include_columns"`
	ExcludeColumns []string `toml:"exclude_columns"`
}

// StatsConfiguration controls periodic stats snapshots
type StatsConfiguration struct {
	ReportIntervalS int `toml:"report_interval_s"`
	ReportEvery     int `toml:"report_every"` // also report every N terminal events (0 = off)
	WindowSize      int `toml:"window_size"`  // latency samples kept
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the operator HTTP surface
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Secret  string `toml:"secret"` // empty disables authentication
}

// Configuration is the main configuration structure
type Configuration struct {
	InstanceID string `toml:"instance_id"`
	DataDir    string `toml:"data_dir"`

	Source     SourceConfiguration     `toml:"source"`
	Sink       SinkConfiguration       `toml:"sink"`
	Pipeline   PipelineConfiguration   `toml:"pipeline"`
	Extractor  ExtractorConfiguration  `toml:"extractor"`
	Stats      StatsConfiguration      `toml:"stats"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// ConfigError is returned when startup settings are missing or invalid
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	InstanceFlag   = flag.String("instance-id", "", "Instance ID (overrides config, empty=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default returns the default configuration
func Default() *Configuration {
	return &Configuration{
		DataDir: "./tailbridge-data",

		Source: SourceConfiguration{
			Type:            SourceSpanner,
			UUIDColumn:      "uuid",
			TimestampColumn: "commit_timestamp",
			BatchSize:       500,
		},

		Sink: SinkConfiguration{
			Type:              "pubsub",
			BatchSize:         100,
			PublishTimeoutMS:  30000,
			MaxPublishRetries: 0,
		},

		Pipeline: PipelineConfiguration{
			PollIntervalMS:    1000,
			MaxPollIntervalMS: 30000,
			MaxConcurrency:    64,
			DrainGraceMS:      10000,
			ReadAttempts:      5,
			MalformedPolicy:   PolicySkip,
			FailurePolicy:     PolicyBlock,
			Retry: RetryConfiguration{
				MaxAttempts: 5,
				BaseDelayMS: 100,
				Multiplier:  2.0,
				Jitter:      0.2,
				MaxDelayMS:  30000,
			},
		},

		Extractor: ExtractorConfiguration{
			Format:      "json",
			Compression: "none",
		},

		Stats: StatsConfiguration{
			ReportIntervalS: 30,
			ReportEvery:     0,
			WindowSize:      4096,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},

		Admin: AdminConfiguration{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    9090,
		},
	}
}

// Config is the process-wide configuration, populated once at startup
var Config = Default()

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return &ConfigError{Err: fmt.Errorf("failed to decode config: %w", err)}
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *InstanceFlag != "" {
		Config.InstanceID = *InstanceFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	if Config.InstanceID == "" {
		id, err := generateInstanceID()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}
		Config.InstanceID = id
		log.Info().Str("instance_id", id).Msg("Auto-generated instance ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateInstanceID derives a stable instance ID from the machine ID
func generateInstanceID() (string, error) {
	id, err := machineid.ProtectedID("tailbridge")
	if err != nil {
		return "", err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return strconv.FormatUint(h.Sum64(), 16), nil
}

// Validate checks the process-wide configuration
func Validate() error {
	return Config.Validate()
}

// Validate checks configuration for errors. All problems are reported
// together as a single *ConfigError.
func (c *Configuration) Validate() error {
	var err error

	switch c.Source.Type {
	case SourceSpanner:
		if isEmpty(c.Source.ProjectID) {
			err = errors.Join(err, errors.New("source.project_id cannot be empty"))
		}
		if isEmpty(c.Source.Instance) {
			err = errors.Join(err, errors.New("source.instance cannot be empty"))
		}
		if isEmpty(c.Source.Database) {
			err = errors.Join(err, errors.New("source.database cannot be empty"))
		}
	case SourceSQL:
		switch c.Source.Driver {
		case "mysql", "sqlite3", "postgres":
		default:
			err = errors.Join(err, fmt.Errorf("source.driver must be mysql, sqlite3 or postgres, got %q", c.Source.Driver))
		}
		if isEmpty(c.Source.DSN) {
			err = errors.Join(err, errors.New("source.dsn cannot be empty"))
		} else if c.Source.Driver == "mysql" {
			err = errors.Join(err, validateMySQLDSN(c.Source.DSN))
		}
	default:
		err = errors.Join(err, fmt.Errorf("unknown source type: %q", c.Source.Type))
	}

	if isEmpty(c.Source.Table) {
		err = errors.Join(err, errors.New("source.table cannot be empty"))
	}
	if isEmpty(c.Source.UUIDColumn) {
		err = errors.Join(err, errors.New("source.uuid_column cannot be empty"))
	}
	if isEmpty(c.Source.TimestampColumn) {
		err = errors.Join(err, errors.New("source.timestamp_column cannot be empty"))
	}
	if c.Source.BatchSize < 1 {
		err = errors.Join(err, errors.New("source.batch_size must be >= 1"))
	}

	if isEmpty(c.Sink.Type) {
		err = errors.Join(err, errors.New("sink.type cannot be empty"))
	}
	if isEmpty(c.Sink.Topic) {
		err = errors.Join(err, errors.New("sink.topic cannot be empty"))
	}
	switch c.Sink.Type {
	case "pubsub":
		if isEmpty(c.Sink.ProjectID) {
			err = errors.Join(err, errors.New("sink.project_id cannot be empty for pubsub"))
		}
	case "kafka":
		if len(c.Sink.Brokers) == 0 {
			err = errors.Join(err, errors.New("sink.brokers cannot be empty for kafka"))
		}
	case "nats":
		if isEmpty(c.Sink.NatsURL) {
			err = errors.Join(err, errors.New("sink.nats_url cannot be empty for nats"))
		}
	}
	if c.Sink.PublishTimeoutMS < 1 {
		err = errors.Join(err, errors.New("sink.publish_timeout_ms must be >= 1"))
	}
	if c.Sink.MaxPublishRetries < 0 {
		err = errors.Join(err, errors.New("sink.max_publish_retries must be >= 0"))
	}

	p := c.Pipeline
	if p.PollIntervalMS < 1 {
		err = errors.Join(err, errors.New("pipeline.poll_interval_ms must be >= 1"))
	}
	if p.MaxPollIntervalMS < p.PollIntervalMS {
		err = errors.Join(err, errors.New("pipeline.max_poll_interval_ms must be >= poll_interval_ms"))
	}
	if p.MaxConcurrency < 1 {
		err = errors.Join(err, errors.New("pipeline.max_concurrency must be >= 1"))
	}
	if p.DrainGraceMS < 0 {
		err = errors.Join(err, errors.New("pipeline.drain_grace_ms must be >= 0"))
	}
	if p.ReadAttempts < 1 {
		err = errors.Join(err, errors.New("pipeline.read_attempts must be >= 1"))
	}
	if p.MalformedPolicy != PolicySkip && p.MalformedPolicy != PolicyBlock {
		err = errors.Join(err, fmt.Errorf("pipeline.malformed_policy must be skip or block, got %q", p.MalformedPolicy))
	}
	if p.FailurePolicy != PolicySkip && p.FailurePolicy != PolicyBlock {
		err = errors.Join(err, fmt.Errorf("pipeline.failure_policy must be skip or block, got %q", p.FailurePolicy))
	}
	if p.Retry.MaxAttempts < 1 {
		err = errors.Join(err, errors.New("pipeline.retry.max_attempts must be >= 1"))
	}
	if p.Retry.BaseDelayMS < 0 || p.Retry.MaxDelayMS < p.Retry.BaseDelayMS {
		err = errors.Join(err, errors.New("pipeline.retry delays must satisfy 0 <= base_delay_ms <= max_delay_ms"))
	}
	if p.Retry.Multiplier < 1 {
		err = errors.Join(err, errors.New("pipeline.retry.multiplier must be >= 1"))
	}
	if p.Retry.Jitter < 0 || p.Retry.Jitter > 1 {
		err = errors.Join(err, errors.New("pipeline.retry.jitter must be within [0, 1]"))
	}

	switch c.Extractor.Format {
	case "json", "msgpack", "protobuf":
	default:
		err = errors.Join(err, fmt.Errorf("extractor.format must be json, msgpack or protobuf, got %q", c.Extractor.Format))
	}
	switch c.Extractor.Compression {
	case "", "none", "zstd":
	default:
		err = errors.Join(err, fmt.Errorf("extractor.compression must be none or zstd, got %q", c.Extractor.Compression))
	}

	if c.Stats.ReportIntervalS < 1 {
		err = errors.Join(err, errors.New("stats.report_interval_s must be >= 1"))
	}
	if c.Stats.ReportEvery < 0 {
		err = errors.Join(err, errors.New("stats.report_every must be >= 0"))
	}
	if c.Stats.WindowSize < 1 {
		err = errors.Join(err, errors.New("stats.window_size must be >= 1"))
	}

	if c.Admin.Enabled && (c.Admin.Port < 1 || c.Admin.Port > 65535) {
		err = errors.Join(err, fmt.Errorf("invalid admin port: %d", c.Admin.Port))
	}

	if err != nil {
		return &ConfigError{Err: err}
	}
	return nil
}

// validateMySQLDSN requires parseTime so DATETIME and TIMESTAMP columns
// arrive as time values rather than text
func validateMySQLDSN(dsn string) error {
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fmt.Errorf("source.dsn is not a valid mysql dsn: %w", err)
	}
	if !parsed.ParseTime {
		return errors.New("source.dsn must set parseTime=true for the mysql driver")
	}
	return nil
}

// PollInterval returns the base poll interval
func (p PipelineConfiguration) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMS) * time.Millisecond
}

// MaxPollInterval returns the idle backoff cap
func (p PipelineConfiguration) MaxPollInterval() time.Duration {
	return time.Duration(p.MaxPollIntervalMS) * time.Millisecond
}

// DrainGrace returns the shutdown drain deadline
func (p PipelineConfiguration) DrainGrace() time.Duration {
	return time.Duration(p.DrainGraceMS) * time.Millisecond
}

// PublishTimeout returns the per-attempt publish timeout
func (s SinkConfiguration) PublishTimeout() time.Duration {
	return time.Duration(s.PublishTimeoutMS) * time.Millisecond
}

// Print logs the effective configuration with secrets masked
func (c *Configuration) Print() {
	log.Info().Msg("=============================================")
	log.Info().Msg("tailbridge configured with the following properties")
	log.Info().
		Str("instance_id", c.InstanceID).
		Str("data_dir", c.DataDir).
		Msg("process")
	log.Info().
		Str("type", c.Source.Type).
		Str("table_path", c.Source.TablePath()).
		Str("driver", c.Source.Driver).
		Str("dsn", maskDSN(c.Source.DSN)).
		Str("uuid_column", c.Source.UUIDColumn).
		Str("timestamp_column", c.Source.TimestampColumn).
		Int("batch_size", c.Source.BatchSize).
		Msg("source")
	log.Info().
		Str("type", c.Sink.Type).
		Str("project_id", c.Sink.ProjectID).
		Str("topic", c.Sink.Topic).
		Strs("brokers", c.Sink.Brokers).
		Msg("sink")
	log.Info().
		Int("poll_interval_ms", c.Pipeline.PollIntervalMS).
		Int("max_concurrency", c.Pipeline.MaxConcurrency).
		Int("retry_max_attempts", c.Pipeline.Retry.MaxAttempts).
		Str("malformed_policy", c.Pipeline.MalformedPolicy).
		Str("failure_policy", c.Pipeline.FailurePolicy).
		Msg("pipeline")
	log.Info().
		Bool("enabled", c.Admin.Enabled).
		Str("address", c.Admin.Address).
		Int("port", c.Admin.Port).
		Bool("auth", c.Admin.Secret != "").
		Bool("prometheus", c.Prometheus.Enabled).
		Msg("admin")
	log.Info().Msg("=============================================")
}

// maskDSN hides the password portion of a user:password@ DSN
func maskDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return dsn
	}
	userInfo := dsn[:at]
	colon := strings.LastIndex(userInfo, ":")
	if colon < 0 || strings.HasSuffix(userInfo[:colon+1], "://") {
		return dsn
	}
	return userInfo[:colon+1] + "*******" + dsn[at:]
}

func isEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}
