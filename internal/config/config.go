// Package config loads and validates scanner configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. EXAMSCAN_SESSION_COOKIE.
const EnvPrefix = "EXAMSCAN"

// Progress display modes.
const (
	ProgressAuto     = "auto"
	ProgressTerminal = "terminal"
	ProgressLog      = "log"
	ProgressOff      = "off"
)

// FlagBindings maps config keys to the command line flags that override them.
var FlagBindings = map[string]string{
	"session.cookie":   "session-cookie",
	"session.id":       "session-id",
	"scan.threads":     "threads",
	"progress.mode":    "progress",
	"output.hits_file": "hits-file",
	"server.listen":    "listen",
}

// Config captures all scanner configuration knobs loaded via Viper.
type Config struct {
	Session  SessionConfig  `mapstructure:"session"`
	Scan     ScanConfig     `mapstructure:"scan"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Progress ProgressConfig `mapstructure:"progress"`
	Output   OutputConfig   `mapstructure:"output"`
	Report   ReportConfig   `mapstructure:"report"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// SessionConfig holds the CampusNet session used by every probe.
type SessionConfig struct {
	Cookie  string `mapstructure:"cookie"`
	ID      uint64 `mapstructure:"id"`
	BaseURL string `mapstructure:"base_url"`
}

// ScanConfig governs the worker pool and the search window.
type ScanConfig struct {
	Threads           int   `mapstructure:"threads"`
	WindowBackwards   int64 `mapstructure:"window_backwards"`
	WindowForwards    int64 `mapstructure:"window_forwards"`
	MaxAttempts       int   `mapstructure:"max_attempts"`
	RetryBackoffMs    int   `mapstructure:"retry_backoff_ms"`
	RetryBackoffMaxMs int   `mapstructure:"retry_backoff_max_ms"`
}

// HTTPConfig configures the probe transport.
type HTTPConfig struct {
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	UserAgent      string  `mapstructure:"user_agent"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// ProgressConfig controls the status line and the event hub.
type ProgressConfig struct {
	Mode           string `mapstructure:"mode"`
	IntervalMs     int    `mapstructure:"interval_ms"`
	BufferSize     int    `mapstructure:"buffer_size"`
	BatchEvents    int    `mapstructure:"batch_events"`
	BatchWaitMs    int    `mapstructure:"batch_wait_ms"`
	SinkTimeoutSec int    `mapstructure:"sink_timeout_seconds"`
	LogEvents      bool   `mapstructure:"log_events"`
}

// OutputConfig sets where discovered exam ids are written.
type OutputConfig struct {
	HitsFile string `mapstructure:"hits_file"`
}

// ReportConfig selects the run report destination; at most one of LocalDir
// and GCSBucket may be set.
type ReportConfig struct {
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the hit database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	RunsTable    string `mapstructure:"runs_table"`
	HitsTable    string `mapstructure:"hits_table"`
	MaxConns     int32  `mapstructure:"max_conns"`
	CreateSchema bool   `mapstructure:"create_schema"`
}

// PubSubConfig holds metadata for hit notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// ServerConfig controls the optional status HTTP server.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from defaults, an optional file, the environment and
// flags, in increasing order of precedence. With an empty path, examscan.yaml
// is looked up in the working directory and $HOME/.examscan; a missing file
// is not an error.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		for key, name := range FlagBindings {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("examscan")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.examscan")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("session.cookie", "")
	v.SetDefault("session.id", 0)
	v.SetDefault("session.base_url", "https://www.tucan.tu-darmstadt.de/scripts/mgrqispi.dll")
	v.SetDefault("scan.threads", 8)
	v.SetDefault("scan.window_backwards", 150)
	v.SetDefault("scan.window_forwards", 150)
	v.SetDefault("scan.max_attempts", 5)
	v.SetDefault("scan.retry_backoff_ms", 0)
	v.SetDefault("scan.retry_backoff_max_ms", 2000)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.user_agent", "examscan/0.1")
	v.SetDefault("http.rate_limit_rps", 0)
	v.SetDefault("http.rate_limit_burst", 1)
	v.SetDefault("progress.mode", ProgressAuto)
	v.SetDefault("progress.interval_ms", 1000)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch_events", 256)
	v.SetDefault("progress.batch_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_seconds", 10)
	v.SetDefault("progress.log_events", false)
	v.SetDefault("output.hits_file", "")
	v.SetDefault("report.local_dir", "")
	v.SetDefault("report.gcs_bucket", "")
	v.SetDefault("report.prefix", "runs")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.runs_table", "scan_runs")
	v.SetDefault("db.hits_table", "exam_ids")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.create_schema", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_id", "")
	v.SetDefault("server.listen", "")
	v.SetDefault("server.api_key", "")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Session.Cookie) == "" {
		return fmt.Errorf("session.cookie is required")
	}
	if c.Session.ID == 0 {
		return fmt.Errorf("session.id is required")
	}
	if c.Session.BaseURL == "" {
		return fmt.Errorf("session.base_url is required")
	}
	if c.Scan.Threads <= 0 {
		return fmt.Errorf("scan.threads must be > 0")
	}
	if c.Scan.WindowBackwards < 0 || c.Scan.WindowForwards < 0 {
		return fmt.Errorf("scan.window_backwards and scan.window_forwards must be >= 0")
	}
	if c.Scan.MaxAttempts <= 0 {
		return fmt.Errorf("scan.max_attempts must be > 0")
	}
	if c.Scan.RetryBackoffMs < 0 || c.Scan.RetryBackoffMaxMs < 0 {
		return fmt.Errorf("scan.retry_backoff_ms must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.RateLimitRPS < 0 {
		return fmt.Errorf("http.rate_limit_rps must be >= 0")
	}
	switch c.Progress.Mode {
	case ProgressAuto, ProgressTerminal, ProgressLog, ProgressOff:
	default:
		return fmt.Errorf("progress.mode must be one of auto, terminal, log, off")
	}
	if c.Report.LocalDir != "" && c.Report.GCSBucket != "" {
		return fmt.Errorf("report.local_dir and report.gcs_bucket are mutually exclusive")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicID == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_id must be set together")
	}
	return nil
}

// HTTPTimeout returns the per-request probe timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RetryBackoff returns the initial and maximum delay between probe attempts.
func (c Config) RetryBackoff() (initial, maxDelay time.Duration) {
	return time.Duration(c.Scan.RetryBackoffMs) * time.Millisecond,
		time.Duration(c.Scan.RetryBackoffMaxMs) * time.Millisecond
}

// ReportInterval returns how often the status line refreshes.
func (c Config) ReportInterval() time.Duration {
	return time.Duration(c.Progress.IntervalMs) * time.Millisecond
}
