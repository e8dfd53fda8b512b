// Package config loads and validates spider configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Checkpoint backends.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Run         RunConfig         `mapstructure:"run"`
	Checkpoint  CheckpointConfig  `mapstructure:"checkpoint"`
	Crawl       CrawlConfig       `mapstructure:"crawl"`
	Source      SourceConfig      `mapstructure:"source"`
	Batch       BatchConfig       `mapstructure:"batch"`
	Delivery    DeliveryConfig    `mapstructure:"delivery"`
	Search      SearchConfig      `mapstructure:"search"`
	Bus         BusConfig         `mapstructure:"bus"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	DB          DBConfig          `mapstructure:"db"`
	Distributor DistributorConfig `mapstructure:"distributor"`
	Affiliation AffiliationConfig `mapstructure:"affiliation"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig controls serve mode.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// Interval is the pause between the start of two scheduled passes.
	Interval time.Duration `mapstructure:"interval"`
	APIKey   string        `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RunConfig shapes one pipeline pass.
type RunConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	Phases       []string      `mapstructure:"phases"`
	DryRun       bool          `mapstructure:"dry_run"`
	ReadOnly     bool          `mapstructure:"read_only"`
	ScheddFilter []string      `mapstructure:"schedd_filter"`
}

// CheckpointConfig selects the watermark store and the window policy.
type CheckpointConfig struct {
	Backend           string        `mapstructure:"backend"`
	Path              string        `mapstructure:"path"`
	RedisURL          string        `mapstructure:"redis_url"`
	KeyPrefix         string        `mapstructure:"key_prefix"`
	InitialWindow     time.Duration `mapstructure:"initial_window"`
	BurstyPrefixes    []string      `mapstructure:"bursty_prefixes"`
	BurstyMaxLookback time.Duration `mapstructure:"bursty_max_lookback"`
	Retention         time.Duration `mapstructure:"retention"`
	Overlap           time.Duration `mapstructure:"overlap"`
}

// CrawlConfig governs crawl tasks.
type CrawlConfig struct {
	Workers           int           `mapstructure:"workers"`
	MaxDocuments      int           `mapstructure:"max_documents"`
	AbortMargin       time.Duration `mapstructure:"abort_margin"`
	QueueSlack        time.Duration `mapstructure:"queue_slack"`
	PoolName          string        `mapstructure:"pool_name"`
	KeepFullQueueData bool          `mapstructure:"keep_full_queue_data"`
}

// SourceConfig configures the HTTP source client.
type SourceConfig struct {
	// BaseURL is the registry endpoint; empty selects FixtureDir.
	BaseURL    string        `mapstructure:"base_url"`
	FixtureDir string        `mapstructure:"fixture_dir"`
	UserAgent  string        `mapstructure:"user_agent"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RPS        float64       `mapstructure:"rps"`
	Burst      int           `mapstructure:"burst"`
	// HostRPS overrides RPS per gateway host.
	HostRPS map[string]float64 `mapstructure:"host_rps"`
	CertFile   string        `mapstructure:"cert_file"`
	KeyFile    string        `mapstructure:"key_file"`
	CAFile     string        `mapstructure:"ca_file"`
}

// BatchConfig sizes the batcher.
type BatchConfig struct {
	Size        int           `mapstructure:"size"`
	MaxWait     time.Duration `mapstructure:"max_wait"`
	InputDepth  int           `mapstructure:"input_depth"`
	OutputDepth int           `mapstructure:"output_depth"`
}

// DeliveryConfig sizes the upload lanes.
type DeliveryConfig struct {
	// UploadWorkers is the writer count per sink. Zero derives it from
	// crawl.workers.
	UploadWorkers int           `mapstructure:"upload_workers"`
	// SinkQueue bounds the batches waiting on each sink.
	SinkQueue     int           `mapstructure:"sink_queue"`
	SinkTimeout   time.Duration `mapstructure:"sink_timeout"`
	// Reserve is held back from crawling for the final flush.
	Reserve    time.Duration `mapstructure:"reserve"`
	AbortGrace time.Duration `mapstructure:"abort_grace"`
}

// SearchConfig configures the search-index sink.
type SearchConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Addresses   []string `mapstructure:"addresses"`
	Username    string   `mapstructure:"username"`
	Password    string   `mapstructure:"password"`
	IndexPrefix string   `mapstructure:"index_prefix"`
	// FeedQueue sends queue-phase documents to the index as well.
	FeedQueue bool `mapstructure:"feed_queue"`
}

// BusConfig configures the message-bus sink.
type BusConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
	DocType   string `mapstructure:"doc_type"`
}

// ArchiveConfig configures the archive sink. GCSBucket wins over LocalDir.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls the run-summary database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	ResultTable     string        `mapstructure:"result_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DistributorConfig configures distributed mode.
type DistributorConfig struct {
	RedisURL          string        `mapstructure:"redis_url"`
	Queue             string        `mapstructure:"queue"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	WorkerConcurrency int           `mapstructure:"worker_concurrency"`
	ResultTTL         time.Duration `mapstructure:"result_ttl"`
}

// AffiliationConfig locates the affiliation cache and its upstream.
type AffiliationConfig struct {
	Path   string        `mapstructure:"path"`
	URL    string        `mapstructure:"url"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	Tracing     bool    `mapstructure:"tracing"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	// Exporter is "none" or "gcp" (Cloud Trace).
	Exporter  string `mapstructure:"exporter"`
	ProjectID string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPIDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.interval", "12m")
	v.SetDefault("logging.development", false)
	v.SetDefault("run.timeout", "11m")
	v.SetDefault("run.phases", []string{"history"})
	v.SetDefault("checkpoint.backend", BackendFile)
	v.SetDefault("checkpoint.path", "checkpoint.json")
	v.SetDefault("checkpoint.key_prefix", "spider:checkpoint:")
	v.SetDefault("checkpoint.initial_window", "12h")
	v.SetDefault("checkpoint.bursty_prefixes", []string{"crab"})
	v.SetDefault("checkpoint.bursty_max_lookback", "12h")
	v.SetDefault("checkpoint.retention", "936h")
	v.SetDefault("checkpoint.overlap", "720s")
	v.SetDefault("crawl.workers", 8)
	v.SetDefault("crawl.abort_margin", "5s")
	v.SetDefault("crawl.queue_slack", "1m")
	v.SetDefault("crawl.pool_name", "Unknown")
	v.SetDefault("source.user_agent", "condor-spider/1.0")
	v.SetDefault("source.timeout", "5m")
	v.SetDefault("source.rps", 0)
	v.SetDefault("source.burst", 1)
	v.SetDefault("batch.size", 500)
	v.SetDefault("batch.max_wait", "30s")
	v.SetDefault("batch.input_depth", 4096)
	v.SetDefault("batch.output_depth", 4)
	v.SetDefault("delivery.upload_workers", 0)
	v.SetDefault("delivery.sink_queue", 64)
	v.SetDefault("delivery.sink_timeout", "60s")
	v.SetDefault("delivery.reserve", "30s")
	v.SetDefault("delivery.abort_grace", "5s")
	v.SetDefault("search.index_prefix", "cms")
	v.SetDefault("bus.doc_type", "htcondor_job_info")
	v.SetDefault("archive.prefix", "spider")
	v.SetDefault("db.table", "spider_runs")
	v.SetDefault("db.result_table", "spider_run_sources")
	v.SetDefault("distributor.queue", "spider:tasks")
	v.SetDefault("distributor.max_attempts", 3)
	v.SetDefault("distributor.base_delay", "2s")
	v.SetDefault("distributor.max_delay", "1m")
	v.SetDefault("distributor.worker_concurrency", 4)
	v.SetDefault("distributor.result_ttl", "1h")
	v.SetDefault("affiliation.path", "affiliations.json")
	v.SetDefault("affiliation.max_age", "72h")
	v.SetDefault("telemetry.service_name", "condor-spider")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.exporter", "none")
}

// Validate enforces required values and reasonable limits. Its errors are
// fatal: nothing is crawled with an invalid configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Run.Timeout <= 0 {
		return fmt.Errorf("run.timeout must be > 0")
	}
	if len(c.Run.Phases) == 0 {
		return fmt.Errorf("run.phases must name at least one phase")
	}
	for _, phase := range c.Run.Phases {
		if phase != "history" && phase != "queue" {
			return fmt.Errorf("run.phases: unknown phase %q", phase)
		}
	}
	if c.Crawl.Workers <= 0 {
		return fmt.Errorf("crawl.workers must be > 0")
	}
	if c.Batch.Size <= 0 {
		return fmt.Errorf("batch.size must be > 0")
	}
	if c.Delivery.UploadWorkers < 0 {
		return fmt.Errorf("delivery.upload_workers must be >= 0")
	}
	if c.Delivery.SinkQueue <= 0 {
		return fmt.Errorf("delivery.sink_queue must be > 0")
	}
	switch c.Checkpoint.Backend {
	case BackendFile:
		if c.Checkpoint.Path == "" {
			return fmt.Errorf("checkpoint.path must be set for the file backend")
		}
	case BackendRedis:
		if c.Checkpoint.RedisURL == "" {
			return fmt.Errorf("checkpoint.redis_url must be set for the redis backend")
		}
	default:
		return fmt.Errorf("checkpoint.backend: unknown backend %q", c.Checkpoint.Backend)
	}
	if c.Search.Enabled && len(c.Search.Addresses) == 0 {
		return fmt.Errorf("search.addresses must be set when the search sink is enabled")
	}
	if c.Bus.Enabled && (c.Bus.ProjectID == "" || c.Bus.Topic == "") {
		return fmt.Errorf("bus.project_id and bus.topic must be set when the bus sink is enabled")
	}
	if c.Archive.Enabled && c.Archive.GCSBucket == "" && c.Archive.LocalDir == "" {
		return fmt.Errorf("archive.gcs_bucket or archive.local_dir must be set when the archive sink is enabled")
	}
	if e := c.Telemetry.Exporter; e != "" && e != "none" && e != "gcp" {
		return fmt.Errorf("telemetry.exporter: unknown exporter %q", e)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

// ValidateDistributed checks the settings distributed mode needs.
func (c Config) ValidateDistributed() error {
	if c.Distributor.RedisURL == "" {
		return fmt.Errorf("distributor.redis_url must be set in distributed mode")
	}
	if c.Distributor.WorkerConcurrency <= 0 {
		return fmt.Errorf("distributor.worker_concurrency must be > 0")
	}
	return nil
}

// UploadWorkers returns the configured writers per sink, or half the crawl
// pool (at least one) when unset.
func (c Config) UploadWorkers() int {
	if c.Delivery.UploadWorkers > 0 {
		return c.Delivery.UploadWorkers
	}
	return max(1, c.Crawl.Workers/2)
}

// HasPhase reports whether phase is enabled for a pass.
func (c Config) HasPhase(phase string) bool {
	for _, p := range c.Run.Phases {
		if p == phase {
			return true
		}
	}
	return false
}
