// Package config loads the courier configuration file. Loading is a fixed
// pipeline: parse the YAML, apply defaults, normalize values against the
// config file's directory, then validate. Components receive the resulting
// immutable structs through their constructors.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/genseq/courier/internal/deliver"
	"github.com/genseq/courier/internal/report"
)

// Supported transfer backends.
const (
	BackendRsync = "rsync"
	BackendMover = "mover"
	BackendS3    = "s3"
)

// LogConfig controls process logging and the per-project delivery journal.
type LogConfig struct {
	Level string `yaml:"level"`
	// Dir receives the journal files and transfer logs by default.
	Dir string `yaml:"dir"`
}

// StatusDBConfig is the document store connection.
type StatusDBConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DSN builds the connection string, embedding credentials when present.
func (c StatusDBConfig) DSN() string {
	if c.Username == "" {
		return c.URL
	}
	rest, ok := strings.CutPrefix(c.URL, "https://")
	scheme := "https://"
	if !ok {
		rest = strings.TrimPrefix(c.URL, "http://")
		scheme = "http://"
	}
	return fmt.Sprintf("%s%s:%s@%s", scheme, c.Username, c.Password, rest)
}

// DeliveryConfig configures the state machine paths and file patterns.
type DeliveryConfig struct {
	StagingPath   string            `yaml:"staging_path"`
	DeliveryPath  string            `yaml:"delivery_path"`
	LogPath       string            `yaml:"log_path"`
	StatusPath    string            `yaml:"status_path"`
	HashAlgorithm string            `yaml:"hash_algorithm"`
	Files         []deliver.Pattern `yaml:"files_to_deliver"`
	MiscFiles     []deliver.Pattern `yaml:"misc_files"`
	Report        *report.Config    `yaml:"report"`
}

// MoverConfig configures the tape-archive backend.
type MoverConfig struct {
	OutboxCmd       string `yaml:"outbox_cmd"`
	InfoCmd         string `yaml:"info_cmd"`
	RequiredVersion string `yaml:"required_version"`
}

// S3Config configures the object-store backend.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Secure    bool   `yaml:"secure"`
}

// TransferConfig selects and configures the transfer backend.
type TransferConfig struct {
	Backend    string      `yaml:"backend"`
	RemoteUser string      `yaml:"remote_user"`
	RemoteHost string      `yaml:"remote_host"`
	Mover      MoverConfig `yaml:"mover"`
	S3         S3Config    `yaml:"s3"`
}

// OrderPortalConfig is the order-tracking service used to resolve delivery
// recipients.
type OrderPortalConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// ClusterConfig configures cluster-provisioned deliveries.
type ClusterConfig struct {
	HardStagePath string            `yaml:"hard_stage_path"`
	APIURL        string            `yaml:"api_url"`
	APIUser       string            `yaml:"api_user"`
	APIPassword   string            `yaml:"api_password"`
	OrderPortal   OrderPortalConfig `yaml:"order_portal"`
}

// Duration parses YAML durations in time.ParseDuration syntax ("30s",
// "48h").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MonitorConfig bounds the asynchronous convergence loop.
type MonitorConfig struct {
	MaxWait      Duration `yaml:"max_wait"`
	PollInterval Duration `yaml:"poll_interval"`
}

// NotifyConfig is the operator alert command.
type NotifyConfig struct {
	Command []string `yaml:"command"`
}

// Config is the full courier configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	StatusDB StatusDBConfig `yaml:"statusdb"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Transfer TransferConfig `yaml:"transfer"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// Load reads, parses and validates the configuration at path. Relative
// paths inside the file resolve against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.normalize(base)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Delivery.HashAlgorithm == "" {
		c.Delivery.HashAlgorithm = "md5"
	}
	if c.Delivery.LogPath == "" {
		c.Delivery.LogPath = c.Log.Dir
	}
	if c.Transfer.Backend == "" {
		c.Transfer.Backend = BackendRsync
	}
	if c.Monitor.MaxWait == 0 {
		c.Monitor.MaxWait = Duration(7 * 24 * time.Hour)
	}
	if c.Monitor.PollInterval == 0 {
		c.Monitor.PollInterval = Duration(30 * time.Second)
	}
}

func (c *Config) normalize(base string) {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Dir = resolvePath(base, c.Log.Dir)
	c.Transfer.Backend = strings.ToLower(strings.TrimSpace(c.Transfer.Backend))
	c.StatusDB.URL = strings.TrimSpace(c.StatusDB.URL)
	c.Cluster.APIURL = strings.TrimRight(strings.TrimSpace(c.Cluster.APIURL), "/")
	c.Cluster.OrderPortal.URL = strings.TrimRight(strings.TrimSpace(c.Cluster.OrderPortal.URL), "/")
	// path templates stay verbatim; placeholders are resolved per unit
}

func (c *Config) validate() error {
	if c.StatusDB.URL == "" {
		return fmt.Errorf("statusdb.url is required")
	}
	if c.Delivery.StagingPath == "" {
		return fmt.Errorf("delivery.staging_path is required")
	}
	if len(c.Delivery.Files) == 0 {
		return fmt.Errorf("delivery.files_to_deliver must name at least one pattern")
	}
	switch c.Transfer.Backend {
	case BackendRsync:
		if c.Delivery.DeliveryPath == "" {
			return fmt.Errorf("delivery.delivery_path is required for the rsync backend")
		}
	case BackendMover:
		if c.Cluster.HardStagePath == "" {
			return fmt.Errorf("cluster.hard_stage_path is required for the mover backend")
		}
		if c.Cluster.APIURL == "" {
			return fmt.Errorf("cluster.api_url is required for the mover backend")
		}
	case BackendS3:
		if c.Transfer.S3.Endpoint == "" || c.Transfer.S3.Bucket == "" {
			return fmt.Errorf("transfer.s3.endpoint and transfer.s3.bucket are required for the s3 backend")
		}
	default:
		return fmt.Errorf("transfer.backend must be one of %s, %s, %s", BackendRsync, BackendMover, BackendS3)
	}
	if c.Monitor.MaxWait < 0 || c.Monitor.PollInterval < 0 {
		return fmt.Errorf("monitor durations must not be negative")
	}
	return nil
}

// DeliverConfig assembles the state machine configuration, applying the
// per-invocation mode flags.
func (c *Config) DeliverConfig(force, stageOnly, ignoreAnalysis, noChecksum bool, algorithm string) deliver.Config {
	if algorithm == "" {
		algorithm = c.Delivery.HashAlgorithm
	}
	return deliver.Config{
		StagingPath:          c.Delivery.StagingPath,
		DeliveryPath:         c.Delivery.DeliveryPath,
		LogPath:              c.Delivery.LogPath,
		StatusPath:           c.Delivery.StatusPath,
		HashAlgorithm:        algorithm,
		NoChecksum:           noChecksum,
		SamplePatterns:       c.Delivery.Files,
		MiscPatterns:         c.Delivery.MiscFiles,
		Force:                force,
		StageOnly:            stageOnly,
		IgnoreAnalysisStatus: ignoreAnalysis,
	}
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}
