// Package config loads settings from an optional TOML file and BYPASS_*
// environment variables.  Environment values override the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LogLevel string `toml:"log_level"`

	// Queue and state
	QueuePath      string        `toml:"queue_path"`
	StoreBackend   string        `toml:"store_backend"` // "file" | "sqlite"
	StorePath      string        `toml:"store_path"`    // file backend
	DBPath         string        `toml:"db_path"`       // sqlite backend
	LockPath       string        `toml:"lock_path"`
	LockStaleAfter time.Duration `toml:"lock_stale_after"`
	DisableFlag    string        `toml:"disable_flag"`

	BatchSize int      `toml:"batch_size"`
	Zones     []string `toml:"zones"` // empty = zones present in the store

	// Portal
	PortalURL     string        `toml:"portal_url"`
	PortalToken   string        `toml:"portal_token"`
	PortalTimeout time.Duration `toml:"portal_timeout"`

	SelfTag      string `toml:"self_tag"`
	CompanionTag string `toml:"companion_tag"`

	// Backups
	BackupDir    string        `toml:"backup_dir"`
	BackupPeriod time.Duration `toml:"backup_period"`
	BackupKeep   int           `toml:"backup_keep"`
	S3Bucket     string        `toml:"s3_bucket"` // empty disables the mirror
	S3Prefix     string        `toml:"s3_prefix"`
	S3Region     string        `toml:"s3_region"`
	S3Endpoint   string        `toml:"s3_endpoint"`

	// Events
	NATSURL  string `toml:"nats_url"` // empty disables publishing
	Instance string `toml:"instance"`

	// Serve mode
	HTTPAddr      string        `toml:"http_addr"`
	GRPCAddr      string        `toml:"grpc_addr"` // empty disables gRPC health
	APIToken      string        `toml:"api_token"`
	RunInterval   time.Duration `toml:"run_interval"`
	HealthRefresh time.Duration `toml:"health_refresh"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	host, _ := os.Hostname()
	return Config{
		LogLevel: "info",

		QueuePath:      "./data/queue.jsonl",
		StoreBackend:   "file",
		StorePath:      "./data/bindings.json",
		DBPath:         "./data/voucher-bypass.db",
		LockPath:       "./data/run.lock",
		LockStaleAfter: 10 * time.Minute,
		DisableFlag:    "./data/disabled",

		BatchSize: 2000,

		PortalURL:     "http://127.0.0.1:8480",
		PortalTimeout: 15 * time.Second,

		BackupDir:    "./data/backups",
		BackupPeriod: 24 * time.Hour,
		BackupKeep:   14,

		Instance: host,

		HTTPAddr:      "127.0.0.1:8090",
		RunInterval:   time.Minute,
		HealthRefresh: 30 * time.Second,
	}
}

// Load reads path (or $BYPASS_CONFIG when path is empty) over the
// defaults, then applies the environment.  A missing file named only by
// the environment is not an error.
func Load(path string) (Config, error) {
	cfg := Defaults()

	explicit := path != ""
	if !explicit {
		path = os.Getenv("BYPASS_CONFIG")
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !(errors.Is(err, os.ErrNotExist) && !explicit) {
				return cfg, fmt.Errorf("config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// FromEnv is Load without a config file.
func FromEnv() (Config, error) {
	cfg := Defaults()
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	c.LogLevel = getenvDefault("BYPASS_LOG_LEVEL", c.LogLevel)

	c.QueuePath = getenvDefault("BYPASS_QUEUE_PATH", c.QueuePath)
	c.StoreBackend = strings.ToLower(getenvDefault("BYPASS_STORE_BACKEND", c.StoreBackend))
	c.StorePath = getenvDefault("BYPASS_STORE_PATH", c.StorePath)
	c.DBPath = getenvDefault("BYPASS_DB_PATH", c.DBPath)
	c.LockPath = getenvDefault("BYPASS_LOCK_PATH", c.LockPath)
	c.DisableFlag = getenvDefault("BYPASS_DISABLE_FLAG", c.DisableFlag)
	c.BatchSize = getenvInt("BYPASS_BATCH_SIZE", c.BatchSize)
	if z := splitCSV(os.Getenv("BYPASS_ZONES")); z != nil {
		c.Zones = z
	}

	c.PortalURL = getenvDefault("BYPASS_PORTAL_URL", c.PortalURL)
	c.PortalToken = getenvDefault("BYPASS_PORTAL_TOKEN", c.PortalToken)
	c.SelfTag = getenvDefault("BYPASS_SELF_TAG", c.SelfTag)
	c.CompanionTag = getenvDefault("BYPASS_COMPANION_TAG", c.CompanionTag)

	c.BackupDir = getenvDefault("BYPASS_BACKUP_DIR", c.BackupDir)
	c.BackupKeep = getenvInt("BYPASS_BACKUP_KEEP", c.BackupKeep)
	c.S3Bucket = getenvDefault("BYPASS_S3_BUCKET", c.S3Bucket)
	c.S3Prefix = getenvDefault("BYPASS_S3_PREFIX", c.S3Prefix)
	c.S3Region = getenvDefault("BYPASS_S3_REGION", c.S3Region)
	c.S3Endpoint = getenvDefault("BYPASS_S3_ENDPOINT", c.S3Endpoint)

	c.NATSURL = getenvDefault("BYPASS_NATS_URL", c.NATSURL)
	c.Instance = getenvDefault("BYPASS_INSTANCE", c.Instance)

	c.HTTPAddr = getenvDefault("BYPASS_HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = getenvDefault("BYPASS_GRPC_ADDR", c.GRPCAddr)
	c.APIToken = getenvDefault("BYPASS_API_TOKEN", c.APIToken)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"BYPASS_LOCK_STALE_AFTER", &c.LockStaleAfter},
		{"BYPASS_PORTAL_TIMEOUT", &c.PortalTimeout},
		{"BYPASS_BACKUP_PERIOD", &c.BackupPeriod},
		{"BYPASS_RUN_INTERVAL", &c.RunInterval},
		{"BYPASS_HEALTH_REFRESH", &c.HealthRefresh},
	}
	for _, d := range durations {
		if *d.dst, err = getenvDuration(d.key, *d.dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("store_backend %q: want file or sqlite", c.StoreBackend))
	}
	if c.QueuePath == "" {
		errs = append(errs, errors.New("queue_path is required"))
	}
	if c.LockPath == "" {
		errs = append(errs, errors.New("lock_path is required"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size %d: must be positive", c.BatchSize))
	}
	if c.PortalURL == "" {
		errs = append(errs, errors.New("portal_url is required"))
	}
	if c.LockStaleAfter <= 0 || c.PortalTimeout <= 0 || c.BackupPeriod <= 0 || c.RunInterval <= 0 {
		errs = append(errs, errors.New("durations must be positive"))
	}
	return errors.Join(errs...)
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
