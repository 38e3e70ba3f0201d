package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/retry"
)

type Config struct {
	// Job registry file (YAML).
	JobsFile string
	// Providers instantiated at startup, by registered name.
	Providers []string
	Hostname  string

	// Filesystem
	ZFSBin           string
	SnapshotLifetime time.Duration
	SnapshotPrefix   string

	Local LocalConfig
	S3    S3Config
	Azure AzureConfig

	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64
	RetryEnableJitter bool
}

type LocalConfig struct {
	Root string // base directory for relative "path" properties
}

type S3Config struct {
	Region          string
	Endpoint        string // custom endpoint for MinIO/R2/B2/Wasabi
	AccessKeyID     string // optional, falls back to the AWS credential chain
	SecretAccessKey string
	ForcePathStyle  bool
	PartSize        int64 // multipart chunk size in bytes
}

type AzureConfig struct {
	Account  string
	Endpoint string
	SASToken string

	ClientID     string
	ClientSecret string
	TenantID     string
}

const (
	DefaultJobsFile         = "./backup-jobs.yaml"
	DefaultProviders        = "local"
	DefaultSnapshotLifetime = 365 * 24 * time.Hour
	DefaultSnapshotPrefix   = "backup"
	DefaultS3PartSize       = 32 << 20
	minS3PartSize           = 5 << 20
)

// Load reads config from environment variables, applies defaults and validates.
func Load() (Config, error) {
	get := func(key, def string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return def
	}

	parseInt := func(key string, def int) int {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				return n
			}
		}
		return def
	}

	parseInt64 := func(key string, def int64) int64 {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				return n
			}
		}
		return def
	}

	parseDur := func(key string, def time.Duration) time.Duration {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if d, err := time.ParseDuration(v); err == nil {
				return d
			}
		}
		return def
	}

	parseFloat := func(key string, def float64) float64 {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				return f
			}
		}
		return def
	}

	parseBool := func(key string, def bool) bool {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "y", "on":
				return true
			case "0", "false", "no", "n", "off":
				return false
			}
		}
		return def
	}

	hostname := strings.TrimSpace(get("BACKUP_HOSTNAME", ""))
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		}
	}

	cfg := Config{
		JobsFile:  get("BACKUP_JOBS_FILE", DefaultJobsFile),
		Providers: splitList(get("BACKUP_PROVIDERS", DefaultProviders)),
		Hostname:  hostname,

		ZFSBin:           get("ZFS_BIN", "zfs"),
		SnapshotLifetime: parseDur("SNAPSHOT_LIFETIME", DefaultSnapshotLifetime),
		SnapshotPrefix:   get("SNAPSHOT_PREFIX", DefaultSnapshotPrefix),

		Local: LocalConfig{
			Root: get("LOCAL_BACKUP_ROOT", ""),
		},

		S3: S3Config{
			Region:          get("S3_REGION", get("AWS_REGION", "")),
			Endpoint:        get("S3_ENDPOINT", ""),
			AccessKeyID:     get("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: get("S3_SECRET_ACCESS_KEY", ""),
			ForcePathStyle:  parseBool("S3_FORCE_PATH_STYLE", false),
			PartSize:        parseInt64("S3_PART_SIZE", DefaultS3PartSize),
		},

		Azure: AzureConfig{
			Account:      get("AZURE_STORAGE_ACCOUNT", ""),
			Endpoint:     get("AZURE_BLOB_ENDPOINT", ""),
			SASToken:     get("AZURE_STORAGE_SAS", ""),
			ClientID:     get("AZURE_CLIENT_ID", ""),
			ClientSecret: get("AZURE_CLIENT_SECRET", ""),
			TenantID:     get("AZURE_TENANT_ID", ""),
		},

		RetryMaxAttempts:  parseInt("RETRY_MAX_ATTEMPTS", retry.Default.MaxAttempts),
		RetryInitialDelay: parseDur("RETRY_INITIAL_DELAY", retry.Default.InitialDelay),
		RetryMaxDelay:     parseDur("RETRY_MAX_DELAY", retry.Default.MaxDelay),
		RetryMultiplier:   parseFloat("RETRY_MULTIPLIER", retry.Default.Multiplier),
		RetryEnableJitter: parseBool("RETRY_JITTER", retry.Default.Jitter),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate checks general and provider-specific requirements.
func (c *Config) validate() error {
	if strings.TrimSpace(c.JobsFile) == "" {
		return errors.New("BACKUP_JOBS_FILE must not be empty")
	}
	if len(c.Providers) == 0 {
		return errors.New("BACKUP_PROVIDERS must list at least one provider")
	}
	if strings.TrimSpace(c.ZFSBin) == "" {
		return errors.New("ZFS_BIN must not be empty")
	}
	if c.SnapshotLifetime <= 0 {
		return errors.New("SNAPSHOT_LIFETIME must be positive")
	}
	for _, p := range c.Providers {
		switch p {
		case "azure":
			if c.Azure.Account == "" && c.Azure.Endpoint == "" {
				return errors.New("azure: AZURE_STORAGE_ACCOUNT or AZURE_BLOB_ENDPOINT is required")
			}
		case "s3":
			if c.S3.PartSize < minS3PartSize {
				return errors.New("s3: S3_PART_SIZE must be at least 5MiB")
			}
			if (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey == "") {
				return errors.New("s3: S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
			}
		}
	}
	return nil
}

// RetryOptions converts retry-related config values to retry.Options.
func (c Config) RetryOptions() retry.Options {
	return retry.Options{
		MaxAttempts:  c.RetryMaxAttempts,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Multiplier:   c.RetryMultiplier,
		Jitter:       c.RetryEnableJitter,
	}
}

// splitList parses "a, b,,c" into [a b c], lowercased.
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
