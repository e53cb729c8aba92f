package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// DefaultSeed is the shuffle seed used when none is configured.
const DefaultSeed int64 = 42

// Config holds harvester configuration for both phases.
type Config struct {
	BaseURL            string `yaml:"base_url"`
	IndexPath          string `yaml:"index_path"`
	CategoriesListPath string `yaml:"categories_list_path"`
	FeaturesListPath   string `yaml:"features_list_path"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`

	DataDir        string `yaml:"data_dir"`
	MirrorDir      string `yaml:"mirror_dir"`
	OutputDir      string `yaml:"output_dir"`
	CategoriesFile string `yaml:"categories_file"`
	FeaturesFile   string `yaml:"features_file"`
	TargetsFile    string `yaml:"targets_file"`

	Parallelism     int           `yaml:"parallelism"`
	Timeout         time.Duration `yaml:"timeout"`
	RequestRate     float64       `yaml:"request_rate"` // requests per second, 0 = unlimited
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max"`
	MinFileSize     int64         `yaml:"min_file_size"`
	MinIndexSize    int64         `yaml:"min_index_size"`
	RefreshIndex    bool          `yaml:"refresh_index"`
	UserAgent       string        `yaml:"user_agent"`

	BatchSize        int    `yaml:"batch_size"`
	PerCategoryFiles int    `yaml:"per_category_files"`
	MaxOutputRecords int    `yaml:"max_output_records"`
	SampleSize       int    `yaml:"sample_size"`
	Seed             int64  `yaml:"seed"`
	OutputSubdir     string `yaml:"output_subdir"`
	Overwrite        bool   `yaml:"overwrite"`
	DedupeMaxSize    int    `yaml:"dedupe_max_size"`

	Verbose     bool   `yaml:"verbose"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// DefaultConfig returns defaults matching the Open Icecat free export.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:            "https://data.icecat.biz",
		IndexPath:          "export/freexml/EN/files.index.xml.gz",
		CategoriesListPath: "export/freexml/refs/CategoriesList.xml.gz",
		FeaturesListPath:   "export/freexml/refs/FeaturesList.xml.gz",
		DataDir:            "data",
		MirrorDir:          filepath.Join("data", "xml_source"),
		OutputDir:          filepath.Join("data", "json_products"),
		CategoriesFile:     filepath.Join("data", "categories.csv"),
		FeaturesFile:       filepath.Join("data", "features.csv"),
		TargetsFile:        "targets.txt",
		Parallelism:        16,
		Timeout:            10 * time.Second,
		RequestRate:        0,
		MaxAttempts:        3,
		RetryBackoff:       500 * time.Millisecond,
		RetryBackoffMax:    5 * time.Second,
		MinFileSize:        64,
		MinIndexSize:       1024,
		UserAgent:          "icecat-harvester/1.0 (+https://github.com/aluiziolira/icecat-harvester)",
		BatchSize:          1000,
		Seed:               DefaultSeed,
		DedupeMaxSize:      100000,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}
	if c.IndexPath == "" {
		return fmt.Errorf("index path cannot be empty")
	}
	if c.MirrorDir == "" {
		return fmt.Errorf("mirror dir cannot be empty")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output dir cannot be empty")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.RequestRate < 0 {
		return fmt.Errorf("request rate cannot be negative")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.MinFileSize < 0 {
		return fmt.Errorf("min file size cannot be negative")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.PerCategoryFiles < 0 {
		return fmt.Errorf("per-category file limit cannot be negative")
	}
	if c.MaxOutputRecords < 0 {
		return fmt.Errorf("max output records cannot be negative")
	}
	if c.SampleSize < 0 {
		return fmt.Errorf("sample size cannot be negative")
	}
	if c.DedupeMaxSize < 0 {
		return fmt.Errorf("dedupe max size cannot be negative")
	}
	if sub := strings.TrimSpace(c.OutputSubdir); strings.ContainsAny(sub, `/\`) || sub == "." || sub == ".." {
		return fmt.Errorf("output subdir must be a single directory name")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	return nil
}

// ValidateCredentials checks the settings extraction needs on top of Validate.
func (c *Config) ValidateCredentials() error {
	if c.Username == "" || c.Password == "" {
		return fmt.Errorf("credentials missing: set ICECAT_USER and ICECAT_PASS")
	}
	return nil
}

// ResolveOutputSubdir returns the configured subdir or one derived from now.
// Callers resolve it once per run.
func (c *Config) ResolveOutputSubdir(now time.Time) string {
	if c.OutputSubdir != "" {
		return c.OutputSubdir
	}
	return "run_" + now.Format("20060102_150405")
}

// LoadFile overlays a YAML file onto cfg.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// LoadDotEnv loads a .env file into the process environment when it exists.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays credential and HARVEST_* variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if v, ok := EnvString("ICECAT_USER"); ok {
		cfg.Username = v
	}
	if v, ok := EnvString("ICECAT_PASS"); ok {
		cfg.Password = v
	}
	if v, ok := EnvString("HARVEST_BASE_URL"); ok {
		cfg.BaseURL = v
	}
	if v, ok := EnvString("HARVEST_DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := EnvString("HARVEST_MIRROR_DIR"); ok {
		cfg.MirrorDir = v
	}
	if v, ok := EnvString("HARVEST_OUTPUT_DIR"); ok {
		cfg.OutputDir = v
	}
	if v, ok := EnvString("HARVEST_METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
	if v, ok, err := EnvInt("HARVEST_PARALLEL"); err != nil {
		return err
	} else if ok {
		cfg.Parallelism = v
	}
	if v, ok, err := EnvInt("HARVEST_BATCH_SIZE"); err != nil {
		return err
	} else if ok {
		cfg.BatchSize = v
	}
	if v, ok, err := EnvInt("HARVEST_SEED"); err != nil {
		return err
	} else if ok {
		cfg.Seed = int64(v)
	}
	return nil
}

// EnvString returns a trimmed, non-empty environment value.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses an integer environment value.
func EnvInt(key string) (int, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, true, nil
}
