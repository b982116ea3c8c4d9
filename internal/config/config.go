package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/wesm/readcache/internal/diff"
	"github.com/wesm/readcache/internal/objstore"
	"github.com/wesm/readcache/internal/textutil"
)

const configFileName = "config.json"

// Config holds all application configuration.
type Config struct {
	DataDir        string        `json:"data_dir"`
	RepoRoot       string        `json:"repo_root"`
	DBPath         string        `json:"-"`
	MaxObjectAge   time.Duration `json:"-"`
	DiffMaxBytes   int           `json:"diff_max_bytes"`
	DiffMaxLines   int           `json:"diff_max_lines"`
	DiffByteRatio  float64       `json:"diff_byte_ratio"`
	DiffLineRatio  float64       `json:"diff_line_ratio"`
	OutputMaxLines int           `json:"output_max_lines"`
	OutputMaxBytes int           `json:"output_max_bytes"`
	Debug          bool          `json:"debug"`
}

// Default returns a Config with default values.
func Default() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf(
			"determining home directory: %w", err,
		)
	}
	wd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf(
			"determining working directory: %w", err,
		)
	}
	dataDir := filepath.Join(home, ".readcache")
	return Config{
		DataDir:        dataDir,
		RepoRoot:       wd,
		DBPath:         filepath.Join(dataDir, "readcache.db"),
		MaxObjectAge:   objstore.DefaultMaxAge,
		DiffMaxBytes:   diff.DefaultLimits.MaxBytes,
		DiffMaxLines:   diff.DefaultLimits.MaxLines,
		DiffByteRatio:  diff.DefaultLimits.MaxByteRatio,
		DiffLineRatio:  diff.DefaultLimits.MaxLineRatio,
		OutputMaxLines: textutil.DefaultLimits.MaxLines,
		OutputMaxBytes: textutil.DefaultLimits.MaxBytes,
	}, nil
}

// Load builds a Config by layering: defaults < config file < env < flags.
// The provided FlagSet must already be parsed by the caller.
// Only flags that were explicitly set override the lower layers.
func Load(fs *flag.FlagSet) (Config, error) {
	cfg, err := Default()
	if err != nil {
		return cfg, err
	}
	// The config file lives in the data dir, so that one
	// setting is resolved first.
	if v := os.Getenv("READCACHE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if fs != nil {
		fs.Visit(func(f *flag.Flag) {
			if f.Name == "data-dir" {
				cfg.DataDir = f.Value.String()
			}
		})
	}
	if err := cfg.loadFile(); err != nil {
		return cfg, fmt.Errorf("loading config file: %w", err)
	}
	if err := cfg.loadEnv(); err != nil {
		return cfg, fmt.Errorf("loading environment: %w", err)
	}
	if err := applyFlags(&cfg, fs); err != nil {
		return cfg, fmt.Errorf("applying flags: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	cfg.DBPath = filepath.Join(cfg.DataDir, "readcache.db")
	return cfg, nil
}

func (c *Config) configPath() string {
	return filepath.Join(c.DataDir, configFileName)
}

func (c *Config) loadFile() error {
	data, err := os.ReadFile(c.configPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	// Pointers distinguish absent keys from zero values.
	var file struct {
		RepoRoot       *string  `json:"repo_root"`
		MaxObjectAge   *string  `json:"max_object_age"`
		DiffMaxBytes   *int     `json:"diff_max_bytes"`
		DiffMaxLines   *int     `json:"diff_max_lines"`
		DiffByteRatio  *float64 `json:"diff_byte_ratio"`
		DiffLineRatio  *float64 `json:"diff_line_ratio"`
		OutputMaxLines *int     `json:"output_max_lines"`
		OutputMaxBytes *int     `json:"output_max_bytes"`
		Debug          *bool    `json:"debug"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	if file.RepoRoot != nil && *file.RepoRoot != "" {
		c.RepoRoot = *file.RepoRoot
	}
	if file.MaxObjectAge != nil {
		d, err := time.ParseDuration(*file.MaxObjectAge)
		if err != nil {
			return fmt.Errorf("parsing max_object_age: %w", err)
		}
		c.MaxObjectAge = d
	}
	setIf(&c.DiffMaxBytes, file.DiffMaxBytes)
	setIf(&c.DiffMaxLines, file.DiffMaxLines)
	setIf(&c.DiffByteRatio, file.DiffByteRatio)
	setIf(&c.DiffLineRatio, file.DiffLineRatio)
	setIf(&c.OutputMaxLines, file.OutputMaxLines)
	setIf(&c.OutputMaxBytes, file.OutputMaxBytes)
	setIf(&c.Debug, file.Debug)
	return nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func (c *Config) loadEnv() error {
	if v := os.Getenv("READCACHE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("READCACHE_REPO_ROOT"); v != "" {
		c.RepoRoot = v
	}
	if v := os.Getenv("READCACHE_MAX_OBJECT_AGE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("READCACHE_MAX_OBJECT_AGE: %w", err)
		}
		c.MaxObjectAge = d
	}
	if v := os.Getenv("READCACHE_DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("READCACHE_DEBUG: %w", err)
		}
		c.Debug = b
	}
	return nil
}

func (c *Config) validate() error {
	var errs []error
	if c.MaxObjectAge <= 0 {
		errs = append(errs, errors.New("max_object_age must be positive"))
	}
	for name, v := range map[string]int{
		"diff_max_bytes":   c.DiffMaxBytes,
		"diff_max_lines":   c.DiffMaxLines,
		"output_max_lines": c.OutputMaxLines,
		"output_max_bytes": c.OutputMaxBytes,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	for name, v := range map[string]float64{
		"diff_byte_ratio": c.DiffByteRatio,
		"diff_line_ratio": c.DiffLineRatio,
	} {
		if v <= 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be in (0, 1], got %g", name, v))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DiffLimits returns the diff usefulness gate.
func (c Config) DiffLimits() diff.Limits {
	lim := diff.DefaultLimits
	lim.MaxBytes = c.DiffMaxBytes
	lim.MaxLines = c.DiffMaxLines
	lim.MaxByteRatio = c.DiffByteRatio
	lim.MaxLineRatio = c.DiffLineRatio
	return lim
}

// OutputLimits returns the per-read output caps.
func (c Config) OutputLimits() textutil.Limits {
	return textutil.Limits{
		MaxLines: c.OutputMaxLines,
		MaxBytes: c.OutputMaxBytes,
	}
}

// RegisterFlags registers the flags shared by every subcommand.
// The caller must call fs.Parse before passing fs to Load.
func RegisterFlags(fs *flag.FlagSet) {
	fs.String("repo-root", "", "Repository root holding the snapshot store")
	fs.String("data-dir", "", "Directory for config.json and the ledger")
	fs.Bool("debug", false, "Log decisions and attach diagnostics")
}

// applyFlags copies explicitly-set flags from fs into cfg.
func applyFlags(cfg *Config, fs *flag.FlagSet) error {
	if fs == nil {
		return nil
	}
	var err error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "repo-root":
			cfg.RepoRoot = f.Value.String()
		case "data-dir":
			cfg.DataDir = f.Value.String()
		case "debug":
			cfg.Debug = f.Value.String() == "true"
		case "max-age":
			var d time.Duration
			d, err = time.ParseDuration(f.Value.String())
			cfg.MaxObjectAge = d
		}
	})
	return err
}

// Save writes the tunable settings to config.json in the data
// dir, preserving keys it does not know about.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	existing := make(map[string]any)
	data, err := os.ReadFile(c.configPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf(
				"existing config is invalid, cannot update: %w",
				err,
			)
		}
	}

	existing["max_object_age"] = c.MaxObjectAge.String()
	existing["diff_max_bytes"] = c.DiffMaxBytes
	existing["diff_max_lines"] = c.DiffMaxLines
	existing["diff_byte_ratio"] = c.DiffByteRatio
	existing["diff_line_ratio"] = c.DiffLineRatio
	existing["output_max_lines"] = c.OutputMaxLines
	existing["output_max_bytes"] = c.OutputMaxBytes
	existing["debug"] = c.Debug
	out, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(c.configPath(), out, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
