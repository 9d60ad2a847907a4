// Package config loads the review tool settings.
//
// The file format is the config.ini layout used at the bench:
//
//	[Paths]
//	configFiles_dir = ./config
//	mde_config_file_name = mde_config.json
//	templates_dir_name = templates
//	img_dir = ./screens
//	db_dir = ./mde.db
//
//	[Parametrs]
//	labeled_imgs = 1
//
// An optional [Review] section carries the settings of this implementation.
// Every key can be overridden from the environment with the MDE_ prefix,
// for example MDE_PATHS_IMG_DIR.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DefaultFile is read when no --config flag is given.
const DefaultFile = "config.ini"

// ErrMissingSetting is returned when a required path is not configured.
var ErrMissingSetting = errors.New("missing required setting")

type Paths struct {
	ConfigFilesDir    string `mapstructure:"configfiles_dir"`
	MDEConfigFileName string `mapstructure:"mde_config_file_name"`
	TemplatesDirName  string `mapstructure:"templates_dir_name"`
	ImgDir            string `mapstructure:"img_dir"`
	DBDir             string `mapstructure:"db_dir"`
}

type Parameters struct {
	LabeledImgs int `mapstructure:"labeled_imgs"`
}

type Review struct {
	Addr             string `mapstructure:"addr"`
	DisplayWidth     int    `mapstructure:"display_width"`
	DisplayHeight    int    `mapstructure:"display_height"`
	TSPattern        string `mapstructure:"ts_pattern"`
	MatchMaxDistance int    `mapstructure:"match_max_distance"`
	OCRHints         int    `mapstructure:"ocr_hints"`
	DBDriver         string `mapstructure:"db_driver"`
	GroundTruthDir   string `mapstructure:"ground_truth_dir"`
	Ledger           string `mapstructure:"ledger"`
	LogFile          string `mapstructure:"log_file"`
	LogLevel         string `mapstructure:"log_level"`
}

// Config is the fully resolved process configuration.
type Config struct {
	Paths      Paths      `mapstructure:"paths"`
	Parameters Parameters `mapstructure:"parameters"`
	Review     Review     `mapstructure:"review"`
}

var defaults = map[string]any{
	"paths.configfiles_dir":      "",
	"paths.mde_config_file_name": "",
	"paths.templates_dir_name":   "templates",
	"paths.img_dir":              "",
	"paths.db_dir":               "",
	"parameters.labeled_imgs":    0,
	"review.addr":                "127.0.0.1:8765",
	"review.display_width":       1600,
	"review.display_height":      900,
	"review.ts_pattern":          `\d{8,}`,
	"review.match_max_distance":  10,
	"review.ocr_hints":           0,
	"review.db_driver":           "sqlite",
	"review.ground_truth_dir":    "mde-ground-truth",
	"review.ledger":              "",
	"review.log_file":            "",
	"review.log_level":           "info",
}

// Load reads path (or DefaultFile when empty) and applies defaults and
// MDE_* environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultFile
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetConfigFile(path)
	if strings.EqualFold(filepath.Ext(path), ".ini") {
		v.SetConfigType("ini")
	}
	v.SetEnvPrefix("MDE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Existing config files spell the section "Parametrs".
	if v.IsSet("parametrs.labeled_imgs") && !v.InConfig("parameters.labeled_imgs") {
		v.Set("parameters.labeled_imgs", v.Get("parametrs.labeled_imgs"))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every path the review loop depends on is set.
func (c *Config) Validate() error {
	required := []struct{ key, val string }{
		{"Paths.configFiles_dir", c.Paths.ConfigFilesDir},
		{"Paths.mde_config_file_name", c.Paths.MDEConfigFileName},
		{"Paths.img_dir", c.Paths.ImgDir},
		{"Paths.db_dir", c.Paths.DBDir},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			return fmt.Errorf("%w: %s", ErrMissingSetting, r.key)
		}
	}
	switch c.Review.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported db_driver %q", c.Review.DBDriver)
	}
	if c.Review.DisplayWidth <= 0 || c.Review.DisplayHeight <= 0 {
		return fmt.Errorf("display size must be positive, got %dx%d", c.Review.DisplayWidth, c.Review.DisplayHeight)
	}
	return nil
}

// Labeled reports whether the annotated display mode is on.
func (c *Config) Labeled() bool { return c.Parameters.LabeledImgs == 1 }

// OCRHints reports whether tesseract hints are shown next to each field.
func (c *Config) OCRHints() bool { return c.Review.OCRHints == 1 }

// LayoutFile is the per-template field/position definition file.
func (c *Config) LayoutFile() string {
	return filepath.Join(c.Paths.ConfigFilesDir, c.Paths.MDEConfigFileName)
}

// TemplatesDir holds the template images referenced by the layout file.
func (c *Config) TemplatesDir() string {
	return filepath.Join(c.Paths.ConfigFilesDir, c.Paths.TemplatesDirName)
}

// GroundTruthDir is where crops and labels are written; relative values
// live under the image root.
func (c *Config) GroundTruthDir() string {
	if filepath.IsAbs(c.Review.GroundTruthDir) {
		return c.Review.GroundTruthDir
	}
	return filepath.Join(c.Paths.ImgDir, c.Review.GroundTruthDir)
}

// LedgerPath returns the ledger database location, or "" when disabled.
func (c *Config) LedgerPath() string {
	switch c.Review.Ledger {
	case "-":
		return ""
	case "":
		return filepath.Join(c.GroundTruthDir(), "ledger.db")
	default:
		return c.Review.Ledger
	}
}
