package internal

import (
	"fmt"
	"path/filepath"

	"github.com/hbomb79/Rhea/internal/api"
	"github.com/hbomb79/Rhea/internal/browser"
	"github.com/hbomb79/Rhea/internal/download"
	"github.com/hbomb79/Rhea/internal/extraction"
	"github.com/hbomb79/Rhea/internal/ffmpeg"
	"github.com/hbomb79/Rhea/internal/locator"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mitchellh/go-homedir"
)

// RheaConfig is the user-supplied configuration for the whole service,
// loadable from a YAML file with environment variable overrides.
type RheaConfig struct {
	Browser    browser.Config              `yaml:"browser"`
	Locator    locator.Config              `yaml:"locator"`
	Sites      []locator.SiteMatcherConfig `yaml:"sites"`
	Download   download.Config             `yaml:"download"`
	Format     ffmpeg.Config               `yaml:"formatter"`
	Extraction extraction.Config           `yaml:"extraction"`
	Rest       api.RestConfig              `yaml:"api"`

	CookiePath   string `yaml:"cookie_path" env:"COOKIE_PATH" env-default:"~/.config/rhea/cookies.txt"`
	DatabasePath string `yaml:"database_path" env:"DATABASE_PATH" env-default:"~/.local/share/rhea/rhea.db"`
}

// LoadFromFile loads a YAML-formatted configuration file in to a RheaConfig,
// applying environment overrides and expanding '~' in configured paths.
func (config *RheaConfig) LoadFromFile(configPath string) error {
	if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	return config.expandPaths()
}

// LoadFromEnv populates the config purely from environment variables and
// defaults; used when no config file is present.
func (config *RheaConfig) LoadFromEnv() error {
	if err := cleanenv.ReadEnv(config); err != nil {
		return fmt.Errorf("failed to load configuration from environment: %w", err)
	}

	return config.expandPaths()
}

func (config *RheaConfig) expandPaths() error {
	for _, path := range []*string{
		&config.CookiePath,
		&config.DatabasePath,
		&config.Download.WorkDir,
		&config.Extraction.OutputDir,
		&config.Browser.StateDir,
	} {
		expanded, err := homedir.Expand(*path)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *path, err)
		}

		*path = filepath.Clean(expanded)
	}

	return nil
}
