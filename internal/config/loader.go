package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr          string  `json:"addr" yaml:"addr" toml:"addr"`
	AppDir        string  `json:"app_dir" yaml:"app_dir" toml:"app_dir"`
	CatalogPath   string  `json:"catalog_path" yaml:"catalog_path" toml:"catalog_path"`
	RemoteBaseURL string  `json:"remote_base_url" yaml:"remote_base_url" toml:"remote_base_url"`
	RemoteAPIKey  string  `json:"remote_api_key" yaml:"remote_api_key" toml:"remote_api_key"`
	RemoteModel   string  `json:"remote_model" yaml:"remote_model" toml:"remote_model"`
	DBPath        string  `json:"db_path" yaml:"db_path" toml:"db_path"`
	HistoryLimit  int     `json:"history_limit" yaml:"history_limit" toml:"history_limit"`
	MaxDownloads  int     `json:"max_downloads" yaml:"max_downloads" toml:"max_downloads"`
	MaxTokens     int     `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	Temperature   float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
