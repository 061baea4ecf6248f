package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"tissuealign/internal/regerr"
)

// Format is a configuration file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFromPath picks the encoding by file extension; anything that is not
// .toml is read as YAML.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Decode parses data over the defaults for the modality named in the file
// (or fallback when the file names none) and validates the result.
func Decode(data []byte, format Format, fallback string) (Config, error) {
	var header struct {
		Modality string `yaml:"modality" toml:"modality"`
	}
	if err := unmarshal(data, format, &header); err != nil {
		return Config{}, regerr.Wrap(regerr.KindConfiguration, "config.Decode", err)
	}
	modality := header.Modality
	if modality == "" {
		modality = fallback
	}

	cfg := DefaultFor(modality)
	if err := unmarshal(data, format, &cfg); err != nil {
		return Config{}, regerr.Wrap(regerr.KindConfiguration, "config.Decode", err)
	}
	cfg.Modality = strings.ToLower(cfg.Modality)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func unmarshal(data []byte, format Format, v any) error {
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(string(data), v); err != nil {
			return fmt.Errorf("error parsing TOML: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("error parsing YAML: %w", err)
		}
	}
	return nil
}

// Load reads a YAML or TOML configuration file.
func Load(path, fallbackModality string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, regerr.Wrap(regerr.KindConfiguration, "config.Load", fmt.Errorf("error reading config file: %w", err))
	}
	return Decode(data, FormatFromPath(path), fallbackModality)
}

// Encode renders cfg in the given format.
func Encode(cfg Config, format Format) ([]byte, error) {
	switch format {
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, fmt.Errorf("error encoding TOML: %w", err)
		}
		return buf.Bytes(), nil
	default:
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("error encoding YAML: %w", err)
		}
		return data, nil
	}
}

// Save writes cfg to path, creating parent directories as needed.
func Save(cfg Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	data, err := Encode(cfg, FormatFromPath(path))
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}
