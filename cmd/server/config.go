package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/Koki-dec/PiChat/internal/models"
	"gopkg.in/yaml.v3"
)

// config is the server configuration file. Everything is optional; the zero
// config yields a working server with default generation settings and no API
// key (the user can paste one into the settings form later).
type config struct {
	Port string `yaml:"port"`

	// DBPath overrides where the conversation store lives. Defaults to
	// store.db next to the config file.
	DBPath string `yaml:"dbPath"`

	APIKey       string  `yaml:"apiKey"`
	Model        string  `yaml:"model"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"maxTokens"`
	SystemPrompt string  `yaml:"systemPrompt"`
}

func loadConfig(path string) (config, error) {
	cfg := config{}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg.withDefaults()
		}
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg.withDefaults()
}

func (c config) withDefaults() (config, error) {
	defaults := models.DefaultSettings()

	if c.Port == "" {
		c.Port = "8089"
	}
	if c.APIKey == "" {
		c.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if c.Model == "" {
		c.Model = defaults.SelectedModel
	}
	if !slices.Contains(models.TextModels, c.Model) {
		return config{}, fmt.Errorf("unknown model: %s", c.Model)
	}
	if c.Temperature == 0 {
		c.Temperature = defaults.Temperature
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = defaults.MaxTokens
	}
	if c.MaxTokens < models.MinMaxTokens || c.MaxTokens > models.MaxMaxTokens {
		return config{}, fmt.Errorf("maxTokens must be between %d and %d", models.MinMaxTokens, models.MaxMaxTokens)
	}
	if c.Temperature < models.MinTemperature || c.Temperature > models.MaxTemperature {
		return config{}, fmt.Errorf("temperature must be between %v and %v", models.MinTemperature, models.MaxTemperature)
	}

	return c, nil
}

// defaultSettings maps the config onto the stored settings used until the
// user saves their own.
func (c config) defaultSettings() models.ChatSettings {
	return models.ChatSettings{
		APIKey:        c.APIKey,
		SelectedModel: c.Model,
		Temperature:   c.Temperature,
		MaxTokens:     c.MaxTokens,
		SystemPrompt:  c.SystemPrompt,
	}
}
