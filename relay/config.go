// Copyright 2025 TripFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the relay's immutable runtime configuration. It is built once
// at startup and passed to components at construction time; nothing mutates
// it afterwards.
type Config struct {
	Port        string
	APIKey      string
	BaseURL     string
	InstanceID  string
	AgentID     string
	TokenURL    string
	DatabaseURL string
	RedisURL    string
}

// configFile is the optional YAML file shape. Values reference environment
// variables with ${VAR} syntax, which is expanded before parsing.
type configFile struct {
	Upstream struct {
		APIKey     string `yaml:"api_key"`
		BaseURL    string `yaml:"base_url"`
		InstanceID string `yaml:"instance_id"`
		AgentID    string `yaml:"agent_id"`
		TokenURL   string `yaml:"token_url"`
	} `yaml:"upstream"`
}

// LoadConfig builds the configuration from the environment, then fills any
// blanks from the YAML file named by RELAY_CONFIG_FILE. Environment values
// always win.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8000"),
		APIKey:      strings.TrimSpace(os.Getenv("WXO_API_KEY")),
		BaseURL:     strings.TrimSpace(os.Getenv("WXO_BASE_URL")),
		InstanceID:  strings.TrimSpace(os.Getenv("WXO_INSTANCE_ID")),
		AgentID:     strings.TrimSpace(os.Getenv("WXO_AGENT_ID")),
		TokenURL:    strings.TrimSpace(os.Getenv("WXO_TOKEN_URL")),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
	}

	if path := os.Getenv("RELAY_CONFIG_FILE"); path != "" {
		if err := cfg.applyConfigFile(path); err != nil {
			return nil, err
		}
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return cfg, nil
}

// applyConfigFile fills unset upstream settings from a YAML file
func (c *Config) applyConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// Expand ${VAR} references so secrets can stay in the environment
	expanded := os.ExpandEnv(string(data))

	var file configFile
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if c.APIKey == "" {
		c.APIKey = strings.TrimSpace(file.Upstream.APIKey)
	}
	if c.BaseURL == "" {
		c.BaseURL = strings.TrimSpace(file.Upstream.BaseURL)
	}
	if c.InstanceID == "" {
		c.InstanceID = strings.TrimSpace(file.Upstream.InstanceID)
	}
	if c.AgentID == "" {
		c.AgentID = strings.TrimSpace(file.Upstream.AgentID)
	}
	if c.TokenURL == "" {
		c.TokenURL = strings.TrimSpace(file.Upstream.TokenURL)
	}

	return nil
}

// MissingSettings lists the upstream settings required for calls to
// succeed that are still unset. The relay starts regardless; a missing API
// key surfaces per call as a configuration error.
func (c *Config) MissingSettings() []string {
	var missing []string
	if c.APIKey == "" {
		missing = append(missing, "WXO_API_KEY")
	}
	if c.BaseURL == "" {
		missing = append(missing, "WXO_BASE_URL")
	}
	if c.InstanceID == "" {
		missing = append(missing, "WXO_INSTANCE_ID")
	}
	if c.AgentID == "" {
		missing = append(missing, "WXO_AGENT_ID")
	}
	return missing
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
