// Package config loads service configuration from an optional YAML file
// with environment-variable overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type MQTT struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	LogLevel    string `yaml:"log_level"`
	DataDir     string `yaml:"data_dir"`
	DatabaseURL string `yaml:"database_url"`
	MQTT        MQTT   `yaml:"mqtt"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		LogLevel: "info",
		DataDir:  "data",
		MQTT: MQTT{
			Host:     "127.0.0.1",
			Port:     1883,
			Username: "admin",
			Password: "admin123",
		},
	}
}

// Load reads the YAML file at path (if path is non-empty), applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
		return Config{}, fmt.Errorf("mqtt port %d out of range", cfg.MQTT.Port)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = envOr("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.DataDir = envOr("DATA_DIR", c.DataDir)
	c.DatabaseURL = envOr("DATABASE_URL", c.DatabaseURL)
	c.MQTT.Host = envOr("MQTT_HOST", c.MQTT.Host)
	c.MQTT.Username = envOr("MQTT_USER", c.MQTT.Username)
	c.MQTT.Password = envOr("MQTT_PASSWORD", c.MQTT.Password)

	if v := os.Getenv("MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.MQTT.Port = port
		}
	}
}

func envOr(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
