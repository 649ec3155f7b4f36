// Package config loads process configuration from the environment: a
// single Load() reading os.Getenv with defaults, no config file, no flags.
package config

import (
	"os"
	"strings"
)

// Config holds server configuration for capnetd.
type Config struct {
	Port        string
	LogLevel    string
	DataDir     string
	CORSOrigins []string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dataDir := os.Getenv("CAPNET_DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}

	var origins []string
	if raw := os.Getenv("CORS_ORIGINS"); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			origins = append(origins, strings.TrimSpace(o))
		}
	}

	return &Config{
		Port:        port,
		LogLevel:    logLevel,
		DataDir:     dataDir,
		CORSOrigins: origins,
	}
}
