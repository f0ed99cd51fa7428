package config

import (
	"os"
	"path/filepath"
)

// GetConfigPath returns the configuration file path. KOALA_CONFIG wins,
// then ~/.koala/config.
func GetConfigPath() (string, error) {
	if configPath := os.Getenv("KOALA_CONFIG"); configPath != "" {
		return configPath, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".koala", "config"), nil
}
