package main

import (
	"fmt"
	"os"

	offlinecache "github.com/always-cache/offline-cache"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port int `yaml:"port"`
	// Origin URL, including the base path of the application.
	Origin string `yaml:"origin"`
	// Hostname of origin, if different from the origin URL host.
	Host      string   `yaml:"host"`
	CacheName string   `yaml:"cacheName"`
	Assets    []string `yaml:"assets"`
	Store     Store    `yaml:"store"`
	LogFile   string   `yaml:"logFile"`
}

type Store struct {
	// One of sqlite, badger or memory.
	Provider string `yaml:"provider"`
	// Database file (sqlite) or directory (badger).
	Path string `yaml:"path"`
}

func defaultConfig() Config {
	return Config{
		Port:      8080,
		CacheName: offlinecache.DefaultCacheName,
		Assets:    offlinecache.DefaultAssets,
		Store: Store{
			Provider: "sqlite",
			Path:     "cache.db",
		},
	}
}

// getConfig reads the config file on top of the defaults.
func getConfig(filename string) (Config, error) {
	config := defaultConfig()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, fmt.Errorf("could not parse %s: %w", filename, err)
	}
	return config, nil
}
