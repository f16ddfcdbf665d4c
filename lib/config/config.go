// Package config loads meda's environment-variable configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

// Config holds the environment-derived settings for the core (§6).
type Config struct {
	AssetDir string
	VMDir    string

	CPUs     int
	Mem      string // e.g. "1024M"
	DiskSize string // e.g. "10G"

	OrasConcurrency     int
	OrasPushConcurrency int
	OrasPullConcurrency int

	GithubToken string
}

// Load reads configuration from the environment, loading a .env file first
// if present. Concurrency values are clamped to [1, 50].
func Load() *Config {
	_ = godotenv.Load()

	home, _ := os.UserHomeDir()

	concurrency := getEnvInt("MEDA_ORAS_CONCURRENCY", 10)
	cfg := &Config{
		AssetDir: getEnv("MEDA_ASSET_DIR", filepath.Join(home, ".meda", "assets")),
		VMDir:    getEnv("MEDA_VM_DIR", filepath.Join(home, ".meda", "vms")),

		CPUs:     getEnvInt("MEDA_CPUS", 2),
		Mem:      getEnv("MEDA_MEM", "1024M"),
		DiskSize: getEnv("MEDA_DISK_SIZE", "10G"),

		OrasConcurrency:     clamp(concurrency, 1, 50),
		OrasPushConcurrency: clamp(getEnvInt("MEDA_ORAS_PUSH_CONCURRENCY", concurrency), 1, 50),
		OrasPullConcurrency: clamp(getEnvInt("MEDA_ORAS_PULL_CONCURRENCY", concurrency), 1, 50),

		GithubToken: getEnv("GITHUB_TOKEN", ""),
	}

	return cfg
}

// MemBytes parses Mem via datasize, the same library the teacher uses for
// disk-limit parsing.
func (c *Config) MemBytes() (uint64, error) {
	var ds datasize.ByteSize
	if err := ds.UnmarshalText([]byte(c.Mem)); err != nil {
		return 0, fmt.Errorf("parse MEDA_MEM %q: %w", c.Mem, err)
	}
	return ds.Bytes(), nil
}

// DiskSizeBytes parses DiskSize via datasize.
func (c *Config) DiskSizeBytes() (uint64, error) {
	var ds datasize.ByteSize
	if err := ds.UnmarshalText([]byte(c.DiskSize)); err != nil {
		return 0, fmt.Errorf("parse MEDA_DISK_SIZE %q: %w", c.DiskSize, err)
	}
	return ds.Bytes(), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
