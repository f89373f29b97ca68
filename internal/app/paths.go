package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDBPath resolves the database path.
// Order of precedence:
// 1) CLI override (e.g. --db-path)
// 2) Environment variable: CIRIS_DB_PATH
// 3) config.yaml: db_path
// 4) Default: ~/.config/ciris/ciris.db
// Returns an absolute path and ensures the parent directory exists.
func GetDBPath() (string, error) {
	if override := getDBPathOverride(); override != "" {
		return EnsureDBDir(override)
	}

	if envPath := os.Getenv("CIRIS_DB_PATH"); envPath != "" {
		return EnsureDBDir(envPath)
	}

	cfg, err := LoadSettings()
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.DBPath != "" {
		return EnsureDBDir(cfg.DBPath)
	}

	configDir, err := ConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine config directory: %w", err)
	}
	return EnsureDBDir(filepath.Join(configDir, "ciris.db"))
}

// EnsureDBDir creates the parent directory of dbPath if needed.
func EnsureDBDir(dbPath string) (string, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create database directory: %w", err)
	}
	return dbPath, nil
}

// GetKeyDir resolves the directory holding the audit signing keypair.
// Precedence: CIRIS_KEY_DIR env, config.yaml key_dir, ~/.config/ciris/keys.
// The directory is created 0700 — it holds private key material.
func GetKeyDir() (string, error) {
	dir := os.Getenv("CIRIS_KEY_DIR")
	if dir == "" {
		cfg, err := LoadSettings()
		if err != nil {
			return "", fmt.Errorf("failed to load config: %w", err)
		}
		dir = cfg.KeyDir
	}
	if dir == "" {
		configDir, err := ConfigDir()
		if err != nil {
			return "", fmt.Errorf("failed to determine config directory: %w", err)
		}
		dir = filepath.Join(configDir, "keys")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create key directory: %w", err)
	}
	return dir, nil
}

// GetArchiveDir resolves the thought-archive directory.
// Precedence: CIRIS_ARCHIVE_DIR env, config.yaml archive_dir,
// ~/.config/ciris/archive.
func GetArchiveDir() (string, error) {
	dir := os.Getenv("CIRIS_ARCHIVE_DIR")
	if dir == "" {
		cfg, err := LoadSettings()
		if err != nil {
			return "", fmt.Errorf("failed to load config: %w", err)
		}
		dir = cfg.ArchiveDir
	}
	if dir == "" {
		configDir, err := ConfigDir()
		if err != nil {
			return "", fmt.Errorf("failed to determine config directory: %w", err)
		}
		dir = filepath.Join(configDir, "archive")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}
	return dir, nil
}
