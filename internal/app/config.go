package app

import (
	"os"
	"path/filepath"
)

// ConfigDir returns ~/.config/ciris/ on all platforms.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "ciris"), nil
}

// EnsureConfigDir creates the config directory and default config.yaml if missing.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	configFile := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return os.WriteFile(configFile, []byte(defaultConfig), 0600)
	}
	return nil
}

const defaultConfig = `# ciris configuration
# Run: ciris --help

# Optional: override the SQLite database location.
# Can also be set via CIRIS_DB_PATH or --db-path.
# db_path: ~/.config/ciris/ciris.db

# Optional: directory holding audit_private.pem / audit_public.pem.
# key_dir: ~/.config/ciris/keys

# Optional: directory for rotated thought archives (JSONL).
# archive_dir: ~/.config/ciris/archive
`
