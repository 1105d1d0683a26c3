// Package configfiles makes sure the daemon's working directory has the
// files it needs before the rest of the program starts touching them.
package configfiles

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"spacekeeper/internal/config"
)

// EnsureConfig writes a default config.yaml at path if nothing is there
// yet. It does not create the storage directory; EnsureStorageDir does.
func EnsureConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil && filepath.Dir(path) != "." {
		return err
	}

	cfg := config.Default()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// EnsureStorageDir creates cfg.StorageDir if it doesn't already exist.
func EnsureStorageDir(cfg *config.Config) error {
	return os.MkdirAll(cfg.StorageDir, 0755)
}
