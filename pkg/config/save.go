package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// maxBackups is how many timestamped backups are retained next to the file.
const maxBackups = 10

// Save writes the config as YAML. When the target already exists it is
// first copied to a timestamped backup alongside it, and older backups
// beyond the retention limit are removed.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := backupFile(path); err != nil {
			return fmt.Errorf("failed to back up config: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// backupFile copies path to path.20060102-150405.bak and prunes old backups.
func backupFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	stamp := time.Now().Format("20060102-150405")
	backup := fmt.Sprintf("%s.%s.bak", path, stamp)
	if err := os.WriteFile(backup, data, 0o644); err != nil {
		return err
	}

	return pruneBackups(path)
}

// pruneBackups removes all but the most recent maxBackups backups of path.
// Timestamped names sort lexically in age order.
func pruneBackups(path string) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var backups []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, base+".") && strings.HasSuffix(name, ".bak") {
			backups = append(backups, name)
		}
	}
	if len(backups) <= maxBackups {
		return nil
	}

	sort.Strings(backups)
	for _, name := range backups[:len(backups)-maxBackups] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}
