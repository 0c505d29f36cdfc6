// Package config loads and saves the user preferences of a clipring
// node and watches the file for edits made while the node runs.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/facebookgo/atomicfile"
	"gopkg.in/yaml.v2"
)

const (
	// FileName is the config file inside the clipring config dir.
	FileName = "config.yaml"

	fallbackName = "clipring device"
	// maxNameBytes keeps "name=" plus the name inside one 255 byte DNS
	// TXT string.
	maxNameBytes = 250
)

type Config struct {
	DisplayName          string `yaml:"display_name"`
	NotificationsEnabled bool   `yaml:"notifications_enabled"`
	Autostart            bool   `yaml:"autostart"`
	Language             string `yaml:"language"`
}

// Default returns the settings of a fresh install, named after the host.
func Default() Config {
	name, err := os.Hostname()
	if err != nil || strings.TrimSpace(name) == "" {
		name = fallbackName
	}
	return Config{
		DisplayName:          name,
		NotificationsEnabled: true,
		Autostart:            false,
		Language:             "en",
	}
}

// Load reads path. A missing file yields Default and no error. A file
// that cannot be parsed yields Default together with the parse error,
// so the caller can log it and keep running.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	// Fields absent from the file keep their defaults.
	var present map[string]any
	_ = yaml.Unmarshal(data, &present)
	if _, ok := present["display_name"]; ok {
		cfg.DisplayName = parsed.DisplayName
	}
	if _, ok := present["notifications_enabled"]; ok {
		cfg.NotificationsEnabled = parsed.NotificationsEnabled
	}
	if _, ok := present["autostart"]; ok {
		cfg.Autostart = parsed.Autostart
	}
	if _, ok := present["language"]; ok {
		cfg.Language = parsed.Language
	}
	return cfg.Normalize(), nil
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg.Normalize())
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := atomicfile.New(path, 0o600)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Abort()
		return fmt.Errorf("write config: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("commit config: %w", err)
	}
	return nil
}

// Normalize trims the display name and fills empty fields.
func (c Config) Normalize() Config {
	c.DisplayName = strings.TrimSpace(c.DisplayName)
	if c.DisplayName == "" {
		c.DisplayName = Default().DisplayName
	}
	c.DisplayName = truncateUTF8(c.DisplayName, maxNameBytes)
	if c.Language == "" {
		c.Language = "en"
	}
	return c
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// RequiresRestart reports whether moving from old to c needs discovery
// and sync to be restarted. Only the advertised name does.
func (c Config) RequiresRestart(old Config) bool {
	return c.DisplayName != old.DisplayName
}
