package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

// DefaultSection is the fallback section consulted when a key is absent from
// a component's own section.
const DefaultSection = "default"

var ErrMissingKey = errors.New("config key not found")
var ErrBadValue = errors.New("config value has wrong type")

// Config provides typed, per-section access to a run's configuration file.
// The file is a YAML mapping from component class name (plus "default") to a
// mapping of keys. Lookups fall back to the "default" section, so shared
// settings are written once and overridden per component.
type Config struct {
	path     string
	sections map[string]map[string]any
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(buf, path)
}

// Parse parses raw YAML configuration bytes. The path is used only for error
// messages.
func Parse(buf []byte, path string) (*Config, error) {
	sections := map[string]map[string]any{}
	if err := yaml.Unmarshal(buf, &sections); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &Config{path: path, sections: sections}, nil
}

// Path returns the location the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Sections returns the configured section names in sorted order.
func (c *Config) Sections() []string {
	names := make([]string, 0, len(c.sections))
	for name := range c.sections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the key is present in the section or in the default
// section.
func (c *Config) Has(section, key string) bool {
	_, err := c.lookup(section, key)
	return err == nil
}

// lookup resolves a key in the named section, falling back to the default
// section.
func (c *Config) lookup(section, key string) (any, error) {
	if sec, ok := c.sections[section]; ok {
		if v, ok := sec[key]; ok {
			return v, nil
		}
	}
	if sec, ok := c.sections[DefaultSection]; ok {
		if v, ok := sec[key]; ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %s.%s (%s)", ErrMissingKey, section, key, c.path)
}

// GetStr returns a string value.
func (c *Config) GetStr(section, key string) (string, error) {
	v, err := c.lookup(section, key)
	if err != nil {
		return "", err
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case int:
		return strconv.Itoa(s), nil
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(s), nil
	}
	return "", fmt.Errorf("%w: %s.%s is not a scalar", ErrBadValue, section, key)
}

// GetInt returns an integer value.
func (c *Config) GetInt(section, key string) (int, error) {
	v, err := c.lookup(section, key)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		if n == float64(int(n)) {
			return int(n), nil
		}
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return parsed, nil
		}
	}
	return 0, fmt.Errorf("%w: %s.%s is not an integer", ErrBadValue, section, key)
}

// GetFloat returns a floating-point value.
func (c *Config) GetFloat(section, key string) (float64, error) {
	v, err := c.lookup(section, key)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case string:
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return parsed, nil
		}
	}
	return 0, fmt.Errorf("%w: %s.%s is not a number", ErrBadValue, section, key)
}

// GetBool returns a boolean value.
func (c *Config) GetBool(section, key string) (bool, error) {
	v, err := c.lookup(section, key)
	if err != nil {
		return false, err
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		if parsed, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
			return parsed, nil
		}
	}
	return false, fmt.Errorf("%w: %s.%s is not a boolean", ErrBadValue, section, key)
}

// GetList returns a list of strings. A YAML sequence yields one entry per
// element; a scalar string is split on whitespace so short lists can be
// written inline.
func (c *Config) GetList(section, key string) ([]string, error) {
	v, err := c.lookup(section, key)
	if err != nil {
		return nil, err
	}
	switch l := v.(type) {
	case []any:
		out := make([]string, 0, len(l))
		for i, item := range l {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s.%s[%d] is not a string", ErrBadValue, section, key, i)
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		if strings.TrimSpace(l) == "" {
			return nil, nil
		}
		return strings.Fields(l), nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s.%s is not a list", ErrBadValue, section, key)
}

// GetFiles returns the file paths named by a list-valued key, expanding glob
// patterns. Every pattern must match at least one existing file.
func (c *Config) GetFiles(section, key string) ([]string, error) {
	patterns, err := c.GetList(section, key)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad file pattern %s.%s = %q: %w", section, key, pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("%w: %s.%s pattern %q matches no files", ErrMissingKey, section, key, pattern)
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}
	return files, nil
}
