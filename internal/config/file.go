package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Source supplies raw values for config keys.
type Source interface {
	Lookup(key string) (string, bool)
}

// File is the on-disk config: a flat YAML mapping of dotted keys
// (server.port: 4100) at $XDG_CONFIG_HOME/staffd/config.yaml.
type File struct {
	path   string
	values map[string]string
}

// Dir returns the configuration directory, $XDG_CONFIG_HOME/staffd.
func Dir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "staffd")
}

// FilePath is where Load and SetKey look for the config file.
func FilePath() string { return filepath.Join(Dir(), "config.yaml") }

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "staffd-data"
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "staffd")
}

func defaultAgentsFile() string { return filepath.Join(Dir(), "agents.yaml") }

// OpenFile reads path. A missing file is an empty config.
func OpenFile(path string) (*File, error) {
	f := &File{path: path, values: map[string]string{}}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	for k, v := range raw {
		if v != nil {
			f.values[k] = fmt.Sprint(v)
		}
	}
	return f, nil
}

func (f *File) Lookup(key string) (string, bool) {
	v, ok := f.values[key]
	return v, ok
}

// Set stores value under key and rewrites the file.
func (f *File) Set(key, value string) error {
	f.values[key] = value
	data, err := yaml.Marshal(f.values)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	return os.WriteFile(f.path, data, 0o600)
}
