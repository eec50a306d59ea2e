package config

import (
	"fmt"
	"strings"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns every non-secret key with its current value.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}

// SetKey validates value against key's type and writes it to the config file.
func SetKey(key, value string) error {
	f, err := OpenFile(FilePath())
	if err != nil {
		return err
	}
	return setKey(f, key, value)
}

type setter interface {
	Set(key, value string) error
}

func setKey(dst setter, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(ValidKeys(), ", "))
	}
	if s.secret {
		return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
	}
	v, err := s.parse(value)
	if err != nil {
		return err
	}
	return dst.Set(key, fmt.Sprint(v))
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
