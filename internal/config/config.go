package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Defaults applied to fields left empty in the session config.
const (
	DefaultServer        = "messenger.hotmail.com:1863"
	DefaultLocale        = "0x0409"
	DefaultOSType        = "winnt"
	DefaultOSVersion     = "6.1.1"
	DefaultClientVersion = "14.0.8117.0416"
)

// Config represents the global ~/.msn/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
}

// Session represents a per-session session.toml: the account and the
// notification server to sign in against.
type Session struct {
	Account  string `toml:"account"`
	Password string `toml:"password"`
	Server   string `toml:"server"`

	Locale        string `toml:"locale"`
	OSType        string `toml:"os_type"`
	OSVersion     string `toml:"os_version"`
	ClientVersion string `toml:"client_version"`

	Keepalive bool `toml:"keepalive"`
}

// Load reads the global config from the given path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadSession reads and validates a session config, applying defaults for
// empty optional fields.
func LoadSession(path string) (*Session, error) {
	var s Session
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return nil, err
	}
	if s.Account == "" {
		return nil, fmt.Errorf("%s: account is required", path)
	}
	if s.Server == "" {
		s.Server = DefaultServer
	}
	if s.Locale == "" {
		s.Locale = DefaultLocale
	}
	if s.OSType == "" {
		s.OSType = DefaultOSType
	}
	if s.OSVersion == "" {
		s.OSVersion = DefaultOSVersion
	}
	if s.ClientVersion == "" {
		s.ClientVersion = DefaultClientVersion
	}
	return &s, nil
}

// Save writes the global config to the given path, creating parent dirs as
// needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// SaveSession writes a session config.
func SaveSession(path string, s *Session) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(s)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
