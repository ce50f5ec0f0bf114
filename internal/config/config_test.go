package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{DefaultSession: "work"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSessionRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "session.toml")

	s := &Session{Account: "alice@hotmail.com", Password: "hunter2"}
	if err := SaveSession(path, s); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	loaded, err := LoadSession(path)
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if loaded.Account != "alice@hotmail.com" {
		t.Errorf("Account = %q, want alice@hotmail.com", loaded.Account)
	}
	// Empty optional fields pick up defaults.
	if loaded.Server != DefaultServer {
		t.Errorf("Server = %q, want %q", loaded.Server, DefaultServer)
	}
	if loaded.Locale != DefaultLocale {
		t.Errorf("Locale = %q, want %q", loaded.Locale, DefaultLocale)
	}
	if loaded.ClientVersion != DefaultClientVersion {
		t.Errorf("ClientVersion = %q, want %q", loaded.ClientVersion, DefaultClientVersion)
	}
}

func TestLoadSessionRequiresAccount(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "session.toml")

	if err := SaveSession(path, &Session{Server: "localhost:1863"}); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSession(path); err == nil {
		t.Error("LoadSession() should fail without account")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
