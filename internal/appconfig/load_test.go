package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Shell.Binary != "adb" {
		t.Fatalf("expected default binary, got %q", cfg.Shell.Binary)
	}
}

func TestLoadOverridesShell(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
shell:
  binary: /bin/sh
  args: ["-i"]
  env: ["TERM=dumb"]
  output_buffer_bytes: 2048
  restart_delay_ms: 250
pairing:
  mode: always
state:
  backend: sqlite
  path: $HOME/flags.db
`)
	t.Setenv("HOME", "/home/tester")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Shell.Binary != "/bin/sh" || len(cfg.Shell.Args) != 1 || cfg.Shell.Args[0] != "-i" {
		t.Fatalf("unexpected shell config: %+v", cfg.Shell)
	}
	if len(cfg.Shell.Env) != 1 || cfg.Shell.Env[0] != "TERM=dumb" {
		t.Fatalf("unexpected env: %v", cfg.Shell.Env)
	}
	if cfg.Shell.OutputBufferBytes != 2048 || cfg.Shell.RestartDelayMS != 250 {
		t.Fatalf("unexpected shell timing: %+v", cfg.Shell)
	}
	if cfg.Shell.PollDelayMS != 100 {
		t.Fatalf("expected default poll delay, got %d", cfg.Shell.PollDelayMS)
	}
	if cfg.Pairing.Mode != "always" || cfg.State.Backend != "sqlite" {
		t.Fatalf("unexpected pairing/state: %+v %+v", cfg.Pairing, cfg.State)
	}
	if cfg.State.Path != "/home/tester/flags.db" {
		t.Fatalf("expected expanded state path, got %q", cfg.State.Path)
	}
}

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 2
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRequiresConfigVersion(t *testing.T) {
	for _, body := range []string{"shell:\n  binary: adb", "http:\n  addr: 127.0.0.1:8080"} {
		path := writeConfig(t, body)
		if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "config_version is required") {
			t.Fatalf("expected config_version required error for %q, got %v", body, err)
		}
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"shell.output_buffer_bytes": "shell:\n  output_buffer_bytes: -1",
		"pairing.mode":              "pairing:\n  mode: sometimes",
		"state.backend":             "state:\n  backend: redis",
		"http.addr":                 "http:\n  addr: nope",
	}
	for want, body := range cases {
		path := writeConfig(t, "config_version: 1\n"+body)
		if _, err := Load(path); err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s error, got %v", want, err)
		}
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	value := expandEnv("$FOO/$UID/$GID/$MISSING")
	if !strings.HasPrefix(value, "bar/") {
		t.Fatalf("expected env expansion, got %q", value)
	}
	if strings.Contains(value, "$UID") || strings.Contains(value, "$GID") {
		t.Fatalf("expected UID/GID expansion, got %q", value)
	}
	if !strings.HasSuffix(value, "/$MISSING") {
		t.Fatalf("expected missing vars to remain, got %q", value)
	}
}

func TestWriteDefaultRespectsOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("expected path %q, got %q", path, written)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config to exist: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("expected overwrite to succeed: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("expected written default to load: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
