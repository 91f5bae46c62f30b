package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"serve", "pair", "tail", "config", "doctor", "version"} {
		if !names[want] {
			t.Fatalf("expected root command to include %s", want)
		}
	}
}

func TestVersionPrintsModule(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "shellwarden") {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestConfigInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	run := func(args ...string) error {
		root := newRootCmd()
		root.SetArgs(args)
		return root.ExecuteContext(context.Background())
	}
	if err := run("config", "init", "-c", path); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if err := run("config", "init", "-c", path); err == nil {
		t.Fatalf("expected second init without --force to fail")
	}
	if err := run("config", "init", "-c", path, "--force"); err != nil {
		t.Fatalf("config init --force: %v", err)
	}
}

func TestTailPrintsBuffer(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "shell.out")
	if err := os.WriteFile(output, []byte(strings.Repeat("x", 100)+"tail"), 0o600); err != nil {
		t.Fatalf("write output: %v", err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := "config_version: 1\nshell:\n  output_file: " + output + "\n  output_buffer_bytes: 8\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"tail", "-c", cfgPath})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("tail: %v", err)
	}
	if out.String() != "xxxxtail" {
		t.Fatalf("expected last 8 bytes, got %q", out.String())
	}
}
