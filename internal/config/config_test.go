package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadProjectConfigDefaultsWhenMissing(t *testing.T) {
	projectDir := t.TempDir()
	marksDir := filepath.Join(projectDir, ".marks")
	if err := os.MkdirAll(marksDir, 0755); err != nil {
		t.Fatal(err)
	}
	c := &Config{ProjectDir: projectDir, MarksProjectDir: marksDir, Project: defaultProjectConfig()}
	if err := c.loadProjectConfig(); err != nil {
		t.Fatalf("loadProjectConfig returned error: %v", err)
	}
	if c.Project.Version != 1 {
		t.Fatalf("expected default version == 1, got %d", c.Project.Version)
	}
	if c.Project.Sandbox.NetworkMode != NetworkModeNone {
		t.Fatalf("expected default network mode %q, got %q", NetworkModeNone, c.Project.Sandbox.NetworkMode)
	}
	if c.Project.Sandbox.FilesystemMode != FilesystemModeReadOnly {
		t.Fatalf("expected default filesystem mode %q, got %q", FilesystemModeReadOnly, c.Project.Sandbox.FilesystemMode)
	}
}

func TestLoadProjectConfigParsesYaml(t *testing.T) {
	projectDir := t.TempDir()
	marksDir := filepath.Join(projectDir, ".marks")
	if err := os.MkdirAll(marksDir, 0755); err != nil {
		t.Fatal(err)
	}
	configYAML := strings.TrimSpace(`
version: 1
workers:
  pool_size: 2
  queue_depth: 4
  stage_timeout: 45s
bridge:
  transport: subprocess
  command: /usr/local/bin/marks-engine
  call_timeout: 10s
sandbox:
  count: 3
  queue_depth: 5
  scratch_path: scratch/jail
`)
	if err := os.WriteFile(filepath.Join(marksDir, "config.yaml"), []byte(configYAML), 0644); err != nil {
		t.Fatal(err)
	}
	c := &Config{ProjectDir: projectDir, MarksProjectDir: marksDir, Project: defaultProjectConfig()}
	if err := c.loadProjectConfig(); err != nil {
		t.Fatalf("loadProjectConfig returned error: %v", err)
	}
	if c.Project.Workers.PoolSize != 2 {
		t.Fatalf("expected pool size 2, got %d", c.Project.Workers.PoolSize)
	}
	if c.Project.Workers.StageTimeout != 45*time.Second {
		t.Fatalf("expected 45s stage timeout, got %s", c.Project.Workers.StageTimeout)
	}
	if c.Project.Bridge.Transport != "subprocess" {
		t.Fatalf("expected subprocess transport, got %q", c.Project.Bridge.Transport)
	}
	if c.Project.Sandbox.Count != 3 {
		t.Fatalf("expected 3 sandboxes, got %d", c.Project.Sandbox.Count)
	}
	if !strings.HasPrefix(c.ScratchDir(), projectDir) {
		t.Fatalf("expected scratch path resolved under project dir, got %s", c.ScratchDir())
	}
	// Defaults still apply to sections the file leaves out.
	if c.Project.Sandbox.FailureThreshold != 3 {
		t.Fatalf("expected default failure threshold, got %d", c.Project.Sandbox.FailureThreshold)
	}
}

func TestLoadProjectConfigKeepsExplicitZeros(t *testing.T) {
	projectDir := t.TempDir()
	marksDir := filepath.Join(projectDir, ".marks")
	if err := os.MkdirAll(marksDir, 0755); err != nil {
		t.Fatal(err)
	}
	configYAML := strings.TrimSpace(`
version: 1
workers:
  queue_depth: 0
  max_retries: 0
sandbox:
  queue_depth: 0
`)
	if err := os.WriteFile(filepath.Join(marksDir, "config.yaml"), []byte(configYAML), 0644); err != nil {
		t.Fatal(err)
	}
	c := &Config{ProjectDir: projectDir, MarksProjectDir: marksDir, Project: defaultProjectConfig()}
	if err := c.loadProjectConfig(); err != nil {
		t.Fatalf("loadProjectConfig returned error: %v", err)
	}
	if c.Project.Workers.QueueDepth != 0 {
		t.Fatalf("explicit workers.queue_depth 0 rewritten to %d", c.Project.Workers.QueueDepth)
	}
	if c.Project.Workers.MaxRetries != 0 {
		t.Fatalf("explicit workers.max_retries 0 rewritten to %d", c.Project.Workers.MaxRetries)
	}
	if c.Project.Sandbox.QueueDepth != 0 {
		t.Fatalf("explicit sandbox.queue_depth 0 rewritten to %d", c.Project.Sandbox.QueueDepth)
	}
	// Omitted keys in the same sections still pick up their defaults.
	if c.Project.Workers.PoolSize != 4 {
		t.Fatalf("omitted pool_size not defaulted: %d", c.Project.Workers.PoolSize)
	}
	if c.Project.Sandbox.FailureThreshold != 3 {
		t.Fatalf("omitted failure_threshold not defaulted: %d", c.Project.Sandbox.FailureThreshold)
	}
}

func TestLoadProjectConfigDefaultsOmittedQueueSettings(t *testing.T) {
	projectDir := t.TempDir()
	marksDir := filepath.Join(projectDir, ".marks")
	if err := os.MkdirAll(marksDir, 0755); err != nil {
		t.Fatal(err)
	}
	configYAML := "version: 1\nworkers:\n  pool_size: 2\n"
	if err := os.WriteFile(filepath.Join(marksDir, "config.yaml"), []byte(configYAML), 0644); err != nil {
		t.Fatal(err)
	}
	c := &Config{ProjectDir: projectDir, MarksProjectDir: marksDir, Project: defaultProjectConfig()}
	if err := c.loadProjectConfig(); err != nil {
		t.Fatalf("loadProjectConfig returned error: %v", err)
	}
	if c.Project.Workers.QueueDepth != 16 || c.Project.Workers.MaxRetries != 2 {
		t.Fatalf("omitted worker settings not defaulted: %+v", c.Project.Workers)
	}
	if c.Project.Sandbox.QueueDepth != 8 {
		t.Fatalf("omitted sandbox.queue_depth not defaulted: %d", c.Project.Sandbox.QueueDepth)
	}
}

func TestLoadProjectConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{
			name: "subprocess transport requires command",
			yaml: "version: 1\nbridge:\n  transport: subprocess\n",
		},
		{
			name: "network mode cannot be enabled",
			yaml: "version: 1\nsandbox:\n  network_mode: bridge\n",
		},
		{
			name: "filesystem mode cannot be writable",
			yaml: "version: 1\nsandbox:\n  filesystem_mode: read-write\n",
		},
		{
			name: "unknown transport",
			yaml: "version: 1\nbridge:\n  transport: carrier-pigeon\n",
		},
		{
			name: "negative max retries",
			yaml: "version: 1\nworkers:\n  max_retries: -1\n",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			projectDir := t.TempDir()
			marksDir := filepath.Join(projectDir, ".marks")
			if err := os.MkdirAll(marksDir, 0755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(filepath.Join(marksDir, "config.yaml"), []byte(tc.yaml), 0644); err != nil {
				t.Fatal(err)
			}
			c := &Config{ProjectDir: projectDir, MarksProjectDir: marksDir, Project: defaultProjectConfig()}
			if err := c.loadProjectConfig(); err == nil {
				t.Fatalf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestInitMarksDirCreatesLayout(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitMarksDir(projectDir); err != nil {
		t.Fatalf("InitMarksDir returned error: %v", err)
	}
	for _, sub := range []string{"logs", "state", "scratch", "plugins"} {
		if _, err := os.Stat(filepath.Join(projectDir, MarksDir, sub)); err != nil {
			t.Fatalf("expected %s directory: %v", sub, err)
		}
	}
	if _, err := os.Stat(filepath.Join(projectDir, MarksDir, "config.yaml")); err != nil {
		t.Fatalf("expected seeded config.yaml: %v", err)
	}
}
