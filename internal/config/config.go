// internal/config/config.go
//
// This package handles configuration and the .marks directory structure.
// Every deployment of the marking daemon gets a .marks/ folder created in
// its working directory for logs, state, and the sandbox scratch area.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MarksDir is the name of the directory we create for each deployment
	MarksDir = ".marks"

	// NetworkModeNone disables all sandbox network access. It is the only
	// accepted value; anything else fails validation rather than degrading
	// the isolation policy.
	NetworkModeNone = "none"

	// FilesystemModeReadOnly mounts the sandbox root read-only with a single
	// writable scratch path.
	FilesystemModeReadOnly = "read-only"
)

const defaultConfigYAML = `# marking daemon configuration
version: 1

workers:
  pool_size: 4
  queue_depth: 16
  max_retries: 2
  stage_timeout: 2m

bridge:
  # transport is "inprocess" or "subprocess"
  transport: inprocess
  command: ""
  call_timeout: 30s
  max_restarts: 3

sandbox:
  count: 2
  queue_depth: 8
  call_timeout: 2m
  failure_threshold: 3
  memory_limit_mb: 8192
  cpu_shares: 512
  network_mode: none
  filesystem_mode: read-only
  jail_command: bwrap

ingress:
  enabled: true
  host: 127.0.0.1
  port: 8750
`

// WorkerConfig sizes the worker pool and its dispatch queue. Zero is a
// legal setting for queue_depth (no buffering) and max_retries (no
// retries), so decoding tracks which keys the file actually set and
// defaults apply only to the omitted ones.
type WorkerConfig struct {
	PoolSize     int           `yaml:"pool_size"`
	QueueDepth   int           `yaml:"queue_depth"`
	MaxRetries   int           `yaml:"max_retries"`
	StageTimeout time.Duration `yaml:"stage_timeout"`

	queueDepthSet bool
	maxRetriesSet bool
}

// UnmarshalYAML distinguishes an explicit zero from an omitted key for the
// fields where zero is meaningful.
func (wc *WorkerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		PoolSize     int           `yaml:"pool_size"`
		QueueDepth   *int          `yaml:"queue_depth"`
		MaxRetries   *int          `yaml:"max_retries"`
		StageTimeout time.Duration `yaml:"stage_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	wc.PoolSize = raw.PoolSize
	wc.StageTimeout = raw.StageTimeout
	if raw.QueueDepth != nil {
		wc.QueueDepth = *raw.QueueDepth
		wc.queueDepthSet = true
	}
	if raw.MaxRetries != nil {
		wc.MaxRetries = *raw.MaxRetries
		wc.maxRetriesSet = true
	}
	return nil
}

// BridgeConfig selects the engine transport and bounds its calls.
type BridgeConfig struct {
	Transport   string        `yaml:"transport"`
	Command     string        `yaml:"command"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	MaxRestarts int           `yaml:"max_restarts"`
}

// SandboxConfig is the isolation policy for inference sandboxes. The
// network and filesystem modes are part of the external security contract:
// the pool manager configures them, the host jail enforces them.
type SandboxConfig struct {
	Count            int           `yaml:"count"`
	QueueDepth       int           `yaml:"queue_depth"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	MemoryLimitMB    int           `yaml:"memory_limit_mb"`
	CPUShares        int           `yaml:"cpu_shares"`
	NetworkMode      string        `yaml:"network_mode"`
	FilesystemMode   string        `yaml:"filesystem_mode"`
	JailCommand      string        `yaml:"jail_command"`
	JailBinary       string        `yaml:"jail_binary,omitempty"`
	ScratchPath      string        `yaml:"scratch_path,omitempty"`

	queueDepthSet bool
}

// UnmarshalYAML keeps an explicit queue_depth of zero, which disables
// request buffering rather than asking for the default.
func (sc *SandboxConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Count            int           `yaml:"count"`
		QueueDepth       *int          `yaml:"queue_depth"`
		CallTimeout      time.Duration `yaml:"call_timeout"`
		FailureThreshold int           `yaml:"failure_threshold"`
		MemoryLimitMB    int           `yaml:"memory_limit_mb"`
		CPUShares        int           `yaml:"cpu_shares"`
		NetworkMode      string        `yaml:"network_mode"`
		FilesystemMode   string        `yaml:"filesystem_mode"`
		JailCommand      string        `yaml:"jail_command"`
		JailBinary       string        `yaml:"jail_binary"`
		ScratchPath      string        `yaml:"scratch_path"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	sc.Count = raw.Count
	sc.CallTimeout = raw.CallTimeout
	sc.FailureThreshold = raw.FailureThreshold
	sc.MemoryLimitMB = raw.MemoryLimitMB
	sc.CPUShares = raw.CPUShares
	sc.NetworkMode = raw.NetworkMode
	sc.FilesystemMode = raw.FilesystemMode
	sc.JailCommand = raw.JailCommand
	sc.JailBinary = raw.JailBinary
	sc.ScratchPath = raw.ScratchPath
	if raw.QueueDepth != nil {
		sc.QueueDepth = *raw.QueueDepth
		sc.queueDepthSet = true
	}
	return nil
}

// IngressConfig controls the HTTP submission surface.
type IngressConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// ProjectConfig models .marks/config.yaml.
type ProjectConfig struct {
	Version int           `yaml:"version"`
	Workers WorkerConfig  `yaml:"workers"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Ingress IngressConfig `yaml:"ingress"`
}

// Config holds the runtime configuration for the marking daemon.
type Config struct {
	// ProjectDir is the directory the daemon was started from
	ProjectDir string

	// MarksProjectDir is ProjectDir/.marks
	MarksProjectDir string

	Project ProjectConfig
}

// InitMarksDir creates the .marks directory structure in the given project
// directory. Called once at daemon startup.
//
// Structure created:
// .marks/
// ├── logs/     <- daemon and worker logs
// ├── state/    <- persisted job snapshots and event journal
// ├── scratch/  <- the single writable path mounted into sandboxes
// └── plugins/  <- feedback formatter scripts
func InitMarksDir(projectDir string) error {
	marksDir := filepath.Join(projectDir, MarksDir)

	dirs := []string{
		filepath.Join(marksDir, "logs"),
		filepath.Join(marksDir, "state"),
		filepath.Join(marksDir, "scratch"),
		filepath.Join(marksDir, "plugins"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return ensureProjectConfig(filepath.Join(marksDir, "config.yaml"))
}

// NewConfig creates a Config populated from .marks/config.yaml, falling back
// to defaults when the file does not exist yet.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir:      projectDir,
		MarksProjectDir: filepath.Join(projectDir, MarksDir),
		Project:         defaultProjectConfig(),
	}

	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.MarksProjectDir, "logs")
}

// StateDir returns the path to the state directory
func (c *Config) StateDir() string {
	return filepath.Join(c.MarksProjectDir, "state")
}

// ScratchDir returns the writable scratch path mounted into sandboxes.
func (c *Config) ScratchDir() string {
	if c.Project.Sandbox.ScratchPath != "" {
		return c.Project.Sandbox.ScratchPath
	}
	return filepath.Join(c.MarksProjectDir, "scratch")
}

// PluginsDir returns the directory scanned for feedback formatter scripts.
func (c *Config) PluginsDir() string {
	return filepath.Join(c.MarksProjectDir, "plugins")
}

// ProjectConfigPath returns the on-disk location for the config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.MarksProjectDir, "config.yaml")
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed ProjectConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize(c.ProjectDir)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	cfg := ProjectConfig{Version: 1}
	cfg.applyDefaults()
	return cfg
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.Workers.PoolSize == 0 {
		pc.Workers.PoolSize = 4
	}
	if pc.Workers.QueueDepth == 0 && !pc.Workers.queueDepthSet {
		pc.Workers.QueueDepth = 16
	}
	if pc.Workers.MaxRetries == 0 && !pc.Workers.maxRetriesSet {
		pc.Workers.MaxRetries = 2
	}
	if pc.Workers.StageTimeout == 0 {
		pc.Workers.StageTimeout = 2 * time.Minute
	}
	if pc.Bridge.Transport == "" {
		pc.Bridge.Transport = "inprocess"
	}
	if pc.Bridge.CallTimeout == 0 {
		pc.Bridge.CallTimeout = 30 * time.Second
	}
	if pc.Bridge.MaxRestarts == 0 {
		pc.Bridge.MaxRestarts = 3
	}
	if pc.Sandbox.Count == 0 {
		pc.Sandbox.Count = 2
	}
	if pc.Sandbox.QueueDepth == 0 && !pc.Sandbox.queueDepthSet {
		pc.Sandbox.QueueDepth = 8
	}
	if pc.Sandbox.CallTimeout == 0 {
		pc.Sandbox.CallTimeout = 2 * time.Minute
	}
	if pc.Sandbox.FailureThreshold == 0 {
		pc.Sandbox.FailureThreshold = 3
	}
	if pc.Sandbox.MemoryLimitMB == 0 {
		pc.Sandbox.MemoryLimitMB = 8192
	}
	if pc.Sandbox.CPUShares == 0 {
		pc.Sandbox.CPUShares = 512
	}
	if pc.Sandbox.NetworkMode == "" {
		pc.Sandbox.NetworkMode = NetworkModeNone
	}
	if pc.Sandbox.FilesystemMode == "" {
		pc.Sandbox.FilesystemMode = FilesystemModeReadOnly
	}
	if pc.Sandbox.JailCommand == "" {
		pc.Sandbox.JailCommand = "bwrap"
	}
	if pc.Ingress.Host == "" {
		pc.Ingress.Host = "127.0.0.1"
	}
	if pc.Ingress.Port == 0 {
		pc.Ingress.Port = 8750
	}
}

func (pc *ProjectConfig) normalize(base string) {
	pc.Bridge.Transport = strings.ToLower(strings.TrimSpace(pc.Bridge.Transport))
	pc.Bridge.Command = strings.TrimSpace(pc.Bridge.Command)
	pc.Sandbox.NetworkMode = strings.ToLower(strings.TrimSpace(pc.Sandbox.NetworkMode))
	pc.Sandbox.FilesystemMode = strings.ToLower(strings.TrimSpace(pc.Sandbox.FilesystemMode))
	pc.Sandbox.JailCommand = strings.TrimSpace(pc.Sandbox.JailCommand)
	pc.Sandbox.JailBinary = strings.TrimSpace(pc.Sandbox.JailBinary)
	pc.Sandbox.ScratchPath = resolvePath(base, pc.Sandbox.ScratchPath)
	pc.Ingress.Host = strings.TrimSpace(pc.Ingress.Host)
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if pc.Workers.PoolSize < 1 {
		return fmt.Errorf("workers.pool_size must be >= 1")
	}
	if pc.Workers.QueueDepth < 0 {
		return fmt.Errorf("workers.queue_depth must be >= 0")
	}
	if pc.Workers.MaxRetries < 0 {
		return fmt.Errorf("workers.max_retries must be >= 0")
	}
	switch pc.Bridge.Transport {
	case "inprocess":
	case "subprocess":
		if pc.Bridge.Command == "" {
			return fmt.Errorf("bridge.command is required for subprocess transport")
		}
	default:
		return fmt.Errorf("bridge.transport must be 'inprocess' or 'subprocess'")
	}
	if pc.Sandbox.Count < 1 {
		return fmt.Errorf("sandbox.count must be >= 1")
	}
	if pc.Sandbox.QueueDepth < 0 {
		return fmt.Errorf("sandbox.queue_depth must be >= 0")
	}
	if pc.Sandbox.FailureThreshold < 1 {
		return fmt.Errorf("sandbox.failure_threshold must be >= 1")
	}
	if pc.Sandbox.NetworkMode != NetworkModeNone {
		return fmt.Errorf("sandbox.network_mode must be %q; sandboxes never get network access", NetworkModeNone)
	}
	if pc.Sandbox.FilesystemMode != FilesystemModeReadOnly {
		return fmt.Errorf("sandbox.filesystem_mode must be %q", FilesystemModeReadOnly)
	}
	if pc.Ingress.Port < 1 || pc.Ingress.Port > 65535 {
		return fmt.Errorf("ingress.port must be a valid TCP port")
	}
	return nil
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0644)
}
