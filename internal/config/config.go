// Package config loads changegate's YAML configuration.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/changegate/internal/alert"
	"github.com/ppiankov/changegate/internal/autofix"
	"github.com/ppiankov/changegate/internal/gate"
	"github.com/ppiankov/changegate/internal/grounding"
	"github.com/ppiankov/changegate/internal/llm"
	"github.com/ppiankov/changegate/internal/model"
	"github.com/ppiankov/changegate/internal/sandbox"
	"github.com/ppiankov/changegate/internal/store"
)

// Environment overrides.
const (
	EnvStateDir     = "CHANGEGATE_STATE_DIR"
	EnvProjectRoot  = "CHANGEGATE_PROJECT_ROOT"
	EnvOpenAIAPIKey = "CHANGEGATE_OPENAI_API_KEY"
)

type ProjectConfig struct {
	Root string `yaml:"root"`
}

type StateConfig struct {
	Dir     string `yaml:"dir"`
	Backend string `yaml:"backend"`
}

type GateConfig struct {
	// CorpusFile replaces the built-in pattern corpus. Hot-reloaded.
	CorpusFile        string      `yaml:"corpus_file"`
	BlockThreshold    int         `yaml:"block_threshold"`
	Strict            bool        `yaml:"strict"`
	MaxRedactionRatio float64     `yaml:"max_redaction_ratio"`
	DiscardSeverity   model.Level `yaml:"discard_severity"`
}

type ProtectConfig struct {
	// File holds protected file patterns and allowed extensions. Hot-reloaded.
	File string `yaml:"file"`
}

type ValidateConfig struct {
	// ProjectPackages are the project's own top-level Python packages.
	ProjectPackages []string `yaml:"project_packages"`
}

type GroundingConfig struct {
	MaxBytes    int `yaml:"max_bytes"`
	MaxExamples int `yaml:"max_examples"`
}

type SandboxConfig struct {
	Python           string          `yaml:"python"`
	Environment      string          `yaml:"environment"`
	CopyRoots        []string        `yaml:"copy_roots"`
	ProvisionTimeout time.Duration   `yaml:"provision_timeout"`
	ProvisionRetries int             `yaml:"provision_retries"`
	TaskTimeout      time.Duration   `yaml:"task_timeout"`
	MaxConcurrent    int64           `yaml:"max_concurrent"`
	Stages           []sandbox.Stage `yaml:"stages"`
}

type AutoFixConfig struct {
	Enabled     bool    `yaml:"enabled"`
	MaxAttempts int     `yaml:"max_attempts"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

type DeployConfig struct {
	// SupervisorCommand is run once per service after apply and rollback,
	// with "{service}" replaced. Empty disables signalling.
	SupervisorCommand []string      `yaml:"supervisor_command"`
	Services          []string      `yaml:"services"`
	LockTimeout       time.Duration `yaml:"lock_timeout"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type InboxConfig struct {
	Dir       string `yaml:"dir"`
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queue_size"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the whole configuration file.
type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	State     StateConfig     `yaml:"state"`
	Gate      GateConfig      `yaml:"gate"`
	Protect   ProtectConfig   `yaml:"protect"`
	Validator ValidateConfig  `yaml:"validate"`
	Grounding GroundingConfig `yaml:"grounding"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	AutoFix   AutoFixConfig   `yaml:"autofix"`
	Deploy    DeployConfig    `yaml:"deploy"`
	LLM       llm.Config      `yaml:"llm"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Inbox     InboxConfig     `yaml:"inbox"`
	Alerts    []alert.Config  `yaml:"alerts"`
	Log       LogConfig       `yaml:"log"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Project:   ProjectConfig{Root: "."},
		Validator: ValidateConfig{ProjectPackages: []string{"app"}},
		State:     StateConfig{Dir: defaultStateDir(), Backend: store.BackendFile},
		Gate: GateConfig{
			BlockThreshold:    gate.DefaultBlockThreshold,
			MaxRedactionRatio: gate.DefaultMaxRedactionRatio,
			DiscardSeverity:   model.LevelCritical,
		},
		Grounding: GroundingConfig{MaxBytes: grounding.DefaultMaxBytes, MaxExamples: grounding.DefaultMaxExamples},
		Sandbox: SandboxConfig{
			Python:           "python3",
			Environment:      sandbox.EnvVenv,
			CopyRoots:        []string{"."},
			ProvisionTimeout: 300 * time.Second,
			ProvisionRetries: 2,
			TaskTimeout:      20 * time.Minute,
			MaxConcurrent:    4,
			Stages:           sandbox.DefaultStages(),
		},
		AutoFix: AutoFixConfig{
			Enabled:     true,
			MaxAttempts: autofix.DefaultMaxAttempts,
			Temperature: 0.2,
			MaxTokens:   2000,
		},
		Deploy: DeployConfig{LockTimeout: 10 * time.Second},
		LLM:    llm.Config{Provider: llm.ProviderOpenAI, Model: "gpt-4o-mini", Timeout: 120 * time.Second},
		GRPC:   GRPCConfig{Addr: "127.0.0.1:7443"},
		Inbox:  InboxConfig{Workers: 5, QueueSize: 200},
		Log:    LogConfig{Level: "info"},
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".changegate"
	}
	return filepath.Join(home, ".changegate")
}

// DefaultPath is where the config file is looked up when no path is given.
func DefaultPath() string {
	return filepath.Join(defaultStateDir(), "config.yaml")
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg, _, err := LoadWithHash(path)
	return cfg, err
}

// LoadWithHash also returns "sha256:<hex>" of the raw file, or of empty
// input when no file exists.
func LoadWithHash(path string) (*Config, string, error) {
	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("config: read %s: %w", path, err)
	}
	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	cfg := DefaultConfig()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, "", fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, hash, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvStateDir); v != "" {
		c.State.Dir = v
	}
	if v := os.Getenv(EnvProjectRoot); v != "" {
		c.Project.Root = v
	}
	if v := os.Getenv(EnvOpenAIAPIKey); v != "" {
		c.LLM.APIKey = v
	}
}

// Validate rejects settings no component could run with.
func (c *Config) Validate() error {
	var problems []string
	switch c.State.Backend {
	case store.BackendFile, store.BackendSQLite:
	default:
		problems = append(problems, fmt.Sprintf("state.backend %q is not file or sqlite", c.State.Backend))
	}
	switch c.Sandbox.Environment {
	case sandbox.EnvVenv, sandbox.EnvNone:
	default:
		problems = append(problems, fmt.Sprintf("sandbox.environment %q is not venv or none", c.Sandbox.Environment))
	}
	if c.Gate.BlockThreshold < 0 {
		problems = append(problems, "gate.block_threshold must not be negative")
	}
	if c.Gate.MaxRedactionRatio < 0 || c.Gate.MaxRedactionRatio > 1 {
		problems = append(problems, "gate.max_redaction_ratio must be within [0, 1]")
	}
	if c.AutoFix.MaxAttempts < 1 {
		problems = append(problems, "autofix.max_attempts must be at least 1")
	}
	for i, st := range c.Sandbox.Stages {
		if st.Name == "" {
			problems = append(problems, fmt.Sprintf("sandbox.stages[%d] has no name", i))
		}
		if st.Builtin == "" && len(st.Command) == 0 {
			problems = append(problems, fmt.Sprintf("sandbox.stages[%d] (%s) has no command", i, st.Name))
		}
	}
	for i, a := range c.Alerts {
		if a.URL == "" {
			problems = append(problems, fmt.Sprintf("alerts[%d] has no url", i))
		}
		if len(a.Events) == 0 {
			problems = append(problems, fmt.Sprintf("alerts[%d] subscribes to no events", i))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// resolvePaths expands "~" and makes file settings relative to the config
// file's directory absolute.
func (c *Config) resolvePaths(base string) {
	c.State.Dir = expandHome(c.State.Dir)
	c.Project.Root = expandHome(c.Project.Root)
	for _, p := range []*string{&c.Gate.CorpusFile, &c.Protect.File, &c.Inbox.Dir} {
		if *p == "" {
			continue
		}
		*p = expandHome(*p)
		if !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// InboxDir returns the inbox directory, defaulting to <state>/inbox.
func (c *Config) InboxDir() string {
	if c.Inbox.Dir != "" {
		return c.Inbox.Dir
	}
	return filepath.Join(c.State.Dir, "inbox")
}

// EventLogPath is the security event log under the state dir.
func (c *Config) EventLogPath() string {
	return filepath.Join(c.State.Dir, "security-events.jsonl")
}

// ExampleYAML is written by `changegate init`-style tooling and documents
// every section.
const ExampleYAML = `# changegate configuration
project:
  root: .
validate:
  project_packages: [app]
state:
  dir: ~/.changegate
  backend: file        # file | sqlite
gate:
  block_threshold: 30
  strict: false        # strict mode blocks at 20
  max_redaction_ratio: 0.2
  discard_severity: critical
protect:
  file: ""             # YAML with files: and extensions: lists
sandbox:
  python: python3
  environment: venv    # venv | none
  provision_timeout: 300s
  task_timeout: 20m
  max_concurrent: 4
autofix:
  enabled: true
  max_attempts: 5
deploy:
  supervisor_command: []   # e.g. [systemctl, restart, "{service}"]
  services: []
llm:
  provider: openai     # openai | bedrock
  model: gpt-4o-mini
grpc:
  addr: 127.0.0.1:7443
metrics:
  addr: ""
alerts:
  # - url: https://hooks.slack.com/services/...
  #   format: slack      # generic | slack | pagerduty
  #   events: [deploy_failed, unfixable, security_blocked, deployed, rolled_back]
`
