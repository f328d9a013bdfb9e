package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"aimdrag/internal/classify"
	"aimdrag/internal/governance"
)

// FileName is the config file looked up in a workspace.
const FileName = "aimdrag.yml"

// Config models aimdrag.yml.
type Config struct {
	Audit struct {
		Path            string `yaml:"path"`
		Checkpoint      string `yaml:"checkpoint"`
		TrustCheckpoint bool   `yaml:"trust_checkpoint"`
		Fsync           bool   `yaml:"fsync"`
	} `yaml:"audit"`
	Archive struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"archive"`
	LanguageFilter struct {
		ExtraForbidden []governance.Phrase `yaml:"extra_forbidden"`
	} `yaml:"language_filter"`
	Workflows map[string]Workflow `yaml:"workflows"`
	Defaults  struct {
		SideEffects bool `yaml:"side_effects"`
	} `yaml:"defaults"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Workflow declares whether a workflow touches external systems. SideEffectsWhen
// is a CEL expression over `workflow` and `parameters` that overrides
// SideEffects when set.
type Workflow struct {
	SideEffects     bool   `yaml:"side_effects"`
	SideEffectsWhen string `yaml:"side_effects_when"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with aimdrag config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Audit.Path == "" {
		return fmt.Errorf("config.audit.path is required")
	}
	switch c.Archive.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("config.archive.driver must be sqlite or postgres, got %q", c.Archive.Driver)
	}
	if c.Archive.Driver == "postgres" && c.Archive.DSN == "" {
		return fmt.Errorf("config.archive.dsn is required for postgres")
	}
	for i, p := range c.LanguageFilter.ExtraForbidden {
		if strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("config.language_filter.extra_forbidden[%d] has empty phrase", i)
		}
		switch p.Category {
		case "", governance.CategoryRecommendation, governance.CategoryImperative, governance.CategoryCertainty:
		default:
			return fmt.Errorf("config.language_filter.extra_forbidden[%d] has unknown category %q", i, p.Category)
		}
	}
	for name, wf := range c.Workflows {
		if name == "" {
			return fmt.Errorf("config.workflows contains empty workflow name")
		}
		if wf.SideEffectsWhen != "" {
			if err := classify.Compile(wf.SideEffectsWhen); err != nil {
				return fmt.Errorf("workflow %s: side_effects_when: %w", name, err)
			}
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be debug, info, warn or error")
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("config.log.format must be json or text")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// AuditPath resolves the audit log path against the workspace.
func (c *Config) AuditPath(workspace string) string {
	return resolve(workspace, c.Audit.Path)
}

// CheckpointPath resolves the checkpoint path, defaulting to a file next to
// the audit log.
func (c *Config) CheckpointPath(workspace string) string {
	if c.Audit.Checkpoint == "" {
		return c.AuditPath(workspace) + ".checkpoint"
	}
	return resolve(workspace, c.Audit.Checkpoint)
}

// ArchiveDSN resolves a sqlite archive file against the workspace.
func (c *Config) ArchiveDSN(workspace string) string {
	if c.Archive.Driver == "postgres" {
		return c.Archive.DSN
	}
	dsn := c.Archive.DSN
	if dsn == "" {
		dsn = "archive.db"
	}
	return resolve(workspace, dsn)
}

func resolve(workspace, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, p)
}

// Classifier compiles the workflow table.
func (c *Config) Classifier() (*classify.Classifier, error) {
	rules := make(map[string]classify.Rule, len(c.Workflows))
	for name, wf := range c.Workflows {
		rules[name] = classify.Rule{SideEffects: wf.SideEffects, When: wf.SideEffectsWhen}
	}
	return classify.New(rules, c.Defaults.SideEffects)
}

// Filter builds the language filter including configured phrases.
func (c *Config) Filter() *governance.LanguageFilter {
	return governance.NewLanguageFilter(c.LanguageFilter.ExtraForbidden...)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Scalars missing
// from data keep their default values; the workflow table does not.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Workflows = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `audit:
  path: audit.jsonl
  trust_checkpoint: false
  fsync: true

archive:
  driver: sqlite
  dsn: archive.db

language_filter:
  extra_forbidden: []

workflows:
  summarize:
    side_effects: false
  send_email:
    side_effects: true
  create_ticket:
    side_effects_when: '!(has(parameters.dry_run) && parameters.dry_run == true)'

defaults:
  side_effects: true

server:
  addr: 127.0.0.1:8080
  base_path: /v0

log:
  level: info
  format: json
`
