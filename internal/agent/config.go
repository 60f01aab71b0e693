package agent

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/kfuncsnoop/internal/attacher"
	"github.com/ethpandaops/kfuncsnoop/internal/export"
	httpexport "github.com/ethpandaops/kfuncsnoop/internal/export/http"
)

// Config is the top-level configuration for the kfuncsnoop agent.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// Attach configures kernel function discovery and attachment.
	Attach AttachConfig `yaml:"attach"`

	// Export configures catalog export to downstream collectors.
	Export ExportConfig `yaml:"export"`

	// Health configures the Prometheus health metrics server.
	Health export.HealthConfig `yaml:"health"`
}

// ExportConfig configures outbound data shipping.
type ExportConfig struct {
	// HTTP ships function catalog snapshots as batched NDJSON.
	HTTP httpexport.Config `yaml:"http"`
}

// AttachConfig configures the attachment pipeline.
type AttachConfig struct {
	// Mode selects the attach mechanism: auto, fentry, or
	// kprobe-single. Defaults to auto.
	Mode string `yaml:"mode"`

	// MaxFuncs caps the number of functions instrumented.
	// 0 means unlimited.
	MaxFuncs int `yaml:"max_funcs"`

	// MaxOpenFiles is the RLIMIT_NOFILE value to request. Each
	// instrumented function can hold several file descriptors.
	MaxOpenFiles uint64 `yaml:"max_open_files"`

	// DryRun walks the whole discovery pipeline without touching
	// the kernel.
	DryRun bool `yaml:"dry_run"`

	// Allow lists function glob patterns to instrument. Empty means
	// every attachable function.
	Allow []GlobConfig `yaml:"allow"`

	// Deny lists function glob patterns to exclude. Deny wins over
	// allow.
	Deny []GlobConfig `yaml:"deny"`
}

// GlobConfig is one filter pattern. In YAML it is either a plain
// string, optionally with a trailing "[module]" qualifier, or a
// mapping with explicit func and module patterns.
type GlobConfig struct {
	Func   string `yaml:"func"`
	Module string `yaml:"module"`
}

func (g *GlobConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}

		*g = parseGlob(s)

		return nil
	}

	type rawGlob GlobConfig

	return node.Decode((*rawGlob)(g))
}

// parseGlob splits "pattern [module]" into its parts.
func parseGlob(s string) GlobConfig {
	s = strings.TrimSpace(s)

	if strings.HasSuffix(s, "]") {
		if i := strings.LastIndex(s, "["); i > 0 {
			return GlobConfig{
				Func:   strings.TrimSpace(s[:i]),
				Module: strings.TrimSuffix(s[i+1:], "]"),
			}
		}
	}

	return GlobConfig{Func: s}
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Attach: AttachConfig{
			Mode: "auto",
		},
		Health: export.HealthConfig{
			Addr: ":9090",
		},
	}
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for required fields and consistency.
func (c *Config) Validate() error {
	if _, err := attacher.ParseAttachMode(c.Attach.Mode); err != nil {
		return fmt.Errorf("attach.mode: %w", err)
	}

	if c.Attach.MaxFuncs < 0 {
		return fmt.Errorf("attach.max_funcs must not be negative")
	}

	for _, g := range c.Attach.Allow {
		if g.Func == "" {
			return fmt.Errorf("attach.allow entries need a func pattern")
		}
	}

	for _, g := range c.Attach.Deny {
		if g.Func == "" {
			return fmt.Errorf("attach.deny entries need a func pattern")
		}
	}

	if err := c.Export.HTTP.Validate(); err != nil {
		return fmt.Errorf("export.http: %w", err)
	}

	return nil
}
