package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "auto", cfg.Attach.Mode)
	assert.Equal(t, ":9090", cfg.Health.Addr)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	yaml := `
log_level: debug
attach:
  mode: fentry
  max_funcs: 5000
  max_open_files: 500000
  allow:
    - "vfs_*"
    - "xfs_* [xfs]"
    - func: ext4_*
      module: ext4
  deny:
    - "*_sys_exit*"
health:
  addr: ":9091"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "fentry", cfg.Attach.Mode)
	assert.Equal(t, 5000, cfg.Attach.MaxFuncs)
	assert.Equal(t, uint64(500000), cfg.Attach.MaxOpenFiles)
	assert.Equal(t, []GlobConfig{
		{Func: "vfs_*"},
		{Func: "xfs_*", Module: "xfs"},
		{Func: "ext4_*", Module: "ext4"},
	}, cfg.Attach.Allow)
	assert.Equal(t, []GlobConfig{{Func: "*_sys_exit*"}}, cfg.Attach.Deny)
	assert.Equal(t, ":9091", cfg.Health.Addr)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	// Use a tab character at the start which is invalid YAML indentation.
	require.NoError(t, os.WriteFile(path, []byte("\t- bad"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name: "unknown attach mode",
			mutate: func(c *Config) {
				c.Attach.Mode = "uprobe"
			},
			wantErr: "attach.mode",
		},
		{
			name: "negative max funcs",
			mutate: func(c *Config) {
				c.Attach.MaxFuncs = -1
			},
			wantErr: "attach.max_funcs",
		},
		{
			name: "allow glob without pattern",
			mutate: func(c *Config) {
				c.Attach.Allow = []GlobConfig{{Module: "xfs"}}
			},
			wantErr: "attach.allow",
		},
		{
			name: "deny glob without pattern",
			mutate: func(c *Config) {
				c.Attach.Deny = []GlobConfig{{}}
			},
			wantErr: "attach.deny",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseGlob(t *testing.T) {
	tests := []struct {
		in   string
		want GlobConfig
	}{
		{in: "vfs_*", want: GlobConfig{Func: "vfs_*"}},
		{in: "xfs_* [xfs]", want: GlobConfig{Func: "xfs_*", Module: "xfs"}},
		{in: "ext4_*[ext4]", want: GlobConfig{Func: "ext4_*", Module: "ext4"}},
		{in: "  vfs_read  ", want: GlobConfig{Func: "vfs_read"}},
		// A leading bracket is part of the pattern, not a module.
		{in: "[weird]", want: GlobConfig{Func: "[weird]"}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseGlob(tt.in))
		})
	}
}
