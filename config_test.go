package rerun

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-rerun/flags"
)

func TestNewConfig(t *testing.T) {
	root := t.TempDir()
	var cfg *Config
	app := &cli.App{
		Flags: flags.Flags,
		Action: func(ctx *cli.Context) error {
			var err error
			cfg, err = NewConfig(ctx, log.NewLogger(log.DiscardHandler()))
			return err
		},
	}
	require.NoError(t, app.Run([]string{"op-rerun",
		"--root", root,
		"--watch",
		"--bail", "2",
		"--test-name-pattern", "^TestFoo",
		"--project", "unit",
		"--cache", "memory",
		"pkg/a_test.go", "pkg/b",
	}))

	assert.Equal(t, root, cfg.Root)
	assert.True(t, cfg.Watch)
	assert.Equal(t, "watch", cfg.Command())
	assert.Equal(t, 2, cfg.Overrides.Bail)
	assert.Equal(t, "^TestFoo", cfg.TestNamePattern)
	assert.Equal(t, []string{"unit"}, cfg.Projects)
	assert.Equal(t, []string{"pkg/a_test.go", "pkg/b"}, cfg.Filters)
	assert.Equal(t, flags.CacheMemory, cfg.CacheBackend)
	assert.Equal(t, filepath.Join(root, ".rerun-cache"), cfg.CacheDir)
	assert.Equal(t, 100*time.Millisecond, cfg.Debounce)
	assert.Equal(t, []string{"**/go.mod", "**/go.sum"}, cfg.ForceRerunTriggers)
	assert.Equal(t, []string{flags.ReporterLog, flags.ReporterTable}, cfg.Reporters)
	assert.Equal(t, []string{"*"}, cfg.RPC.AllowedOrigins)
	assert.False(t, cfg.RPC.Enabled)
}

func TestConfig_Check(t *testing.T) {
	root := t.TempDir()
	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing root", func(c *Config) { c.Root = "" }, "workspace root is required"},
		{"root is not a directory", func(c *Config) { c.Root = filepath.Join(root, "nope") }, "not accessible"},
		{"invalid name pattern", func(c *Config) { c.TestNamePattern = "(" }, "invalid test name pattern"},
		{"negative concurrency", func(c *Config) { c.Overrides.Concurrency = -1 }, "concurrency must not be negative"},
		{"negative bail", func(c *Config) { c.Overrides.Bail = -1 }, "bail must not be negative"},
		{"unknown cache", func(c *Config) { c.CacheBackend = "sqlite" }, "invalid cache backend"},
		{"redis without url", func(c *Config) { c.CacheBackend = flags.CacheRedis }, "requires --redis-url"},
		{"unknown reporter", func(c *Config) { c.Reporters = []string{"junit"} }, "unknown reporter"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := newTestConfig(root)
			tc.mutate(cfg)
			err := cfg.Check()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestConfig_CheckDefaults(t *testing.T) {
	cfg := &Config{Root: "."}
	require.NoError(t, cfg.Check())
	assert.True(t, filepath.IsAbs(cfg.Root))
	assert.Equal(t, flags.CacheLevelDB, cfg.CacheBackend)
	assert.Equal(t, "go", cfg.GoBinary)
	assert.NotNil(t, cfg.Log)
	assert.Equal(t, "run", cfg.Command())
}
