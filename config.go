package rerun

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-rerun/flags"
	"github.com/ethereum-optimism/infra/op-rerun/service"
	"github.com/ethereum-optimism/infra/op-rerun/types"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	oprpc "github.com/ethereum-optimism/optimism/op-service/rpc"
)

// RPCConfig configures the externally reachable RPC endpoints
type RPCConfig struct {
	Enabled        bool
	ListenAddr     string
	ListenPort     int
	EnableAdmin    bool
	AllowedOrigins []string
}

// Config holds the application configuration
type Config struct {
	Root               string
	WorkspaceFile      string
	CoreConfigFile     string
	ConfigPrefixes     []string
	Projects           []string // project name globs
	Filters            []string // test file path filters
	Watch              bool
	Changed            bool
	GoBinary           string
	TestNamePattern    string
	Overrides          types.ProjectOverrides
	ForceRerunTriggers []string
	Debounce           time.Duration
	TeardownTimeout    time.Duration
	CacheBackend       flags.CacheBackend
	CacheDir           string
	RedisURL           string
	Reporters          []string
	LogDir             string
	ProgressInterval   time.Duration
	HealthzAddr        string // empty disables the healthz endpoint
	RPC                RPCConfig
	Metrics            opmetrics.CLIConfig
	Log                log.Logger
}

// NewConfig creates a new Config from cli context. Positional arguments are
// test file filters.
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	rpcCfg := oprpc.ReadCLIConfig(ctx)
	cfg := &Config{
		Root:               ctx.String(flags.Root.Name),
		WorkspaceFile:      ctx.String(flags.Workspace.Name),
		CoreConfigFile:     ctx.String(flags.Config.Name),
		ConfigPrefixes:     ctx.StringSlice(flags.ConfigPrefixes.Name),
		Projects:           ctx.StringSlice(flags.Project.Name),
		Filters:            ctx.Args().Slice(),
		Watch:              ctx.Bool(flags.Watch.Name),
		Changed:            ctx.Bool(flags.Changed.Name),
		GoBinary:           ctx.String(flags.GoBinary.Name),
		TestNamePattern:    ctx.String(flags.TestNamePattern.Name),
		ForceRerunTriggers: ctx.StringSlice(flags.ForceRerunTriggers.Name),
		Debounce:           ctx.Duration(flags.Debounce.Name),
		TeardownTimeout:    ctx.Duration(flags.TeardownTimeout.Name),
		CacheBackend:       flags.CacheBackend(ctx.String(flags.Cache.Name)),
		CacheDir:           ctx.String(flags.CacheDir.Name),
		RedisURL:           ctx.String(flags.RedisURL.Name),
		Reporters:          ctx.StringSlice(flags.Reporters.Name),
		LogDir:             ctx.String(flags.LogDir.Name),
		ProgressInterval:   ctx.Duration(flags.ProgressInterval.Name),
		Overrides: types.ProjectOverrides{
			Concurrency:     ctx.Int(flags.Concurrency.Name),
			Timeout:         ctx.Duration(flags.Timeout.Name),
			Bail:            ctx.Int(flags.Bail.Name),
			PassWithNoTests: ctx.Bool(flags.PassWithNoTests.Name),
			BuildFlags:      ctx.StringSlice(flags.BuildFlags.Name),
		},
		RPC: RPCConfig{
			Enabled:        ctx.Bool(flags.EnableRPC.Name),
			ListenAddr:     rpcCfg.ListenAddr,
			ListenPort:     rpcCfg.ListenPort,
			EnableAdmin:    rpcCfg.EnableAdmin,
			AllowedOrigins: ctx.StringSlice(flags.AllowedOrigins.Name),
		},
		HealthzAddr: service.DefaultHealthzAddr(),
		Metrics:     opmetrics.ReadCLIConfig(ctx),
		Log:         log,
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Check validates the config and resolves relative paths against the working
// directory (or the root, for the cache directory).
func (c *Config) Check() error {
	if c.Root == "" {
		return errors.New("workspace root is required")
	}
	root, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path for root '%s': %w", c.Root, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("workspace root '%s' is not accessible: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace root '%s' is not a directory", root)
	}
	c.Root = root

	for _, p := range []*string{&c.WorkspaceFile, &c.CoreConfigFile, &c.LogDir} {
		if *p == "" {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("failed to resolve absolute path for '%s': %w", *p, err)
		}
		*p = abs
	}
	if c.CacheDir != "" && !filepath.IsAbs(c.CacheDir) {
		c.CacheDir = filepath.Join(c.Root, c.CacheDir)
	}

	if c.TestNamePattern != "" {
		if _, err := regexp.Compile(c.TestNamePattern); err != nil {
			return fmt.Errorf("invalid test name pattern: %w", err)
		}
	}
	if c.Overrides.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got %d", c.Overrides.Concurrency)
	}
	if c.Overrides.Bail < 0 {
		return fmt.Errorf("bail must not be negative, got %d", c.Overrides.Bail)
	}
	if c.CacheBackend == "" {
		c.CacheBackend = flags.CacheLevelDB
	}
	if !c.CacheBackend.IsValid() {
		return fmt.Errorf("invalid cache backend %q", c.CacheBackend)
	}
	if c.CacheBackend == flags.CacheRedis && c.RedisURL == "" {
		return errors.New("redis cache requires --redis-url")
	}
	for _, name := range c.Reporters {
		switch name {
		case flags.ReporterLog, flags.ReporterTable, flags.ReporterProgress, flags.ReporterFiles, flags.ReporterMetrics:
		default:
			return fmt.Errorf("unknown reporter %q", name)
		}
	}
	if c.GoBinary == "" {
		c.GoBinary = "go"
	}
	if c.Log == nil {
		c.Log = log.New()
	}
	return nil
}

// Command returns the mode name handed to inline project factories
func (c *Config) Command() string {
	if c.Watch {
		return "watch"
	}
	return "run"
}
