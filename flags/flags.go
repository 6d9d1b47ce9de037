package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	opflags "github.com/ethereum-optimism/optimism/op-service/flags"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	oprpc "github.com/ethereum-optimism/optimism/op-service/rpc"
)

const EnvVarPrefix = "OP_RERUN"

// CacheBackend selects where results and stats are persisted
type CacheBackend string

const (
	CacheLevelDB CacheBackend = "leveldb"
	CacheMemory  CacheBackend = "memory"
	CacheRedis   CacheBackend = "redis"
	CacheNone    CacheBackend = "none"
)

// IsValid checks if the backend is known
func (c CacheBackend) IsValid() bool {
	switch c {
	case CacheLevelDB, CacheMemory, CacheRedis, CacheNone:
		return true
	}
	return false
}

// Reporter names accepted by --reporter
const (
	ReporterLog      = "log"
	ReporterTable    = "table"
	ReporterProgress = "progress"
	ReporterFiles    = "files"
	ReporterMetrics  = "metrics"
)

var (
	Root = &cli.StringFlag{
		Name:    "root",
		Value:   ".",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ROOT"),
		Usage:   "Workspace root. Must contain (or sit below) a go.mod",
	}
	Workspace = &cli.StringFlag{
		Name:    "workspace",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WORKSPACE"),
		Usage:   "Path to the workspace definition (default: rerun.workspace.{yaml,yml,toml} in the root)",
	}
	Config = &cli.StringFlag{
		Name:    "config",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONFIG"),
		Usage:   "Path to the core project config (default: rerun.config.* in the root)",
	}
	ConfigPrefixes = &cli.StringSliceFlag{
		Name:    "config-prefixes",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONFIG_PREFIXES"),
		Usage:   "Recognised project config file prefixes, most preferred first",
	}
	Project = &cli.StringSliceFlag{
		Name:    "project",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PROJECT"),
		Usage:   "Only run projects whose name matches one of these globs",
	}
	Watch = &cli.BoolFlag{
		Name:    "watch",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WATCH"),
		Usage:   "Keep running and rerun affected test files on change",
	}
	Changed = &cli.BoolFlag{
		Name:    "changed",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CHANGED"),
		Usage:   "Only run test files whose source or dependencies changed since the cached run",
	}
	GoBinary = &cli.StringFlag{
		Name:    "go-binary",
		Value:   "go",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "GO_BINARY"),
		Usage:   "Path to the Go binary to use for running tests",
	}
	Concurrency = &cli.IntFlag{
		Name:    "concurrency",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONCURRENCY"),
		Usage:   "Number of test files run in parallel (0 = number of CPUs)",
	}
	Timeout = &cli.DurationFlag{
		Name:    "timeout",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TIMEOUT"),
		Usage:   "Timeout passed to go test for each file (0 = project setting or go default)",
	}
	TestNamePattern = &cli.StringFlag{
		Name:    "test-name-pattern",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TEST_NAME_PATTERN"),
		Usage:   "Only run tests whose name matches this regular expression",
	}
	Bail = &cli.IntFlag{
		Name:    "bail",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "BAIL"),
		Usage:   "Cancel the run once this many tests failed (0 = never)",
	}
	PassWithNoTests = &cli.BoolFlag{
		Name:    "pass-with-no-tests",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PASS_WITH_NO_TESTS"),
		Usage:   "Exit with code 0 when no test files are found",
	}
	BuildFlags = &cli.StringSliceFlag{
		Name:    "build-flags",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "BUILD_FLAGS"),
		Usage:   "Extra flags passed to go test (e.g. -race)",
	}
	ForceRerunTriggers = &cli.StringSliceFlag{
		Name:    "force-rerun-triggers",
		Value:   cli.NewStringSlice("**/go.mod", "**/go.sum"),
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FORCE_RERUN_TRIGGERS"),
		Usage:   "Globs of files that rerun every test file when changed",
	}
	Debounce = &cli.DurationFlag{
		Name:    "debounce",
		Value:   100 * time.Millisecond,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DEBOUNCE"),
		Usage:   "Window in which file changes are coalesced into one rerun",
	}
	TeardownTimeout = &cli.DurationFlag{
		Name:    "teardown-timeout",
		Value:   10 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TEARDOWN_TIMEOUT"),
		Usage:   "Maximum time to wait for workers and teardown hooks on shutdown",
	}
	Cache = &cli.StringFlag{
		Name:    "cache",
		Value:   string(CacheLevelDB),
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CACHE"),
		Usage:   fmt.Sprintf("Results cache backend (%s, %s, %s, %s)", CacheLevelDB, CacheMemory, CacheRedis, CacheNone),
		Action: func(_ *cli.Context, v string) error {
			if !CacheBackend(v).IsValid() {
				return fmt.Errorf("invalid cache backend %q", v)
			}
			return nil
		},
	}
	CacheDir = &cli.StringFlag{
		Name:    "cache-dir",
		Value:   ".rerun-cache",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CACHE_DIR"),
		Usage:   "Directory of the leveldb results cache, relative to the root",
	}
	RedisURL = &cli.StringFlag{
		Name:    "redis-url",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "REDIS_URL"),
		Usage:   "Redis URL for the redis cache backend (e.g. redis://localhost:6379/0)",
	}
	Reporters = &cli.StringSliceFlag{
		Name:    "reporter",
		Value:   cli.NewStringSlice(ReporterLog, ReporterTable),
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "REPORTER"),
		Usage:   "Reporters to enable: log, table, progress, files, metrics",
	}
	LogDir = &cli.StringFlag{
		Name:    "logdir",
		Value:   "logs",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOGDIR"),
		Usage:   "Directory for the files reporter",
	}
	ProgressInterval = &cli.DurationFlag{
		Name:    "progress-interval",
		Value:   30 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PROGRESS_INTERVAL"),
		Usage:   "Interval between progress updates of the progress reporter",
	}
	EnableRPC = &cli.BoolFlag{
		Name:    "rpc.enabled",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RPC_ENABLED"),
		Usage:   "Serve the worker and admin RPC endpoints over HTTP and WebSocket",
	}
	AllowedOrigins = &cli.StringSliceFlag{
		Name:    "rpc.allowed-origins",
		Value:   cli.NewStringSlice("*"),
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RPC_ALLOWED_ORIGINS"),
		Usage:   "Origins allowed to connect to the RPC endpoints",
	}
)

var requiredFlags = []cli.Flag{}

var optionalFlags = []cli.Flag{
	Root,
	Workspace,
	Config,
	ConfigPrefixes,
	Project,
	Watch,
	Changed,
	GoBinary,
	Concurrency,
	Timeout,
	TestNamePattern,
	Bail,
	PassWithNoTests,
	BuildFlags,
	ForceRerunTriggers,
	Debounce,
	TeardownTimeout,
	Cache,
	CacheDir,
	RedisURL,
	Reporters,
	LogDir,
	ProgressInterval,
	EnableRPC,
	AllowedOrigins,
}
var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oprpc.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return opflags.CheckRequiredXor(ctx)
}
