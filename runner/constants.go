package runner

import "time"

// Test execution constants
const (
	// DefaultTestTimeout is the default timeout for a single go test process
	DefaultTestTimeout = 10 * time.Minute

	// Default go binary name
	DefaultGoBinary = "go"

	// Test command arguments
	TestCommand = "test"
	JSONFlag    = "-json"
	TimeoutFlag = "-timeout"
	CountFlag   = "-count"
	RunFlag     = "-run"

	// Test count to disable caching
	DisableCacheCount = "1"

	CurrentDirPattern = "."

	// MaxReasonableConcurrency caps auto-determined concurrency to avoid resource exhaustion
	MaxReasonableConcurrency = 32

	// fetchMode is passed to fetchModule and resolveID for test execution
	fetchMode = "test"

	// UnhandledErrorType labels errors that escaped a worker
	UnhandledErrorType = "Unhandled Error"
)
