// Package exitcodes defines the process exit codes of op-rerun.
package exitcodes

// A single run exits with:
//
// * Success (0): every selected test file passed, or none were found with pass-with-no-tests
// * TestFailure (1): a test failed, an unhandled error was recorded or no test files were found
// * RuntimeErr (2): configuration errors, teardown timeouts and other operational failures
const (
	Success     = 0
	TestFailure = 1
	RuntimeErr  = 2
)
