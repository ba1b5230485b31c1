// Package exitcodes defines the process exit codes of op-tester.
package exitcodes

// Success (0) means every job passed or skipped, TestFailure (1) means at
// least one job failed, RuntimeErr (2) covers configuration, coverage store
// and spawn failures.
const (
	Success     = 0
	TestFailure = 1
	RuntimeErr  = 2
)
