package scheduler

import (
	"github.com/ethereum-optimism/infra/op-tester/job"
)

// Status is the outcome of one task.
type Status string

const (
	StatusPass      Status = "pass"
	StatusSkip      Status = "skip"
	StatusFail      Status = "fail"
	StatusError     Status = "error"
	StatusAbnormal  Status = "abnormal"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Failed reports whether the status should fail the suite.
func (s Status) Failed() bool {
	switch s {
	case StatusPass, StatusSkip:
		return false
	}
	return true
}

// Classify maps an exit code onto a Status. Codes outside the known set,
// including deaths by signal, are abnormal.
func Classify(code job.ExitCode) Status {
	switch code {
	case job.CodeOK:
		return StatusPass
	case job.CodeSkip:
		return StatusSkip
	case job.CodeFail:
		return StatusFail
	case job.CodeError:
		return StatusError
	}
	return StatusAbnormal
}
