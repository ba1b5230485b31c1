package job

import (
	"fmt"
	"time"
)

// ExitCode is the classified exit status of a job.
type ExitCode int

// Exit codes understood by the tester. Anything else is surfaced as-is and is
// treated by callers as an unexpected abnormal exit.
const (
	CodeNone  ExitCode = -1 // not yet run, or the OS reported nothing
	CodeOK    ExitCode = 0
	CodeSkip  ExitCode = 177
	CodeFail  ExitCode = 178
	CodeError ExitCode = 255
)

// PollInterval is the pause between liveness sweeps used by drivers that
// poll jobs in a loop.
const PollInterval = 10 * time.Millisecond

// Known reports whether the code belongs to the closed set above.
func (c ExitCode) Known() bool {
	switch c {
	case CodeNone, CodeOK, CodeSkip, CodeFail, CodeError:
		return true
	}
	return false
}

func (c ExitCode) String() string {
	switch c {
	case CodeNone:
		return "none"
	case CodeOK:
		return "ok"
	case CodeSkip:
		return "skip"
	case CodeFail:
		return "fail"
	case CodeError:
		return "error"
	}
	return fmt.Sprintf("exit(%d)", int(c))
}

// State is the lifecycle position of a job.
type State uint8

const (
	StateCreated State = iota
	StateRunning
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	}
	return "unknown"
}

// Mode selects how Start behaves. Flags combine with |.
type Mode uint8

const (
	// ModeAsync returns from Start right after the process is spawned.
	// Without it Start waits for the process to terminate.
	ModeAsync Mode = 1 << iota
	// ModeCollectErrors captures stderr. Without it stderr is discarded.
	ModeCollectErrors
)

func (m Mode) has(flag Mode) bool {
	return m&flag != 0
}
