package secondary

import (
	"context"
	"time"
)

// ProcessRunner defines the secondary port for running the test procedure.
type ProcessRunner interface {
	// Run executes the command and waits for it. A non-nil error means the
	// process could not be started or supervised; a failing process is
	// reported through the result.
	Run(ctx context.Context, spec ProcessSpec) (*ProcessResult, error)
}

// ProcessSpec describes one invocation.
type ProcessSpec struct {
	Argv        []string
	Dir         string
	Env         []string
	Timeout     time.Duration
	OutputLimit int
}

// ProcessResult describes how an invocation ended.
type ProcessResult struct {
	Started   bool
	ExitCode  int
	Signal    string // signal that ended the process, empty if it exited
	TimedOut  bool
	Output    []byte
	Truncated bool
	Duration  time.Duration
}
