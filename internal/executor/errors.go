package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrSpawnFailed means the child could not be launched. No partial result exists.
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrWaitFailed means reaping the child failed after it was observed exiting.
	ErrWaitFailed = errors.New("wait failed")
)

// RunError is returned by Engine.Execute for failures that are fatal to a run.
// It unwraps to both its Kind sentinel and the underlying OS error, so
// errors.Is(err, ErrSpawnFailed) and errors.Is(err, fs.ErrNotExist) both work.
type RunError struct {
	Kind  error
	RunID string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s: %v: %v", e.RunID, e.Kind, e.Err)
}

func (e *RunError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
