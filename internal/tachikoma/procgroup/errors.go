package procgroup

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SpawnError reports that the process could not be started at all, usually a
// missing or non-executable binary. Distinct from a non-zero exit.
type SpawnError struct {
	Argv []string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", strings.Join(e.Argv, " "), e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TimeoutError reports that the per-command timeout elapsed and the process
// was terminated. The partial Result carries whatever output was captured.
type TimeoutError struct {
	Result  Result
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %s timed out after %s", strings.Join(e.Result.Argv, " "), e.Timeout)
}

// CheckedExitError reports a non-zero exit from a command run with Check
// set. The full Result, including stderr, rides along for callers that
// surface process failures.
type CheckedExitError struct {
	Result Result
}

func (e *CheckedExitError) Error() string {
	msg := fmt.Sprintf("command %s exited with code %d", strings.Join(e.Result.Argv, " "), e.Result.ExitCode)
	if s := strings.TrimSpace(e.Result.Stderr); s != "" {
		msg += " (stderr: " + s + ")"
	}
	return msg
}

// CanceledError reports that the run was cut short by the group closing or
// the caller's context ending, not by the process itself.
type CanceledError struct {
	Argv   []string
	Reason string
	Err    error
}

func (e *CanceledError) Error() string {
	return fmt.Sprintf("command %s canceled: %s", strings.Join(e.Argv, " "), e.Reason)
}

func (e *CanceledError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsCanceled reports whether err is a CanceledError.
func IsCanceled(err error) bool {
	var ce *CanceledError
	return errors.As(err, &ce)
}

// ResultOf extracts the process Result attached to err, if any. Works for
// CheckedExitError and TimeoutError.
func ResultOf(err error) (Result, bool) {
	var xe *CheckedExitError
	if errors.As(err, &xe) {
		return xe.Result, true
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return te.Result, true
	}
	return Result{}, false
}
