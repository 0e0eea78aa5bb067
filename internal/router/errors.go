package router

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrNoTargets        = errors.New("targets argument is required")
)

// TimeoutError is the synthetic failure of a target that exceeded its budget.
type TimeoutError struct {
	Target string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("target %s timed out", e.Target)
}

// ResourceCrashError reports that the automation context died while
// serving a dispatch. The caller should reinitialize it and retry.
type ResourceCrashError struct {
	Targets []string
	Err     error
}

func (e *ResourceCrashError) Error() string {
	return fmt.Sprintf("automation context crashed while serving %s: %v", strings.Join(e.Targets, ", "), e.Err)
}

func (e *ResourceCrashError) Unwrap() error {
	return e.Err
}
