package browser

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-rod/rod/lib/cdp"
)

// ErrCrashed marks errors caused by a dead engine or a disposed context.
var ErrCrashed = errors.New("browser: automation context crashed")

// Messages the engine produces when the page, context or process is gone.
var crashMarkers = []string{
	"target closed",
	"has been closed",
	"browser has disconnected",
	"use of closed network connection",
	"websocket: close",
	"no target with given id",
	"not attached to an active page",
	"failed to find browser context",
	"broken pipe",
	"connection reset by peer",
}

// IsCrash reports whether err means the automation context is unusable.
func IsCrash(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCrashed) || errors.Is(err, cdp.ErrSessionNotFound) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range crashMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Classify wraps crash errors with ErrCrashed and leaves the rest untouched.
func Classify(err error) error {
	if err == nil || errors.Is(err, ErrCrashed) || !IsCrash(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCrashed, err)
}
