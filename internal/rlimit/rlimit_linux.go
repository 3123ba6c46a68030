package rlimit

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// Raise lifts the soft RLIMIT_NOFILE to Desired(listeners), capped by the
// hard limit, when the current soft limit would not cover the listeners.
// Callers treat a failure as a warning, not a startup error.
func Raise(log *slog.Logger, listeners int) error {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return fmt.Errorf("failed to read RLIMIT_NOFILE: %w", err)
	}

	if lim.Cur > uint64(listeners) {
		return nil
	}

	desired := Desired(listeners)
	if desired > lim.Max {
		desired = lim.Max
	}

	log.Debug("raising open file limit", "current", lim.Cur, "desired", desired, "max", lim.Max)
	lim.Cur = desired
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return fmt.Errorf("failed to raise RLIMIT_NOFILE to %d: %w", desired, err)
	}
	return nil
}
