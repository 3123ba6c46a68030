//go:build !linux
// +build !linux

package rlimit

import "log/slog"

// Raise is a no-op on platforms without RLIMIT_NOFILE support.
func Raise(log *slog.Logger, listeners int) error {
	return nil
}
