package testutil

import "log/slog"

// DiscardLogger returns a slog.Logger that discards all output.
// Components taking the internal/log alias accept this directly.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
