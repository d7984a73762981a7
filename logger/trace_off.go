//go:build !debug_trace
// +build !debug_trace

package logger

import (
	"context"
)

// Tracef is compiled out unless the `debug_trace` build tag is set:
// the entry/exit tracing in the hot per-frame paths is too chatty otherwise.
func Tracef(ctx context.Context, format string, args ...any) {}
