package infra

import (
	"log/slog"
	"os"
	"runtime/debug"
)

// Recover logs a panic with its stack and exits. Deferred first in main.
func Recover() {
	if r := recover(); r != nil {
		slog.Error("Unrecovered panic",
			slog.Any("panic", r),
			slog.String("stack", string(debug.Stack())))
		os.Exit(2)
	}
}
