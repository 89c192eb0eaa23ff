// Package main implements the metricrelay command: it loads a configuration,
// runs the relay engine and serves /metrics and /healthz.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/c360/metricrelay/errors"
)

// Build information, overridden with -ldflags "-X main.Version=...".
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "metricrelay"

// Exit codes. A supervisor may restart on exitTransient; the other codes need
// an operator.
const (
	exitFatal     = 1
	exitInvalid   = 2
	exitPanic     = 70
	exitTransient = 75
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(exitPanic)
		}
	}()

	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch errors.Classify(err) {
	case errors.ErrorInvalid:
		return exitInvalid
	case errors.ErrorFatal:
		return exitFatal
	default:
		return exitTransient
	}
}
