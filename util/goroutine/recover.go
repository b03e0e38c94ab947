// Package goroutine starts background goroutines that log panics instead of
// crashing the server.
package goroutine

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// StackTraceBufferSize is the buffer size for stack trace collection
const StackTraceBufferSize = 4096

// Recover recovers from a panic and logs it with the goroutine name.
// If logger is nil the panic goes to stderr.
func Recover(name string, logger *zap.SugaredLogger) {
	if r := recover(); r != nil {
		buf := make([]byte, StackTraceBufferSize)
		n := runtime.Stack(buf, false)

		if logger != nil {
			logger.Errorw("Goroutine panic recovered",
				"goroutine", name,
				"panic", r,
				"stack", string(buf[:n]))
			return
		}
		fmt.Fprintf(os.Stderr, "PANIC in goroutine %s (no logger): %v\n%s\n", name, r, string(buf[:n]))
	}
}

// Go runs fn in a new goroutine guarded by Recover. wg may be nil; otherwise it is
// incremented before the goroutine starts and released when fn returns or panics.
func Go(name string, logger *zap.SugaredLogger, wg *sync.WaitGroup, fn func()) {
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		defer Recover(name, logger)
		fn()
	}()
}
