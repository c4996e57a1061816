package trigger

import (
	"fmt"
	"runtime"
	"strings"
)

const maxPanicStack = 8096

// PanicStack returns the current goroutine stack with the runtime panic
// frames removed. Call it from a deferred recover.
func PanicStack() []byte {
	buf := make([]byte, maxPanicStack)
	n := runtime.Stack(buf, false)
	return cleanStackTrace(buf[:n])
}

// logPanic reports a recovered value as a critical error together with the
// stack that raised it.
func logPanic(logger Logger, recovered any, msg string, args ...any) {
	withLoggerFields(logger, map[string]any{
		"severity":   "critical",
		"panic_type": fmt.Sprintf("%T", recovered),
		"stack":      string(PanicStack()),
	}).Error(msg, args...)
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	panicLine := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLine = i
			break
		}
	}
	// drop the panic() call and its file reference
	if panicLine >= 0 && panicLine+2 < len(lines) {
		lines = lines[panicLine+2:]
	}
	return []byte(strings.Join(lines, "\n"))
}
