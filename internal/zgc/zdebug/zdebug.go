// Package zdebug - Assertions and fatal error reporting for the collector core.
//
// Errors inside the collector fall in three classes:
//
//   - Transient races (object already marked, slot already healed, segment
//     already stolen) are not errors and never reach this package.
//   - Protocol violations are logic bugs. Assert reports them as a
//     *ProtocolError panic when verification is enabled; Guarantee always
//     does.
//   - Resource exhaustion (mark stack space) is fatal for the process and
//     is reported through OutOfMemory and the fatal handler.
//
// Example output:
//
//	watermark.process: frame 0x7ffe0040 processed twice in epoch 12
package zdebug

import (
	"fmt"
	"os"
	"sync/atomic"
)

// ProtocolError describes a violated collector invariant.
//
// Fields:
//   - Component: Subsystem that detected the violation (e.g. "markstack")
//   - Op: Operation being performed (e.g. "install")
//   - Message: Human-readable description
//
// Thread Safety: Immutable after creation, safe for concurrent use.
type ProtocolError struct {
	Component string // Subsystem name
	Op        string // Operation name
	Message   string // Description of the violation
}

// Error implements the error interface.
//
// Format: component.op: message
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.Component, e.Op, e.Message)
}

// NewProtocolError formats a ProtocolError.
func NewProtocolError(component, op, format string, args ...any) *ProtocolError {
	return &ProtocolError{
		Component: component,
		Op:        op,
		Message:   fmt.Sprintf(format, args...),
	}
}

var verify atomic.Bool

// SetVerify enables or disables Assert checks and returns the previous
// setting.
func SetVerify(enabled bool) bool {
	return verify.Swap(enabled)
}

// Verifying reports whether Assert checks are enabled.
func Verifying() bool {
	return verify.Load()
}

// Assert panics with a *ProtocolError when verification is enabled and
// cond is false.
func Assert(cond bool, component, op, format string, args ...any) {
	if cond || !verify.Load() {
		return
	}
	panic(NewProtocolError(component, op, format, args...))
}

// Guarantee panics with a *ProtocolError when cond is false, regardless of
// the verification setting.
func Guarantee(cond bool, component, op, format string, args ...any) {
	if cond {
		return
	}
	panic(NewProtocolError(component, op, format, args...))
}

// FatalHandler receives fatal collector errors. The default handler prints
// the message to stderr and exits with status 1.
type FatalHandler func(msg string)

func defaultFatal(msg string) {
	fmt.Fprintf(os.Stderr, "fatal error: %s\n", msg)
	os.Exit(1)
}

var fatal atomic.Pointer[FatalHandler]

func init() {
	h := FatalHandler(defaultFatal)
	fatal.Store(&h)
}

// SetFatalHandler installs h and returns the previous handler. Passing nil
// restores the default.
func SetFatalHandler(h FatalHandler) FatalHandler {
	if h == nil {
		h = defaultFatal
	}
	return *fatal.Swap(&h)
}

// Fatal reports an unrecoverable error. It returns only if the installed
// handler returns.
func Fatal(format string, args ...any) {
	(*fatal.Load())(fmt.Sprintf(format, args...))
}

// OutOfMemory reports exhaustion of a reserved collector resource.
func OutOfMemory(format string, args ...any) {
	Fatal("out of memory: "+format, args...)
}
