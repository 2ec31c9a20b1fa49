package vm

import (
	"fmt"
	"strings"
)

// StackFrame captures one call-stack entry for a RuntimeError's trace.
type StackFrame struct {
	Name       string // method/function name, or "<entry>"
	IP         int    // instruction pointer at time of the error
	SourceLine int    // 0 if unknown
}

// RuntimeError reports a user-triggerable type or dispatch error: wrong
// primitive argument type, missing slot, undefined global, and the like.
// It is distinct from gc.FatalError, which reports resource exhaustion.
type RuntimeError struct {
	Message    string
	StackTrace []StackFrame
}

func (e *RuntimeError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if len(e.StackTrace) > 0 {
		b.WriteString("\n\nStack trace:")
		for i := len(e.StackTrace) - 1; i >= 0; i-- {
			f := e.StackTrace[i]
			b.WriteString(fmt.Sprintf("\n  at %s [IP: %d]", f.Name, f.IP))
		}
	}
	return b.String()
}

func newRuntimeError(message string, stack []StackFrame) *RuntimeError {
	return &RuntimeError{Message: message, StackTrace: stack}
}
