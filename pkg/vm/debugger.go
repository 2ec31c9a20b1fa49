package vm

import "fmt"

// Trace renders a one-line summary of the current frame for `-v`
// logging: the executing method's name, the instruction pointer, and
// the live operand-stack depth. It replaces an interactive stepper with
// a passive log line, since the only sanctioned way to inspect a
// running program is tracing and disassembly, not a breakpoint REPL.
func (v *VM) Trace() string {
	name := "<entry>"
	if v.cur != nil {
		m := v.curMethod()
		if m.NameIndex >= 0 {
			name = v.program.Values[m.NameIndex].Str
		}
	}
	return fmt.Sprintf("frame=%s ip=%d stack=%d", name, v.ip, v.stack.Len())
}
