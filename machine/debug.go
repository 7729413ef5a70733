package machine

import "github.com/otley/wordforge/isa"

// RegisterInfo describes one register's current value for display in a
// monitor/inspector, grounded on the teacher's own debug_interface.go shape.
type RegisterInfo struct {
	Index byte
	Name  string
	Value uint32
}

var namedRegisters = map[byte]string{
	isa.CurAddr:    "CUR_ADDR",
	isa.CPUR2:      "CPU_R2",
	isa.CPUR1:      "CPU_R1",
	isa.StackHead:  "STACK_HEAD",
	isa.StackFrame: "STACK_FRAME",
}

// DebugView is a read-only snapshot of one thread's visible state, logged by
// the driver's run subcommand after execution so it never reaches into
// Thread internals directly.
type DebugView struct {
	ThreadID  int
	Halted    bool
	Enabled   bool
	IDTBase   uint32
	Registers []RegisterInfo
}

// Inspect builds a DebugView of thread idx's reserved registers plus any
// extra general-purpose indices the caller asks for.
func (m *Machine) Inspect(idx int, extra ...byte) DebugView {
	t := m.Threads[idx]
	v := DebugView{
		ThreadID: idx,
		Halted:   t.Halted(),
		Enabled:  t.ctrl.Enabled(),
		IDTBase:  t.ctrl.IDTBase(),
	}
	for reg, name := range namedRegisters {
		v.Registers = append(v.Registers, RegisterInfo{Index: reg, Name: name, Value: t.Reg(reg)})
	}
	for _, reg := range extra {
		v.Registers = append(v.Registers, RegisterInfo{Index: reg, Value: t.Reg(reg)})
	}
	return v
}
