package machine

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/otley/wordforge/isa"
)

// ThreadStackBase is the implementation-default stack base formula: thread i
// starts its stack at 30000 + 5000*i, chosen so stacks never overlap.
func ThreadStackBase(i int) uint32 { return 30000 + 5000*uint32(i) }

// Thread owns one simulated core: its own 256-entry register file, its own
// interrupt controller, and a halt flag. Threads share nothing else —
// Memory and the peripheral registry live on Machine and are passed in.
type Thread struct {
	ID     int
	regs   [isa.RegCount]uint32
	ctrl   *InterruptController
	halted atomic.Bool
	m      *Machine
}

func newThread(id int, m *Machine) *Thread {
	return &Thread{ID: id, ctrl: newInterruptController(), m: m}
}

// Reg reads a register by index. Safe to call from outside the thread's own
// goroutine only for inspection (debug tooling) — concurrent writes from the
// owning goroutine are not synchronized against it, matching the spec's
// "register files are per-thread and not shared" model.
func (t *Thread) Reg(i byte) uint32 { return t.regs[i] }

// SetReg sets a register directly from outside the fetch/execute loop.
func (t *Thread) SetReg(i byte, v uint32) { t.regs[i] = v }

// Halted reports whether the thread is currently halted.
func (t *Thread) Halted() bool { return t.halted.Load() }

// resume clears the halt flag; called by Init and by interrupt delivery.
func (t *Thread) resume() { t.halted.Store(false) }

// run drives this thread's fetch/execute loop until stop closes or step
// reports a Fault. A Fault ends only this goroutine; Machine.Run does not
// propagate it into sibling threads' stop channels. A halted thread keeps
// calling step so interrupt delivery can wake it, spin-sleeping between
// polls.
func (t *Thread) run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		if err := t.step(); err != nil {
			return err
		}
		if t.halted.Load() {
			time.Sleep(time.Millisecond)
		}
	}
}

// step executes at most one unit of work: either the delivery of one pending
// interrupt, or the fetch/decode/execute of one instruction followed by the
// unconditional PC increment. Interrupt delivery clears the halt flag —
// that is how a Halted thread is woken by Intr or the timer. With no
// deliverable interrupt a halted thread's step is a no-op, so a synchronous
// caller (tests, via Machine.RunThread) can poll Halted()
// in a plain loop without duplicating the interrupt/fetch logic that run's
// goroutine form also needs.
func (t *Thread) step() error {
	if pending, ok := t.ctrl.tryTake(); ok {
		t.resume()
		if err := t.deliverInterrupt(pending); err != nil {
			return &Fault{Thread: t.ID, PC: t.regs[isa.CurAddr], Err: err}
		}
		return nil
	}

	if t.halted.Load() {
		return nil
	}

	pc := t.regs[isa.CurAddr]
	w, err := t.m.Memory.Read(pc)
	if err != nil {
		return &Fault{Thread: t.ID, PC: pc, Err: err}
	}
	inst := isa.Decode(w)
	info, known := isa.Info(inst.Op)
	if !known {
		return &Fault{Thread: t.ID, PC: pc, Err: fmt.Errorf("%w: %d", errInvalidOpcode, inst.Op)}
	}
	if info.HasImm {
		imm, err := t.m.Memory.Read(pc + 1)
		if err != nil {
			return &Fault{Thread: t.ID, PC: pc, Err: err}
		}
		inst.Imm = imm
	}

	if err := t.exec(inst, info); err != nil {
		return &Fault{Thread: t.ID, PC: pc, Err: err}
	}
	if !t.halted.Load() {
		t.regs[isa.CurAddr]++
	}
	return nil
}

// deliverInterrupt pops (done by the caller via tryTake), reads the handler
// address, saves the interrupted context on the caller's stack, and jumps.
// Unlike a fetched instruction, delivery sets CUR_ADDR to the handler
// address directly (not target-1) since it bypasses the loop's unconditional
// post-increment entirely. The saved return word is the interrupted
// CUR_ADDR itself: it names the next unfetched instruction, and Iret lands
// exactly on its operand under this machine's real-address jump convention,
// so the handler resumes the program where delivery cut in.
func (t *Thread) deliverInterrupt(p pendingInterrupt) error {
	handler, err := t.m.Memory.Read(t.ctrl.IDTBase() + uint32(p.kind))
	if err != nil {
		return err
	}
	head := t.regs[isa.StackHead]
	if err := t.m.Memory.Write(head+1, t.regs[isa.CurAddr]); err != nil {
		return err
	}
	if err := t.m.Memory.Write(head+2, p.data); err != nil {
		return err
	}
	t.regs[isa.StackHead] = head + 2
	t.regs[isa.CurAddr] = handler
	return nil
}

// exec performs the effect of one decoded instruction. It does not perform
// the loop's unconditional CUR_ADDR increment; the caller does that.
func (t *Thread) exec(inst isa.Instruction, info isa.OpInfo) error {
	r := inst.Regs
	switch inst.Op {
	case isa.OpJmp:
		t.regs[isa.CurAddr] = t.regs[r[0]] - 1

	case isa.OpJmpc:
		if isa.IsTrue(t.regs[r[0]]) {
			t.regs[isa.CurAddr] = t.regs[r[1]] - 1
		}

	case isa.OpRJmp:
		target := t.regs[isa.CurAddr] + t.regs[r[0]]
		t.regs[isa.CurAddr] = target - 1

	case isa.OpRJmpc:
		if isa.IsTrue(t.regs[r[0]]) {
			target := t.regs[isa.CurAddr] + t.regs[r[1]]
			t.regs[isa.CurAddr] = target - 1
		}

	case isa.OpInit:
		idx := int(t.regs[r[0]])
		if idx < 0 || idx >= len(t.m.Threads) {
			return fmt.Errorf("Init: thread index %d out of range", idx)
		}
		// The target thread fetches at CUR_ADDR directly on its next step —
		// no post-increment intervenes as it would after a Jmp on the
		// executing thread — so the entry address is stored un-adjusted.
		target := t.m.Threads[idx]
		target.regs[isa.CurAddr] = t.regs[r[1]]
		target.regs[isa.StackHead] = ThreadStackBase(idx)
		target.regs[isa.StackFrame] = ThreadStackBase(idx)
		target.resume()

	case isa.OpIntr:
		idx := int(t.regs[r[0]])
		if idx < 0 || idx >= len(t.m.Threads) {
			return fmt.Errorf("Intr: thread index %d out of range", idx)
		}
		t.m.Threads[idx].ctrl.Enqueue(InterruptKind(t.regs[r[1]]), 0)

	case isa.OpIdt:
		t.ctrl.Enable(t.regs[r[0]])

	case isa.OpPhrp:
		id := byte(t.regs[r[0]])
		p, ok := t.m.Peripherals[id]
		if !ok {
			return peripheralFault(id)
		}
		p.Send(t.regs[r[1]])

	case isa.OpRead:
		v, err := t.m.Memory.Read(t.regs[r[1]])
		if err != nil {
			return err
		}
		t.regs[r[0]] = v

	case isa.OpWrite:
		return t.m.Memory.Write(t.regs[r[0]], t.regs[r[1]])

	case isa.OpCp:
		t.regs[r[0]] = t.regs[r[1]]

	case isa.OpClr:
		t.regs[r[0]] = 0

	case isa.OpSet:
		t.regs[r[0]] = inst.Imm
		t.regs[isa.CurAddr]++ // skip the embedded immediate word

	case isa.OpAdd:
		t.regs[r[0]] = t.regs[r[0]] + t.regs[r[1]]
	case isa.OpSub:
		t.regs[r[0]] = t.regs[r[0]] - t.regs[r[1]]
	case isa.OpMul:
		t.regs[r[0]] = t.regs[r[0]] * t.regs[r[1]]
	case isa.OpDiv:
		if t.regs[r[1]] == 0 {
			return errDivideByZero
		}
		t.regs[r[0]] = t.regs[r[0]] / t.regs[r[1]]
	case isa.OpMod:
		if t.regs[r[1]] == 0 {
			return errDivideByZero
		}
		t.regs[r[0]] = t.regs[r[0]] % t.regs[r[1]]
	case isa.OpNeg:
		t.regs[r[0]] = uint32(-int32(t.regs[r[0]]))
	case isa.OpAbs:
		v := int32(t.regs[r[0]])
		if v < 0 {
			v = -v
		}
		t.regs[r[0]] = uint32(v)

	case isa.OpAnd:
		t.regs[r[0]] = t.regs[r[0]] & t.regs[r[1]]
	case isa.OpOr:
		t.regs[r[0]] = t.regs[r[0]] | t.regs[r[1]]
	case isa.OpXor:
		t.regs[r[0]] = t.regs[r[0]] ^ t.regs[r[1]]
	case isa.OpShr:
		t.regs[r[0]] = t.regs[r[0]] >> t.regs[r[1]]
	case isa.OpShl:
		t.regs[r[0]] = t.regs[r[0]] << t.regs[r[1]]
	case isa.OpNot:
		t.regs[r[0]] = ^t.regs[r[0]]

	case isa.OpEq:
		t.regs[r[2]] = isa.BoolWord(t.regs[r[0]] == t.regs[r[1]])
	case isa.OpGte:
		t.regs[r[2]] = isa.BoolWord(t.regs[r[0]] >= t.regs[r[1]])
	case isa.OpLte:
		t.regs[r[2]] = isa.BoolWord(t.regs[r[0]] <= t.regs[r[1]])
	case isa.OpLt:
		t.regs[r[2]] = isa.BoolWord(t.regs[r[0]] < t.regs[r[1]])
	case isa.OpGt:
		t.regs[r[2]] = isa.BoolWord(t.regs[r[0]] > t.regs[r[1]])

	case isa.OpHalt:
		t.halted.Store(true)

	case isa.OpSleep:
		time.Sleep(time.Duration(t.regs[r[0]]) * time.Millisecond)

	case isa.OpSyscall:
		return t.syscall(r[0], r[1], r[2])

	case isa.OpIret:
		t.regs[isa.CurAddr] = t.regs[r[0]] - 1
		t.ctrl.reenable()

	default:
		return fmt.Errorf("%w: %s", errInvalidOpcode, info.Mnemonic)
	}
	return nil
}

// syscall traps through IDT slot 0, pushing return address, syscall index,
// argument pointer, and output pointer, in that order, then jumping to the
// handler. The pushed return address is CUR_ADDR+1 — the instruction after
// the Syscall itself, which is where the handler's Iret must land.
func (t *Thread) syscall(rI, rA, rO byte) error {
	handler, err := t.m.Memory.Read(t.ctrl.IDTBase() + 0)
	if err != nil {
		return err
	}
	head := t.regs[isa.StackHead]
	vals := [4]uint32{t.regs[isa.CurAddr] + 1, t.regs[rI], t.regs[rA], t.regs[rO]}
	for i, v := range vals {
		if err := t.m.Memory.Write(head+uint32(i)+1, v); err != nil {
			return err
		}
	}
	t.regs[isa.StackHead] = head + 4
	t.regs[isa.CurAddr] = handler - 1
	return nil
}
