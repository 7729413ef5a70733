package machine

import (
	"context"
	"testing"

	"github.com/otley/wordforge/isa"
)

type recordingSerial struct{ lines []string }

func (r *recordingSerial) WriteLine(line string) { r.lines = append(r.lines, line) }

type recordingFB struct{ pixels map[int]uint32 }

func (r *recordingFB) SetPixel(index int, rgba uint32) {
	if r.pixels == nil {
		r.pixels = make(map[int]uint32)
	}
	r.pixels[index] = rgba
}

func assembleInto(t *testing.T, m *Machine, base uint32, words []isa.Word) {
	t.Helper()
	img := make([]byte, len(words)*4)
	for i, w := range words {
		img[i*4] = byte(w)
		img[i*4+1] = byte(w >> 8)
		img[i*4+2] = byte(w >> 16)
		img[i*4+3] = byte(w >> 24)
	}
	if err := m.Memory.LoadImage(base, img); err != nil {
		t.Fatal(err)
	}
}

// TestArithmeticProgram runs: Set r0,#5; Set r1,#2; Add r0,r1; Halt. and
// checks r0 == 7, exercising fetch/decode/execute plus Set's extra
// self-increment.
func TestArithmeticProgram(t *testing.T) {
	m := New(Config{ThreadCount: 1}, nil, nil)
	assembleInto(t, m, 0, []isa.Word{
		isa.Encode(isa.OpSet, 0), 5,
		isa.Encode(isa.OpSet, 1), 2,
		isa.Encode(isa.OpAdd, 0, 1),
		isa.Encode(isa.OpHalt),
	})
	m.Boot(0)
	if err := m.RunThread(context.Background(), 0, 1000); err != nil {
		t.Fatal(err)
	}
	if got := m.Threads[0].Reg(0); got != 7 {
		t.Fatalf("r0 = %d, want 7", got)
	}
	if !m.Threads[0].Halted() {
		t.Fatal("thread did not halt")
	}
}

// TestSerialCoalescesToLine exercises the §4.3.5/§6 peripheral protocol: four
// Phrp(0, w) calls whose bytes spell "hi\n" flush exactly one line "hi".
func TestSerialCoalescesToLine(t *testing.T) {
	sink := &recordingSerial{}
	m := New(Config{ThreadCount: 1}, sink, nil)
	word := func(b0, b1, b2, b3 byte) isa.Word {
		return isa.Word(b0) | isa.Word(b1)<<8 | isa.Word(b2)<<16 | isa.Word(b3)<<24
	}
	assembleInto(t, m, 0, []isa.Word{
		isa.Encode(isa.OpSet, 0), 0, // r0 = peripheral id 0 (serial)
		isa.Encode(isa.OpSet, 1), word('h', 'i', '\n', 0),
		isa.Encode(isa.OpPhrp, 0, 1),
		isa.Encode(isa.OpHalt),
	})
	m.Boot(0)
	if err := m.RunThread(context.Background(), 0, 1000); err != nil {
		t.Fatal(err)
	}
	if len(sink.lines) != 1 || sink.lines[0] != "hi" {
		t.Fatalf("lines = %v, want [\"hi\"]", sink.lines)
	}
}

// TestFramebufferTwoCallProtocol checks that the first Phrp call after reset
// only records a position, and the second triggers exactly one draw.
func TestFramebufferTwoCallProtocol(t *testing.T) {
	sink := &recordingFB{}
	m := New(Config{ThreadCount: 1}, nil, sink)
	assembleInto(t, m, 0, []isa.Word{
		isa.Encode(isa.OpSet, 0), 1, // peripheral id 1 (framebuffer)
		isa.Encode(isa.OpSet, 1), 42, // position
		isa.Encode(isa.OpPhrp, 0, 1),
		isa.Encode(isa.OpSet, 1), 0xFF00FF00, // color
		isa.Encode(isa.OpPhrp, 0, 1),
		isa.Encode(isa.OpHalt),
	})
	m.Boot(0)
	if err := m.RunThread(context.Background(), 0, 1000); err != nil {
		t.Fatal(err)
	}
	if len(sink.pixels) != 1 || sink.pixels[42] != 0xFF00FF00 {
		t.Fatalf("pixels = %v, want {42: 0xFF00FF00}", sink.pixels)
	}
}

// TestDivideByZeroFaults checks that a Div by zero raises a fault: RunThread
// returns an error instead of reaching the Halt.
func TestDivideByZeroFaults(t *testing.T) {
	m := New(Config{ThreadCount: 1}, nil, nil)
	assembleInto(t, m, 0, []isa.Word{
		isa.Encode(isa.OpSet, 0), 10,
		isa.Encode(isa.OpSet, 1), 0,
		isa.Encode(isa.OpDiv, 0, 1),
		isa.Encode(isa.OpHalt),
	})
	m.Boot(0)
	err := m.RunThread(context.Background(), 0, 1000)
	if err == nil {
		t.Fatal("expected a divide-by-zero fault")
	}
}

// TestUnmappedPeripheralFaults checks §4.3.5: any id outside 0,1,2 and
// outside the 250-255 dummy range is a fatal runtime error.
func TestUnmappedPeripheralFaults(t *testing.T) {
	m := New(Config{ThreadCount: 1}, nil, nil)
	assembleInto(t, m, 0, []isa.Word{
		isa.Encode(isa.OpSet, 0), 99,
		isa.Encode(isa.OpSet, 1), 0,
		isa.Encode(isa.OpPhrp, 0, 1),
		isa.Encode(isa.OpHalt),
	})
	m.Boot(0)
	if err := m.RunThread(context.Background(), 0, 1000); err == nil {
		t.Fatal("expected an unmapped-peripheral fault")
	}
}

// TestDummyPeripheralRangeIsSilent checks that ids 250-255 never fault.
func TestDummyPeripheralRangeIsSilent(t *testing.T) {
	m := New(Config{ThreadCount: 1}, nil, nil)
	assembleInto(t, m, 0, []isa.Word{
		isa.Encode(isa.OpSet, 0), 252,
		isa.Encode(isa.OpSet, 1), 0,
		isa.Encode(isa.OpPhrp, 0, 1),
		isa.Encode(isa.OpHalt),
	})
	m.Boot(0)
	if err := m.RunThread(context.Background(), 0, 1000); err != nil {
		t.Fatalf("dummy peripheral range should never fault: %v", err)
	}
}

// TestInterruptDeliveryClearsEnabled is testable property 7: the handler
// observes enabled=false on entry; after Iret, enabled=true again.
func TestInterruptDeliveryClearsEnabled(t *testing.T) {
	m := New(Config{ThreadCount: 1}, nil, nil)
	const idtBase = 100
	const handlerAddr = 200

	// IDT slot for Timer (kind 1) points at handlerAddr.
	assembleInto(t, m, idtBase+uint32(InterruptTimer), []isa.Word{handlerAddr})

	// Main program: Idt idtBase; spin (Jmp back to the Idt) until interrupted.
	assembleInto(t, m, 0, []isa.Word{
		isa.Encode(isa.OpSet, 0), idtBase,
		isa.Encode(isa.OpIdt, 0),
		isa.Encode(isa.OpSet, 1), 2, // address of the Idt: the spin loop re-runs Idt, Set, Jmp
		isa.Encode(isa.OpJmp, 1),
	})
	// Handler at handlerAddr: a single Halt, so the thread stops inside the
	// handler with interrupts still disabled.
	assembleInto(t, m, handlerAddr, []isa.Word{
		isa.Encode(isa.OpHalt),
	})

	m.Boot(0)
	if m.Threads[0].ctrl.Enabled() {
		t.Fatal("enabled should start false")
	}
	// Run a few steps to execute Idt.
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := m.Threads[0].step(); err != nil {
			t.Fatal(err)
		}
	}
	if !m.Threads[0].ctrl.Enabled() {
		t.Fatal("Idt should have enabled interrupts")
	}
	m.Threads[0].ctrl.Enqueue(InterruptTimer, 7)
	if err := m.RunThread(ctx, 0, 1000); err != nil {
		t.Fatal(err)
	}
	if m.Threads[0].ctrl.Enabled() {
		t.Fatal("enabled should be false once the handler (which never Irets here) took over")
	}
	if !m.Threads[0].Halted() {
		t.Fatal("handler's Halt should have run")
	}
}

// TestInterruptWakesHaltedThreadAndIretResumes exercises the full delivery
// round trip: a Halted thread is woken by a queued interrupt, the handler
// reads the saved return address off the stack and Irets through it, and the
// thread resumes (re-executing the Halt it was parked on) with interrupts
// re-enabled.
func TestInterruptWakesHaltedThreadAndIretResumes(t *testing.T) {
	m := New(Config{ThreadCount: 1}, nil, nil)
	const idtBase = 100
	const handlerAddr = 200

	assembleInto(t, m, idtBase+uint32(InterruptTimer), []isa.Word{handlerAddr})

	// Main: enable interrupts, halt at word 3.
	assembleInto(t, m, 0, []isa.Word{
		isa.Encode(isa.OpSet, 0), idtBase,
		isa.Encode(isa.OpIdt, 0),
		isa.Encode(isa.OpHalt),
	})
	// Handler: mark r9, load the saved return address from MEM[STACK_HEAD-1]
	// (delivery pushed return address then interrupt data), Iret through it.
	assembleInto(t, m, handlerAddr, []isa.Word{
		isa.Encode(isa.OpSet, 9), 123,
		isa.Encode(isa.OpSet, 1), 1,
		isa.Encode(isa.OpCp, 2, isa.StackHead),
		isa.Encode(isa.OpSub, 2, 1),
		isa.Encode(isa.OpRead, 3, 2),
		isa.Encode(isa.OpIret, 3),
	})

	m.Boot(0)
	thread := m.Threads[0]
	for i := 0; i < 100 && !thread.Halted(); i++ {
		if err := thread.step(); err != nil {
			t.Fatal(err)
		}
	}
	if !thread.Halted() {
		t.Fatal("thread did not reach its Halt")
	}
	if got := thread.Reg(9); got != 0 {
		t.Fatalf("r9 = %d before any interrupt, want 0", got)
	}

	thread.ctrl.Enqueue(InterruptTimer, 7)
	// One step delivers and wakes; the rest run the handler back to the Halt.
	for i := 0; i < 100; i++ {
		if err := thread.step(); err != nil {
			t.Fatal(err)
		}
		if thread.Halted() && thread.Reg(9) == 123 {
			break
		}
	}
	if got := thread.Reg(9); got != 123 {
		t.Fatalf("r9 = %d, want 123 (handler never ran)", got)
	}
	if !thread.Halted() {
		t.Fatal("Iret should have resumed at the Halt and re-parked the thread")
	}
	if !thread.ctrl.Enabled() {
		t.Fatal("Iret should have re-enabled interrupts")
	}

	// The saved context is still on the (never-popped) stack: the return
	// address names the Halt's word, the data word carries the payload.
	head := thread.Reg(isa.StackHead)
	ret, err := m.Memory.Read(head - 1)
	if err != nil {
		t.Fatal(err)
	}
	if ret != 3 {
		t.Errorf("saved return address = %d, want 3 (the interrupted Halt)", ret)
	}
	data, err := m.Memory.Read(head)
	if err != nil {
		t.Fatal(err)
	}
	if data != 7 {
		t.Errorf("saved interrupt data = %d, want 7", data)
	}
}
