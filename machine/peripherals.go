package machine

import (
	"fmt"
	"sync"
)

// Peripheral index assignments. 0 and 1 are named by the spec; 2 (keyboard)
// is this implementation's own assignment, since the spec names keyboard
// scancode mapping in its external-interfaces section but never gives it a
// peripheral id alongside serial and framebuffer. 250-255 are reserved
// dummies; anything else is a fatal runtime error for Phrp.
const (
	PeripheralSerial      byte = 0
	PeripheralFramebuffer byte = 1
	PeripheralKeyboard    byte = 2

	PeripheralDummyFirst byte = 250
	PeripheralDummyLast  byte = 255
)

// Peripheral receives words sent by the Phrp instruction.
type Peripheral interface {
	Send(data uint32)
}

// SerialSink receives each flushed line of serial output. A line never
// includes its trailing newline.
type SerialSink interface {
	WriteLine(line string)
}

// Serial coalesces the bytes of each Phrp(0, w) word into a line buffer,
// flushing to its sink whenever a newline byte appears. Grounded on the
// teacher's TerminalMMIO: a mutex-guarded buffer with a callback invoked
// outside the lock to avoid re-entrant deadlocks if the sink itself touches
// the machine.
type Serial struct {
	mu   sync.Mutex
	line []byte
	sink SerialSink
}

// NewSerial returns a Serial peripheral flushing completed lines to sink.
func NewSerial(sink SerialSink) *Serial {
	return &Serial{sink: sink}
}

// Send implements Peripheral: each call contributes the little-endian bytes
// of w to the current line, in order, flushing on '\n'.
func (s *Serial) Send(w uint32) {
	bytes := [4]byte{byte(w), byte(w >> 8), byte(w >> 16), byte(w >> 24)}

	var flushed string
	var doFlush bool

	s.mu.Lock()
	for _, b := range bytes {
		if b == '\n' {
			flushed = string(s.line)
			doFlush = true
			s.line = s.line[:0]
			continue
		}
		s.line = append(s.line, b)
	}
	s.mu.Unlock()

	if doFlush && s.sink != nil {
		s.sink.WriteLine(flushed)
	}
}

// FramebufferSink receives completed (position, color) draws.
type FramebufferSink interface {
	SetPixel(index int, rgba uint32)
}

// Framebuffer implements the two-call peripheral protocol: the first Phrp
// after a reset supplies a pixel position, the second supplies an RGBA
// color; the pair triggers a draw and the state machine resets.
type Framebuffer struct {
	mu       sync.Mutex
	havePos  bool
	position int
	sink     FramebufferSink
}

// NewFramebuffer returns a Framebuffer peripheral delivering completed draws
// to sink.
func NewFramebuffer(sink FramebufferSink) *Framebuffer {
	return &Framebuffer{sink: sink}
}

// Send implements Peripheral.
func (f *Framebuffer) Send(w uint32) {
	f.mu.Lock()
	if !f.havePos {
		f.position = int(w)
		f.havePos = true
		f.mu.Unlock()
		return
	}
	pos := f.position
	f.havePos = false
	f.mu.Unlock()

	if f.sink != nil {
		f.sink.SetPixel(pos, w)
	}
}

// Keyboard is a host-side injection point for scancodes: Phrp(2, scancode)
// enqueues a Keyboard interrupt on the target thread via the same queue a
// live device would use, so user code that installs a Keyboard IDT handler
// sees an identical delivery path whether the scancode came from Phrp or
// from Machine.InjectKey.
type Keyboard struct {
	target *InterruptController
}

// NewKeyboard returns a Keyboard peripheral that enqueues onto target.
func NewKeyboard(target *InterruptController) *Keyboard {
	return &Keyboard{target: target}
}

// Send implements Peripheral.
func (k *Keyboard) Send(scancode uint32) {
	k.target.Enqueue(InterruptKeyboard, scancode)
}

// dummyPeripheral discards every word sent to it; registered for the
// reserved 250-255 range, which must accept Phrp without doing anything.
type dummyPeripheral struct{}

func (dummyPeripheral) Send(uint32) {}

func peripheralFault(id byte) error {
	return fmt.Errorf("%w: id %d", errUnmappedPeripheral, id)
}
