// Package machine implements the CPU simulator core: word-addressed memory
// shared by a fixed pool of per-thread goroutines, each driving its own
// fetch/execute loop against the isa package's instruction set, with
// interrupt delivery and peripheral dispatch.
package machine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/otley/wordforge/isa"
)

// Machine is the explicit context the simulator runs against: memory, the
// thread pool, and the peripheral registry, constructed once by the driver
// and threaded through explicitly. There are no package-level singletons —
// this is the redesign the spec's own design notes call for.
type Machine struct {
	Memory      *Memory
	Threads     []*Thread
	Peripherals map[byte]Peripheral

	timerEnabled *InterruptController // thread 0's controller, watched by the timer goroutine

	faultsMu sync.Mutex
	faults   []*Fault
}

// Config selects the machine's size at construction time.
type Config struct {
	MemoryWords int // 0 defaults to DefaultMemoryWords
	ThreadCount int // must be >= 1
}

// New builds a Machine with cfg.ThreadCount threads, all halted except
// thread 0, and wires the three built-in peripherals to the given sinks. Any
// sink left nil gets a no-op peripheral (still present for id lookups, so
// Phrp never faults on a merely-unused peripheral).
func New(cfg Config, serial SerialSink, fb FramebufferSink) *Machine {
	words := cfg.MemoryWords
	if words == 0 {
		words = DefaultMemoryWords
	}
	threadCount := cfg.ThreadCount
	if threadCount < 1 {
		threadCount = 1
	}

	m := &Machine{
		Memory:      NewMemory(words),
		Peripherals: make(map[byte]Peripheral),
	}
	m.Threads = make([]*Thread, threadCount)
	for i := range m.Threads {
		m.Threads[i] = newThread(i, m)
		m.Threads[i].regs[isa.StackHead] = ThreadStackBase(i)
		m.Threads[i].regs[isa.StackFrame] = ThreadStackBase(i)
	}
	m.Threads[0].halted.Store(false)
	for i := 1; i < len(m.Threads); i++ {
		m.Threads[i].halted.Store(true)
	}

	m.Peripherals[PeripheralSerial] = NewSerial(serial)
	m.Peripherals[PeripheralFramebuffer] = NewFramebuffer(fb)
	m.Peripherals[PeripheralKeyboard] = NewKeyboard(m.Threads[0].ctrl)
	for id := PeripheralDummyFirst; ; id++ {
		m.Peripherals[id] = dummyPeripheral{}
		if id == PeripheralDummyLast {
			break
		}
	}

	m.timerEnabled = m.Threads[0].ctrl
	return m
}

// Boot sets thread 0's entry point. It must be called before Run.
func (m *Machine) Boot(entry uint32) {
	m.Threads[0].regs[isa.CurAddr] = entry
}

// InjectKey delivers a scancode to thread 0's keyboard peripheral, as a
// physical keyboard device would.
func (m *Machine) InjectKey(scancode uint32) {
	if p, ok := m.Peripherals[PeripheralKeyboard]; ok {
		p.Send(scancode)
	}
}

// Run starts every thread's fetch/execute loop as its own goroutine,
// coordinated by an errgroup, plus a timer goroutine that enqueues a Timer
// interrupt on thread 0 once per period while thread 0's interrupts are
// enabled. Run blocks until ctx is cancelled; it does not return early when
// one thread Faults, since a Fault is documented to stop only the offending
// thread, not its siblings. Faulted threads' errors are collected and
// retrievable afterwards via Faults. Run's own return value is nil unless
// the timer goroutine itself errors (it never does) — ctx cancellation is
// the normal, expected way to stop a Machine.
func (m *Machine) Run(ctx context.Context, timerPeriod time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, t := range m.Threads {
		thread := t
		g.Go(func() error {
			if err := thread.run(ctx.Done()); err != nil {
				if f, ok := err.(*Fault); ok {
					m.faultsMu.Lock()
					m.faults = append(m.faults, f)
					m.faultsMu.Unlock()
				}
			}
			return nil
		})
	}

	if timerPeriod > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(timerPeriod)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if m.timerEnabled.Enabled() {
						m.timerEnabled.Enqueue(InterruptTimer, 0)
					}
				}
			}
		})
	}

	return g.Wait()
}

// Faults returns every Fault raised since the Machine was created, most
// recent last.
func (m *Machine) Faults() []*Fault {
	m.faultsMu.Lock()
	defer m.faultsMu.Unlock()
	return append([]*Fault(nil), m.faults...)
}

// RunThread single-steps one thread synchronously until it halts, faults, or
// maxSteps is exceeded. It bypasses the goroutine pool entirely and serves
// deterministic single-threaded scenarios such as the package tests (the
// driver's run subcommand always uses Run): no timer interrupts are
// delivered, since nothing drives the timer goroutine in this mode.
func (m *Machine) RunThread(ctx context.Context, idx int, maxSteps int) error {
	t := m.Threads[idx]
	for i := 0; i < maxSteps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.Halted() {
			return nil
		}
		if err := t.step(); err != nil {
			return err
		}
	}
	return fmt.Errorf("thread %d exceeded %d steps without halting", idx, maxSteps)
}
