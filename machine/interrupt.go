package machine

import "sync/atomic"

// InterruptKind identifies the source of a queued interrupt.
type InterruptKind byte

const (
	InterruptSyscall  InterruptKind = 0
	InterruptTimer    InterruptKind = 1
	InterruptKeyboard InterruptKind = 2
	InterruptMouse    InterruptKind = 3
)

// DefaultQueueCapacity is the default bounded interrupt queue depth; the
// spec requires at least 5.
const DefaultQueueCapacity = 8

// pendingInterrupt is one (kind, data) pair awaiting delivery.
type pendingInterrupt struct {
	kind InterruptKind
	data uint32
}

// interruptQueue is a bounded, lock-free single-producer... in practice
// many-producer, single-consumer FIFO: any goroutine (timer, peripheral,
// another thread executing Intr) may push, only the owning thread's fetch
// loop pops. Overflow silently drops the new interrupt, per spec — it is
// not reported as an error anywhere.
type interruptQueue struct {
	capacity int
	buf      []pendingInterrupt
	head     atomic.Uint32 // next slot to pop
	tail     atomic.Uint32 // next slot to push
}

func newInterruptQueue(capacity int) *interruptQueue {
	return &interruptQueue{capacity: capacity, buf: make([]pendingInterrupt, capacity)}
}

// push enqueues an interrupt, dropping it silently if the queue is full.
func (q *interruptQueue) push(kind InterruptKind, data uint32) {
	for {
		tail := q.tail.Load()
		head := q.head.Load()
		if int(tail-head) >= q.capacity {
			return // full: silent drop
		}
		if q.tail.CompareAndSwap(tail, tail+1) {
			q.buf[int(tail)%q.capacity] = pendingInterrupt{kind: kind, data: data}
			return
		}
	}
}

// pop removes and returns the oldest pending interrupt, if any.
func (q *interruptQueue) pop() (pendingInterrupt, bool) {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		if head == tail {
			return pendingInterrupt{}, false
		}
		if q.head.CompareAndSwap(head, head+1) {
			return q.buf[int(head)%q.capacity], true
		}
	}
}

// InterruptController tracks one thread's interrupt-enable state, IDT base,
// and pending-interrupt queue.
type InterruptController struct {
	enabled atomic.Bool
	idtBase atomic.Uint32
	queue   *interruptQueue
}

func newInterruptController() *InterruptController {
	return &InterruptController{queue: newInterruptQueue(DefaultQueueCapacity)}
}

// Enable implements Idt: sets the IDT base and turns interrupts on.
func (c *InterruptController) Enable(idtBase uint32) {
	c.idtBase.Store(idtBase)
	c.enabled.Store(true)
}

// Enqueue implements Intr: pushes a new pending interrupt for this thread.
func (c *InterruptController) Enqueue(kind InterruptKind, data uint32) {
	c.queue.push(kind, data)
}

// tryTake pops the next pending interrupt if delivery is currently possible
// (enabled and non-empty), clearing enabled as a side effect of delivery.
func (c *InterruptController) tryTake() (pendingInterrupt, bool) {
	if !c.enabled.Load() {
		return pendingInterrupt{}, false
	}
	pending, ok := c.queue.pop()
	if !ok {
		return pendingInterrupt{}, false
	}
	c.enabled.Store(false)
	return pending, true
}

// IDTBase returns the current interrupt descriptor table base address.
func (c *InterruptController) IDTBase() uint32 { return c.idtBase.Load() }

// Enabled reports whether interrupt delivery is currently armed.
func (c *InterruptController) Enabled() bool { return c.enabled.Load() }

// reenable is called by Iret.
func (c *InterruptController) reenable() { c.enabled.Store(true) }
