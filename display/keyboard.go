//go:build !windows

package display

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"
)

// KeySink receives decoded key events from a live keyboard source — the
// same shape the Keyboard peripheral's Send method is driven by, so a
// TerminalKeyboard can feed it without that peripheral knowing where its
// scancodes came from.
type KeySink interface {
	SendKey(ev KeyEvent)
}

// TerminalKeyboard reads raw stdin and forwards each byte to a KeySink as a
// KeyEvent, standing in for a real keyboard device when none is attached.
// Grounded on the teacher's TerminalHost: put the terminal in raw mode, poll
// stdin non-blocking in a goroutine, and translate the handful of bytes
// whose raw-mode encoding differs from what a line-mode reader expects.
type TerminalKeyboard struct {
	sink KeySink

	stopCh  chan struct{}
	done    chan struct{}
	stopped sync.Once

	fd          int
	nonblockSet bool
	oldState    *term.State
}

// NewTerminalKeyboard returns a keyboard source that forwards decoded bytes
// to sink once started.
func NewTerminalKeyboard(sink KeySink) *TerminalKeyboard {
	return &TerminalKeyboard{
		sink:   sink,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start puts stdin into raw, non-blocking mode and begins forwarding bytes
// in a background goroutine. Call Stop to restore stdin before the process
// exits.
func (k *TerminalKeyboard) Start() error {
	k.fd = int(os.Stdin.Fd())

	oldState, err := term.MakeRaw(k.fd)
	if err != nil {
		close(k.done)
		return fmt.Errorf("terminal keyboard: set raw mode: %w", err)
	}
	k.oldState = oldState

	if err := syscall.SetNonblock(k.fd, true); err != nil {
		_ = term.Restore(k.fd, k.oldState)
		k.oldState = nil
		close(k.done)
		return fmt.Errorf("terminal keyboard: set non-blocking stdin: %w", err)
	}
	k.nonblockSet = true

	go k.readLoop()
	return nil
}

func (k *TerminalKeyboard) readLoop() {
	defer close(k.done)
	buf := make([]byte, 1)

	for {
		select {
		case <-k.stopCh:
			return
		default:
		}

		n, err := syscall.Read(k.fd, buf)
		if n > 0 {
			k.sink.SendKey(KeyEvent{Scancode: uint32(translateRawByte(buf[0])), Pressed: true})
		}
		switch {
		case err == syscall.EAGAIN || err == syscall.EWOULDBLOCK:
			time.Sleep(5 * time.Millisecond)
		case err != nil:
			return
		case n == 0:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

// translateRawByte maps a raw-mode terminal byte to the scancode a line-mode
// reader of the same key would expect: raw mode sends CR for Enter and 0x7F
// for Backspace on most modern terminals.
func translateRawByte(b byte) byte {
	switch b {
	case '\r':
		return '\n'
	case 0x7F:
		return 0x08
	default:
		return b
	}
}

// Stop terminates the read goroutine and restores stdin to its prior state.
// Safe to call more than once.
func (k *TerminalKeyboard) Stop() {
	k.stopped.Do(func() { close(k.stopCh) })
	<-k.done
	if k.nonblockSet {
		_ = syscall.SetNonblock(k.fd, false)
		k.nonblockSet = false
	}
	if k.oldState != nil {
		_ = term.Restore(k.fd, k.oldState)
		k.oldState = nil
	}
}
