//go:build windows

package display

import "errors"

// KeySink receives decoded key events from a live keyboard source.
type KeySink interface {
	SendKey(ev KeyEvent)
}

// TerminalKeyboard is not supported on Windows: the raw-mode, non-blocking
// stdin polling the unix implementation relies on has no direct equivalent
// here, and no windowed input backend exists in this repo to stand in for
// it.
type TerminalKeyboard struct{}

// NewTerminalKeyboard returns a stub whose Start always fails.
func NewTerminalKeyboard(sink KeySink) *TerminalKeyboard { return &TerminalKeyboard{} }

// Start reports that no terminal keyboard source exists on this platform.
func (k *TerminalKeyboard) Start() error {
	return errors.New("terminal keyboard: not supported on windows")
}

// Stop is a no-op on Windows.
func (k *TerminalKeyboard) Stop() {}
