// Package display holds the peripheral-boundary types a GUI frontend would
// implement: display.Sink for pixel output, display.KeyEvent for keyboard
// input. Headless is the only backend this repo provides — it records
// frames into memory and can export them as PNG, letting the simulator run
// (and be tested) with no window at all.
package display

import (
	"fmt"
	"sync"
)

// Sink receives completed pixel draws from the machine's framebuffer
// peripheral: index is the linear pixel position, rgba its packed color.
// Shaped to match machine.FramebufferSink without importing it, so this
// package stays a leaf dependency a GUI frontend can build on without
// pulling in the machine.
type Sink interface {
	SetPixel(index int, rgba uint32)
}

// KeyEvent is one decoded keyboard event, independent of how it was sourced
// — a real device, the terminal stand-in, or an injected test scancode.
type KeyEvent struct {
	Scancode uint32
	Pressed  bool
}

// Headless is a Sink that keeps the framebuffer in memory instead of
// drawing it anywhere, for running the simulator or its tests without a
// window.
type Headless struct {
	mu     sync.Mutex
	width  int
	height int
	pixels []uint32
	frames uint64
}

// NewHeadless returns a Headless sink sized for a width x height
// framebuffer, every pixel initially zero (transparent black).
func NewHeadless(width, height int) *Headless {
	if width <= 0 || height <= 0 {
		panic(fmt.Sprintf("display: invalid framebuffer size %dx%d", width, height))
	}
	return &Headless{
		width:  width,
		height: height,
		pixels: make([]uint32, width*height),
	}
}

// SetPixel implements Sink. An index outside the framebuffer is dropped
// rather than panicking — a misbehaving program's out-of-range draws should
// not take the host process down with it.
func (h *Headless) SetPixel(index int, rgba uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if index < 0 || index >= len(h.pixels) {
		return
	}
	h.pixels[index] = rgba
}

// Dimensions reports the framebuffer's fixed width and height.
func (h *Headless) Dimensions() (width, height int) {
	return h.width, h.height
}

// Snapshot returns a copy of the current pixel buffer and bumps the
// recorded frame count, mirroring the teacher's own snapshot-plus-timestamp
// pattern without the parts (palette, pixel format variants) this
// framebuffer protocol never produces — every pixel here already arrives as
// packed RGBA.
func (h *Headless) Snapshot() []uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames++
	out := make([]uint32, len(h.pixels))
	copy(out, h.pixels)
	return out
}

// FrameCount reports how many snapshots have been taken so far.
func (h *Headless) FrameCount() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frames
}
