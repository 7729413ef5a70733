package display

import (
	"image"
	"image/color"
	"image/png"
	"io"

	"golang.org/x/image/draw"
)

// WritePNG encodes the sink's current framebuffer as a PNG, upscaled by an
// integer factor via nearest-neighbor scaling — the right choice for a
// pixel framebuffer, where smoothing would blur exactly the grid the
// program drew. scale is clamped to [1,4], matching the teacher's own
// display-scale clamp.
func (h *Headless) WritePNG(w io.Writer, scale int) error {
	scale = clampScale(scale)

	h.mu.Lock()
	width, height := h.width, h.height
	pixels := make([]uint32, len(h.pixels))
	copy(pixels, h.pixels)
	h.mu.Unlock()

	src := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			src.Set(x, y, packedNRGBA(pixels[y*width+x]))
		}
	}

	if scale == 1 {
		return png.Encode(w, src)
	}

	dst := image.NewNRGBA(image.Rect(0, 0, width*scale, height*scale))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return png.Encode(w, dst)
}

// packedNRGBA unpacks a little-endian 0xAABBGGRR-style framebuffer word —
// the same byte order Phrp's color argument is assembled in — into a
// non-alpha-premultiplied color.
func packedNRGBA(w uint32) color.NRGBA {
	return color.NRGBA{
		R: byte(w),
		G: byte(w >> 8),
		B: byte(w >> 16),
		A: byte(w >> 24),
	}
}

func clampScale(s int) int {
	if s < 1 {
		return 1
	}
	if s > 4 {
		return 4
	}
	return s
}
