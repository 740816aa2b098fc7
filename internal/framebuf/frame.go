package framebuf

import "fmt"

// Frame is one rendered image. Pix holds Height rows of Width*Channels bytes
// (RGB when Channels is 3). A published frame must not be mutated.
type Frame struct {
	Width    int    `msgpack:"w" json:"width"`
	Height   int    `msgpack:"h" json:"height"`
	Channels int    `msgpack:"c" json:"channels"`
	Pix      []byte `msgpack:"p" json:"-"`
	Seq      uint64 `msgpack:"s" json:"seq"`
}

// NewFrame allocates a zeroed frame.
func NewFrame(width, height, channels int) *Frame {
	return &Frame{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      make([]byte, width*height*channels),
	}
}

// Validate reports whether Pix matches the declared geometry.
func (f *Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 || f.Channels <= 0 {
		return fmt.Errorf("invalid frame geometry %dx%dx%d", f.Width, f.Height, f.Channels)
	}
	if want := f.Width * f.Height * f.Channels; len(f.Pix) != want {
		return fmt.Errorf("frame pixel buffer is %d bytes, want %d", len(f.Pix), want)
	}
	return nil
}

// Set writes one pixel. Out-of-range coordinates are ignored.
func (f *Frame) Set(x, y int, px ...byte) {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return
	}
	off := (y*f.Width + x) * f.Channels
	copy(f.Pix[off:off+f.Channels], px)
}
