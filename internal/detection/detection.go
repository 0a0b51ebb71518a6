// Package detection holds the in-memory form of one detected object and the
// per-frame records handed over by the inference pipeline.
package detection

import (
	"fmt"

	"github.com/banshee-data/detlink/internal/letterbox"
)

// Box is an axis-aligned pixel rectangle. Right >= Left and Bottom >= Top.
type Box struct {
	Left   int32 `json:"left"`
	Top    int32 `json:"top"`
	Right  int32 `json:"right"`
	Bottom int32 `json:"bottom"`
}

// Width returns the horizontal extent of the box in pixels.
func (b Box) Width() int32 { return b.Right - b.Left }

// Height returns the vertical extent of the box in pixels.
func (b Box) Height() int32 { return b.Bottom - b.Top }

// Valid reports whether the corners are ordered.
func (b Box) Valid() bool { return b.Right >= b.Left && b.Bottom >= b.Top }

// FromTensor maps both corners of a tensor-space box into frame space.
func FromTensor(b Box, p letterbox.Params) Box {
	l, t := p.ToFrame(b.Left, b.Top)
	r, btm := p.ToFrame(b.Right, b.Bottom)
	return Box{Left: l, Top: t, Right: r, Bottom: btm}
}

// Clamp limits the box to [0,width) x [0,height).
func (b Box) Clamp(width, height int32) Box {
	clamp := func(v, hi int32) int32 {
		if v < 0 {
			return 0
		}
		if v > hi-1 {
			return hi - 1
		}
		return v
	}
	return Box{
		Left:   clamp(b.Left, width),
		Top:    clamp(b.Top, height),
		Right:  clamp(b.Right, width),
		Bottom: clamp(b.Bottom, height),
	}
}

func (b Box) String() string {
	return fmt.Sprintf("(%d %d %d %d)", b.Left, b.Top, b.Right, b.Bottom)
}

// Detection is one object in frame coordinates.
type Detection struct {
	Box        Box
	Confidence float32
	ClassID    uint8
	// TargetIndex is the position in the per-frame result list; it is not
	// unique across frames.
	TargetIndex uint8
}
