// Package letterbox computes the uniform scale and symmetric padding used to fit
// a camera frame into the square inference tensor, and maps tensor-space pixel
// coordinates back into frame space.
//
// All arithmetic is float32 to match the NPU-side preprocessing bit for bit.
package letterbox

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
)

// ErrGeometry is returned when any frame or tensor dimension is not positive.
var ErrGeometry = errors.New("invalid frame geometry")

// Geometry describes one frame being fitted into the inference tensor.
type Geometry struct {
	SourceWidth  int32 `json:"source_width"`
	SourceHeight int32 `json:"source_height"`
	DestWidth    int32 `json:"dest_width"`
	DestHeight   int32 `json:"dest_height"`
}

// Validate reports ErrGeometry if any dimension is zero or negative.
func (g Geometry) Validate() error {
	if g.SourceWidth <= 0 || g.SourceHeight <= 0 || g.DestWidth <= 0 || g.DestHeight <= 0 {
		return fmt.Errorf("%w: source %dx%d, dest %dx%d",
			ErrGeometry, g.SourceWidth, g.SourceHeight, g.DestWidth, g.DestHeight)
	}
	return nil
}

// Params is the result of the forward letterbox computation. Values are
// immutable once computed; callers recompute per frame.
type Params struct {
	Scale     float32
	LeftPad   int32
	TopPad    int32
	NewWidth  int32 // scaled source width inside the tensor
	NewHeight int32 // scaled source height inside the tensor
}

// Compute derives the letterbox parameters for g.
//
//	scale    = min(dw/sw, dh/sh)
//	new_w    = floor(sw * scale)
//	left_pad = (dw - new_w) / 2
func Compute(g Geometry) (Params, error) {
	if err := g.Validate(); err != nil {
		return Params{}, err
	}

	scaleX := float32(g.DestWidth) / float32(g.SourceWidth)
	scaleY := float32(g.DestHeight) / float32(g.SourceHeight)
	scale := math32.Min(scaleX, scaleY)

	newW := int32(math32.Floor(float32(g.SourceWidth) * scale))
	newH := int32(math32.Floor(float32(g.SourceHeight) * scale))

	// new_w <= dest_w holds mathematically but float rounding could push a
	// product one ulp over an integer boundary.
	if newW > g.DestWidth {
		newW = g.DestWidth
	}
	if newH > g.DestHeight {
		newH = g.DestHeight
	}

	return Params{
		Scale:     scale,
		LeftPad:   (g.DestWidth - newW) / 2,
		TopPad:    (g.DestHeight - newH) / 2,
		NewWidth:  newW,
		NewHeight: newH,
	}, nil
}

// ToFrame maps a tensor-space pixel into frame space. The division happens
// before truncation; results outside the frame are returned as-is.
func (p Params) ToFrame(x, y int32) (int32, int32) {
	fx, fy := p.Unmap(float32(x), float32(y))
	return int32(fx), int32(fy)
}

// Unmap is the untruncated inverse mapping.
func (p Params) Unmap(x, y float32) (float32, float32) {
	return (x - float32(p.LeftPad)) / p.Scale, (y - float32(p.TopPad)) / p.Scale
}

// Map is the untruncated forward mapping from frame space into the tensor.
func (p Params) Map(x, y float32) (float32, float32) {
	return x*p.Scale + float32(p.LeftPad), y*p.Scale + float32(p.TopPad)
}

// Contains reports whether the tensor-space point lies inside the scaled
// image rather than the padding bands.
func (p Params) Contains(x, y int32) bool {
	return x >= p.LeftPad && x < p.LeftPad+p.NewWidth &&
		y >= p.TopPad && y < p.TopPad+p.NewHeight
}

func (p Params) String() string {
	return fmt.Sprintf("scale=%.4f pad=(%d,%d) size=%dx%d", p.Scale, p.LeftPad, p.TopPad, p.NewWidth, p.NewHeight)
}
