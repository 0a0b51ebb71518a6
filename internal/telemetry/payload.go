package telemetry

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Payload is the detection message body. On the wire the fields are packed
// little-endian in declaration order with no padding.
type Payload struct {
	TimeUsec   uint64  // microseconds, wall clock
	X          float32 // left edge, normalised to [-1,1] (0 is frame centre)
	Y          float32 // top edge, normalised to [-1,1]
	Width      float32 // fraction of frame width
	Height     float32 // fraction of frame height
	Confidence float32
	TargetNum  uint8
	ClassID    uint8
}

// Payload field offsets.
const (
	offTimeUsec   = 0
	offX          = 8
	offY          = 12
	offWidth      = 16
	offHeight     = 20
	offConfidence = 24
	offTargetNum  = 28
	offClassID    = 29

	// PayloadLen is the packed payload size.
	PayloadLen = 30
)

// put writes p into b, which must hold at least PayloadLen bytes.
func (p Payload) put(b []byte) {
	_ = b[PayloadLen-1]
	binary.LittleEndian.PutUint64(b[offTimeUsec:], p.TimeUsec)
	binary.LittleEndian.PutUint32(b[offX:], math.Float32bits(p.X))
	binary.LittleEndian.PutUint32(b[offY:], math.Float32bits(p.Y))
	binary.LittleEndian.PutUint32(b[offWidth:], math.Float32bits(p.Width))
	binary.LittleEndian.PutUint32(b[offHeight:], math.Float32bits(p.Height))
	binary.LittleEndian.PutUint32(b[offConfidence:], math.Float32bits(p.Confidence))
	b[offTargetNum] = p.TargetNum
	b[offClassID] = p.ClassID
}

// UnmarshalBinary decodes a packed payload.
func (p *Payload) UnmarshalBinary(b []byte) error {
	if len(b) != PayloadLen {
		return fmt.Errorf("%w: payload is %d bytes, want %d", ErrBadLength, len(b), PayloadLen)
	}
	p.TimeUsec = binary.LittleEndian.Uint64(b[offTimeUsec:])
	p.X = math.Float32frombits(binary.LittleEndian.Uint32(b[offX:]))
	p.Y = math.Float32frombits(binary.LittleEndian.Uint32(b[offY:]))
	p.Width = math.Float32frombits(binary.LittleEndian.Uint32(b[offWidth:]))
	p.Height = math.Float32frombits(binary.LittleEndian.Uint32(b[offHeight:]))
	p.Confidence = math.Float32frombits(binary.LittleEndian.Uint32(b[offConfidence:]))
	p.TargetNum = b[offTargetNum]
	p.ClassID = b[offClassID]
	return nil
}

// Denormalise converts the normalised box back to pixel coordinates for a
// frame of the given size (left, top, width, height).
func (p Payload) Denormalise(frameWidth, frameHeight int32) (x, y, w, h float32) {
	fw, fh := float32(frameWidth), float32(frameHeight)
	x = (p.X + 1) / 2 * fw
	y = (p.Y + 1) / 2 * fh
	return x, y, p.Width * fw, p.Height * fh
}
