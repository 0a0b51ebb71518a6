// Package telemetry encodes detections into the framed binary messages sent to
// the flight controller over the serial link.
//
// The framing follows MAVLink v2 (0xFD start byte, 10-byte header, CRC-16/MCRF4XX
// over everything after the start byte) with a private message id and no
// CRC_EXTRA seed or signature:
//
//	magic | len | incompat | compat | seq | sysid | compid | msgid(3, LE) | payload | crc(2, LE)
package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/banshee-data/detlink/internal/detection"
	"github.com/banshee-data/detlink/internal/letterbox"
)

// Wire constants.
const (
	Magic           byte   = 0xFD
	DetectionMsgID  uint32 = 9000
	HeaderLen              = 10
	ChecksumLen            = 2
	FrameLen               = HeaderLen + PayloadLen + ChecksumLen // 42
	offPayloadStart        = HeaderLen
	offChecksum            = HeaderLen + PayloadLen
)

var (
	// ErrBufferTooSmall is returned when the output buffer cannot hold a frame.
	ErrBufferTooSmall = errors.New("telemetry buffer too small")
	// ErrGeometry is returned for non-positive frame dimensions. It is the
	// same sentinel as letterbox.ErrGeometry.
	ErrGeometry = letterbox.ErrGeometry

	ErrBadMagic       = errors.New("bad start byte")
	ErrBadLength      = errors.New("bad payload length")
	ErrChecksum       = errors.New("checksum mismatch")
	ErrUnknownMessage = errors.New("unknown message id")
)

// Header is the decoded fixed-size frame header.
type Header struct {
	Len           uint8
	IncompatFlags uint8
	CompatFlags   uint8
	Seq           uint8
	SystemID      uint8
	ComponentID   uint8
	MsgID         uint32
}

// Frame is a decoded detection frame.
type Frame struct {
	Header
	Payload  Payload
	Checksum uint16
}

// Normalise converts a frame-space detection into a payload. x/y are taken
// from the box's top-left corner, not its centre, which is what existing
// receivers expect.
func Normalise(d detection.Detection, frameWidth, frameHeight int32, timeUsec uint64) (Payload, error) {
	if frameWidth <= 0 || frameHeight <= 0 {
		return Payload{}, fmt.Errorf("%w: frame %dx%d", ErrGeometry, frameWidth, frameHeight)
	}
	fw, fh := float32(frameWidth), float32(frameHeight)
	return Payload{
		TimeUsec:   timeUsec,
		X:          float32(d.Box.Left)/fw*2 - 1,
		Y:          float32(d.Box.Top)/fh*2 - 1,
		Width:      float32(d.Box.Width()) / fw,
		Height:     float32(d.Box.Height()) / fh,
		Confidence: d.Confidence,
		TargetNum:  d.TargetIndex,
		ClassID:    d.ClassID,
	}, nil
}

// EncodeInto writes one 42-byte frame for d into buf and advances s.Seq.
// On error nothing is written and s is left unchanged.
func EncodeInto(buf []byte, d detection.Detection, frameWidth, frameHeight int32, timeUsec uint64, s *Session) (int, error) {
	if len(buf) < FrameLen {
		return 0, fmt.Errorf("%w: have %d bytes, need %d", ErrBufferTooSmall, len(buf), FrameLen)
	}
	p, err := Normalise(d, frameWidth, frameHeight, timeUsec)
	if err != nil {
		return 0, err
	}
	return PutFrame(buf, p, s), nil
}

// PutFrame frames an already-normalised payload. buf must hold FrameLen bytes.
func PutFrame(buf []byte, p Payload, s *Session) int {
	b := buf[:FrameLen]
	b[0] = Magic
	b[1] = PayloadLen
	b[2] = 0 // incompat flags: unsigned
	b[3] = 0 // compat flags
	b[4] = s.next()
	b[5] = s.SystemID
	b[6] = s.ComponentID
	putMsgID(b[7:10], DetectionMsgID)
	p.put(b[offPayloadStart:offChecksum])
	binary.LittleEndian.PutUint16(b[offChecksum:], CRC16(b[1:offChecksum]))
	return FrameLen
}

func putMsgID(b []byte, id uint32) {
	b[0] = byte(id)
	b[1] = byte(id >> 8)
	b[2] = byte(id >> 16)
}

func msgID(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// Decode parses and validates a single frame. b must contain exactly one
// frame.
func Decode(b []byte) (Frame, error) {
	var f Frame
	if len(b) < HeaderLen+ChecksumLen {
		return f, fmt.Errorf("%w: frame is %d bytes", ErrBadLength, len(b))
	}
	if b[0] != Magic {
		return f, fmt.Errorf("%w: 0x%02X", ErrBadMagic, b[0])
	}
	n := int(b[1])
	if len(b) != HeaderLen+n+ChecksumLen {
		return f, fmt.Errorf("%w: header says %d, frame carries %d", ErrBadLength, n, len(b)-HeaderLen-ChecksumLen)
	}

	f.Header = Header{
		Len:           b[1],
		IncompatFlags: b[2],
		CompatFlags:   b[3],
		Seq:           b[4],
		SystemID:      b[5],
		ComponentID:   b[6],
		MsgID:         msgID(b[7:10]),
	}
	f.Checksum = binary.LittleEndian.Uint16(b[HeaderLen+n:])
	if got := CRC16(b[1 : HeaderLen+n]); got != f.Checksum {
		return f, fmt.Errorf("%w: computed 0x%04X, frame carries 0x%04X", ErrChecksum, got, f.Checksum)
	}
	if f.MsgID != DetectionMsgID {
		return f, fmt.Errorf("%w: %d", ErrUnknownMessage, f.MsgID)
	}
	if err := f.Payload.UnmarshalBinary(b[HeaderLen : HeaderLen+n]); err != nil {
		return f, err
	}
	return f, nil
}
