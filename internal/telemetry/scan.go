package telemetry

import (
	"bufio"
	"bytes"
	"encoding/binary"
)

// ScanFrames is a bufio.SplitFunc that yields one checksum-valid frame per
// token. Leading noise and candidates whose checksum does not match are
// skipped a byte at a time so a corrupt frame cannot hide the next good one.
func ScanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	offset := 0
	for {
		i := bytes.IndexByte(data[offset:], Magic)
		if i < 0 {
			return len(data), nil, nil
		}
		start := offset + i

		if len(data)-start < 2 {
			if atEOF {
				return len(data), nil, nil
			}
			return start, nil, nil
		}
		total := HeaderLen + int(data[start+1]) + ChecksumLen
		if len(data)-start < total {
			if !atEOF {
				return start, nil, nil
			}
			offset = start + 1
			continue
		}

		candidate := data[start : start+total]
		crc := binary.LittleEndian.Uint16(candidate[total-ChecksumLen:])
		if CRC16(candidate[1:total-ChecksumLen]) == crc {
			return start + total, candidate, nil
		}
		offset = start + 1
	}
}

// FrameScanner reads validated detection frames from a byte stream.
type FrameScanner struct {
	sc      *bufio.Scanner
	frame   Frame
	skipped int
}

// NewFrameScanner switches sc to ScanFrames and wraps it.
func NewFrameScanner(sc *bufio.Scanner) *FrameScanner {
	sc.Split(ScanFrames)
	return &FrameScanner{sc: sc}
}

// Scan advances to the next detection frame. It returns false at the end of
// the stream or on a read error, available from Err.
func (s *FrameScanner) Scan() bool {
	for s.sc.Scan() {
		f, err := Decode(s.sc.Bytes())
		if err != nil {
			// Valid framing but not ours, e.g. a different message id.
			s.skipped++
			continue
		}
		s.frame = f
		return true
	}
	return false
}

// Frame returns the most recent frame found by Scan.
func (s *FrameScanner) Frame() Frame { return s.frame }

// Skipped counts well-framed messages that were not detection frames.
func (s *FrameScanner) Skipped() int { return s.skipped }

// Err returns the first non-EOF read error.
func (s *FrameScanner) Err() error { return s.sc.Err() }
