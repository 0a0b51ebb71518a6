package telemetry

import (
	"github.com/banshee-data/detlink/internal/detection"
	"github.com/banshee-data/detlink/internal/timeutil"
)

// Encoder stamps and frames detections for one link. It owns no lock; see
// Session for the concurrency contract.
type Encoder struct {
	Session *Session
	Clock   timeutil.Clock

	lastUsec uint64
}

// NewEncoder returns an Encoder that reads wall-clock time from clock. A nil
// clock uses timeutil.RealClock.
func NewEncoder(s *Session, clock timeutil.Clock) *Encoder {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Encoder{Session: s, Clock: clock}
}

// Encode returns a freshly allocated frame for d.
func (e *Encoder) Encode(d detection.Detection, frameWidth, frameHeight int32) ([]byte, error) {
	buf := make([]byte, FrameLen)
	n, err := e.EncodeInto(buf, d, frameWidth, frameHeight)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// EncodeInto encodes d into buf with the current timestamp.
func (e *Encoder) EncodeInto(buf []byte, d detection.Detection, frameWidth, frameHeight int32) (int, error) {
	ts := e.timestamp()
	n, err := EncodeInto(buf, d, frameWidth, frameHeight, ts, e.Session)
	if err != nil {
		return 0, err
	}
	e.lastUsec = ts
	return n, nil
}

// timestamp returns the wall clock in microseconds, held at the previous
// value if the clock stepped backwards.
func (e *Encoder) timestamp() uint64 {
	now := e.Clock.Now().UnixMicro()
	var ts uint64
	if now > 0 {
		ts = uint64(now)
	}
	if ts < e.lastUsec {
		ts = e.lastUsec
	}
	return ts
}
