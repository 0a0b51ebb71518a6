package telemetry

import (
	"bufio"
	"bytes"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/detlink/internal/detection"
	"github.com/banshee-data/detlink/internal/timeutil"
)

const fixtureTimeUsec = 1700000000000000

// fixtureDetection is the 720x480 display box mapped from tensor (100,150)-(200,300).
var fixtureDetection = detection.Detection{
	Box:         detection.Box{Left: 112, Top: 48, Right: 225, Bottom: 217},
	Confidence:  0.75,
	ClassID:     0,
	TargetIndex: 0,
}

// fixtureFrame is the expected encoding of fixtureDetection with seq 0,
// sysid 1, compid 1 and fixtureTimeUsec.
var fixtureFrame = []byte{
	0xFD, 0x1E, 0x00, 0x00, 0x00, 0x01, 0x01, 0x28, 0x23, 0x00,
	0x00, 0x40, 0x1E, 0x18, 0x24, 0x0A, 0x06, 0x00, // time_usec
	0x06, 0x5B, 0x30, 0xBF, // x
	0xCD, 0xCC, 0x4C, 0xBF, // y
	0x0B, 0xB6, 0x20, 0x3E, // width
	0x44, 0x44, 0xB4, 0x3E, // height
	0x00, 0x00, 0x40, 0x3F, // confidence
	0x00, 0x00, // target, class
	0x3E, 0x21, // crc
}

func TestEncodeInto_Fixture(t *testing.T) {
	s := DefaultSession()
	buf := make([]byte, FrameLen)

	n, err := EncodeInto(buf, fixtureDetection, 720, 480, fixtureTimeUsec, s)
	require.NoError(t, err)
	assert.Equal(t, FrameLen, n)
	if diff := cmp.Diff(fixtureFrame, buf); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint8(1), s.Seq)
}

func TestEncodeInto_SeqAffectsChecksum(t *testing.T) {
	s := DefaultSession()
	s.Seq = 255
	buf := make([]byte, FrameLen)

	_, err := EncodeInto(buf, fixtureDetection, 720, 480, fixtureTimeUsec, s)
	require.NoError(t, err)
	assert.Equal(t, byte(255), buf[4])
	assert.Equal(t, []byte{0xEC, 0x41}, buf[40:42])
	assert.Equal(t, uint8(0), s.Seq, "seq wraps after 255")
}

func TestEncodeInto_BufferTooSmall(t *testing.T) {
	s := DefaultSession()
	s.Seq = 17

	small := make([]byte, FrameLen-1)
	n, err := EncodeInto(small, fixtureDetection, 720, 480, fixtureTimeUsec, s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBufferTooSmall))
	assert.Equal(t, 0, n)
	assert.Equal(t, make([]byte, FrameLen-1), small, "no partial write")
	assert.Equal(t, uint8(17), s.Seq, "failed encode must not consume a sequence number")

	exact := make([]byte, FrameLen)
	n, err = EncodeInto(exact, fixtureDetection, 720, 480, fixtureTimeUsec, s)
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.Equal(t, uint8(18), s.Seq)

	large := make([]byte, 64)
	n, err = EncodeInto(large, fixtureDetection, 720, 480, fixtureTimeUsec, s)
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.Equal(t, make([]byte, 22), large[42:], "bytes past the frame are untouched")
}

func TestEncodeInto_InvalidFrameGeometry(t *testing.T) {
	for _, dims := range [][2]int32{{0, 480}, {720, 0}, {-720, 480}, {720, -1}} {
		s := DefaultSession()
		_, err := EncodeInto(make([]byte, FrameLen), fixtureDetection, dims[0], dims[1], fixtureTimeUsec, s)
		assert.True(t, errors.Is(err, ErrGeometry), "dims %v: got %v", dims, err)
		assert.Equal(t, uint8(0), s.Seq)
	}
}

func TestEncodeInto_Deterministic(t *testing.T) {
	a, b := DefaultSession(), DefaultSession()
	bufA, bufB := make([]byte, FrameLen), make([]byte, FrameLen)

	_, err := EncodeInto(bufA, fixtureDetection, 720, 480, fixtureTimeUsec, a)
	require.NoError(t, err)
	_, err = EncodeInto(bufB, fixtureDetection, 720, 480, fixtureTimeUsec, b)
	require.NoError(t, err)

	assert.Equal(t, bufA, bufB)
}

func TestSession_WrapsAfter256Frames(t *testing.T) {
	s := NewSession(7, 42)
	buf := make([]byte, FrameLen)

	for i := 0; i < 256; i++ {
		_, err := EncodeInto(buf, fixtureDetection, 720, 480, fixtureTimeUsec, s)
		require.NoError(t, err)
		assert.Equal(t, byte(i), buf[4])
		assert.Equal(t, byte(7), buf[5])
		assert.Equal(t, byte(42), buf[6])
	}
	assert.Equal(t, uint8(0), s.Seq)
}

func TestNormalise_TopLeftReference(t *testing.T) {
	d := detection.Detection{Box: detection.Box{Left: 0, Top: 0, Right: 720, Bottom: 480}}
	p, err := Normalise(d, 720, 480, 0)
	require.NoError(t, err)

	assert.Equal(t, float32(-1), p.X, "x is the left edge, not the centre")
	assert.Equal(t, float32(-1), p.Y)
	assert.Equal(t, float32(1), p.Width)
	assert.Equal(t, float32(1), p.Height)

	d.Box = detection.Box{Left: 360, Top: 240, Right: 360, Bottom: 240}
	p, err = Normalise(d, 720, 480, 0)
	require.NoError(t, err)
	assert.Equal(t, float32(0), p.X)
	assert.Equal(t, float32(0), p.Y)
	assert.Equal(t, float32(0), p.Width)
}

func TestDecode_RoundTrip(t *testing.T) {
	f, err := Decode(fixtureFrame)
	require.NoError(t, err)

	want := Frame{
		Header: Header{Len: PayloadLen, Seq: 0, SystemID: 1, ComponentID: 1, MsgID: DetectionMsgID},
		Payload: Payload{
			TimeUsec:   fixtureTimeUsec,
			X:          math.Float32frombits(0xBF305B06),
			Y:          math.Float32frombits(0xBF4CCCCD),
			Width:      math.Float32frombits(0x3E20B60B),
			Height:     math.Float32frombits(0x3EB44444),
			Confidence: 0.75,
		},
		Checksum: 0x213E,
	}
	if diff := cmp.Diff(want, f); diff != "" {
		t.Errorf("Decode mismatch (-want +got):\n%s", diff)
	}

	x, y, w, h := f.Payload.Denormalise(720, 480)
	assert.InDelta(t, 112, x, 0.01)
	assert.InDelta(t, 48, y, 0.01)
	assert.InDelta(t, 113, w, 0.01)
	assert.InDelta(t, 169, h, 0.01)
}

func TestDecode_Errors(t *testing.T) {
	corrupt := func(i int, v byte) []byte {
		b := append([]byte(nil), fixtureFrame...)
		b[i] = v
		return b
	}
	foreign := append([]byte(nil), fixtureFrame...)
	foreign[7] = 0x01 // msgid 8961
	foreign[8] = 0x23
	crc := CRC16(foreign[1:40])
	foreign[40], foreign[41] = byte(crc), byte(crc>>8)

	tests := []struct {
		name string
		b    []byte
		want error
	}{
		{"too short", fixtureFrame[:5], ErrBadLength},
		{"bad magic", corrupt(0, 0xFE), ErrBadMagic},
		{"length mismatch", fixtureFrame[:41], ErrBadLength},
		{"flipped payload bit", corrupt(20, fixtureFrame[20]^0x01), ErrChecksum},
		{"flipped crc", corrupt(41, 0x00), ErrChecksum},
		{"foreign message", foreign, ErrUnknownMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.b)
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}
}

func TestEncoder_TimestampNonDecreasing(t *testing.T) {
	start := time.UnixMicro(fixtureTimeUsec)
	clock := timeutil.NewMockClock(start)
	enc := NewEncoder(DefaultSession(), clock)

	first, err := enc.Encode(fixtureDetection, 720, 480)
	require.NoError(t, err)
	assert.Equal(t, fixtureFrame, first)

	clock.Set(start.Add(-time.Second))
	second, err := enc.Encode(fixtureDetection, 720, 480)
	require.NoError(t, err)

	f, err := Decode(second)
	require.NoError(t, err)
	assert.Equal(t, uint64(fixtureTimeUsec), f.Payload.TimeUsec, "clock step backwards is held")
	assert.Equal(t, uint8(1), f.Seq)

	clock.Set(start.Add(250 * time.Microsecond))
	third, err := enc.Encode(fixtureDetection, 720, 480)
	require.NoError(t, err)
	f, err = Decode(third)
	require.NoError(t, err)
	assert.Equal(t, uint64(fixtureTimeUsec+250), f.Payload.TimeUsec)
}

func TestEncoder_ErrorLeavesSessionAlone(t *testing.T) {
	enc := NewEncoder(DefaultSession(), timeutil.NewMockClock(time.UnixMicro(fixtureTimeUsec)))

	_, err := enc.Encode(fixtureDetection, 0, 480)
	require.Error(t, err)
	assert.Equal(t, uint8(0), enc.Session.Seq)

	_, err = enc.EncodeInto(make([]byte, 10), fixtureDetection, 720, 480)
	assert.True(t, errors.Is(err, ErrBufferTooSmall))
	assert.Equal(t, uint8(0), enc.Session.Seq)
}

func TestFrameScanner_Resynchronises(t *testing.T) {
	enc := NewEncoder(DefaultSession(), timeutil.NewMockClock(time.UnixMicro(fixtureTimeUsec)))

	var stream bytes.Buffer
	stream.WriteString("UART success!\n")
	for i := 0; i < 3; i++ {
		frame, err := enc.Encode(fixtureDetection, 720, 480)
		require.NoError(t, err)
		if i == 1 {
			frame[25] ^= 0xFF // corrupt the second frame
		}
		stream.Write(frame)
		stream.Write([]byte{0x00, Magic, 0x01}) // noise including a false start byte
	}

	fs := NewFrameScanner(bufio.NewScanner(&stream))
	var seqs []uint8
	for fs.Scan() {
		seqs = append(seqs, fs.Frame().Seq)
	}
	require.NoError(t, fs.Err())
	assert.Equal(t, []uint8{0, 2}, seqs)
}

func TestScanFrames_WaitsForPartialFrame(t *testing.T) {
	advance, token, err := ScanFrames(append([]byte{0x11, 0x22}, fixtureFrame[:20]...), false)
	require.NoError(t, err)
	assert.Nil(t, token)
	assert.Equal(t, 2, advance, "noise before the start byte is discarded")

	advance, token, err = ScanFrames(fixtureFrame, false)
	require.NoError(t, err)
	assert.Equal(t, FrameLen, advance)
	assert.Equal(t, fixtureFrame, token)
}
