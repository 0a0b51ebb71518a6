package detection

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/banshee-data/detlink/internal/letterbox"
)

// Result is one raw detection as emitted by the NPU post-processing step,
// with its box still in tensor coordinates.
type Result struct {
	Box
	Confidence float32 `json:"confidence"`
	ClassID    int     `json:"class_id"`
}

// Frame is the per-frame record written by the inference pipeline, one JSON
// object per line:
//
//	{"width":720,"height":480,"model_width":640,"model_height":640,
//	 "detections":[{"left":100,"top":150,"right":200,"bottom":300,"confidence":0.87,"class_id":0}]}
type Frame struct {
	Seq         uint64   `json:"seq,omitempty"`
	Width       int32    `json:"width"`
	Height      int32    `json:"height"`
	ModelWidth  int32    `json:"model_width"`
	ModelHeight int32    `json:"model_height"`
	Detections  []Result `json:"detections"`
}

// Geometry returns the letterbox geometry of the frame.
func (f Frame) Geometry() letterbox.Geometry {
	return letterbox.Geometry{
		SourceWidth:  f.Width,
		SourceHeight: f.Height,
		DestWidth:    f.ModelWidth,
		DestHeight:   f.ModelHeight,
	}
}

// ErrInvalidResult marks a Result that cannot become a Detection.
var ErrInvalidResult = errors.New("invalid detection result")

// ToDetection maps r into frame space. index becomes the target number.
func (r Result) ToDetection(p letterbox.Params, index int) (Detection, error) {
	if !r.Box.Valid() {
		return Detection{}, fmt.Errorf("%w: unordered box %s", ErrInvalidResult, r.Box)
	}
	if !(r.Confidence >= 0 && r.Confidence <= 1) {
		return Detection{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidResult, r.Confidence)
	}
	if r.ClassID < 0 || r.ClassID > math.MaxUint8 {
		return Detection{}, fmt.Errorf("%w: class id %d out of range", ErrInvalidResult, r.ClassID)
	}
	if index < 0 || index > math.MaxUint8 {
		return Detection{}, fmt.Errorf("%w: target index %d out of range", ErrInvalidResult, index)
	}
	return Detection{
		Box:         FromTensor(r.Box, p),
		Confidence:  r.Confidence,
		ClassID:     uint8(r.ClassID),
		TargetIndex: uint8(index),
	}, nil
}

// ErrInvalidRecord marks a record that is well-formed JSON but does not fit
// Frame. The record has been consumed and the stream can continue.
var ErrInvalidRecord = errors.New("invalid frame record")

// Reader decodes a stream of newline-delimited Frame records.
type Reader struct {
	dec *json.Decoder
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: json.NewDecoder(r)}
}

// Next returns the next frame, or io.EOF at the end of the stream. A record
// with mistyped fields yields an error wrapping ErrInvalidRecord and Next may
// be called again; any other error is final.
func (r *Reader) Next() (Frame, error) {
	var f Frame
	if err := r.dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return Frame{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		return Frame{}, fmt.Errorf("failed to decode frame record: %w", err)
	}
	return f, nil
}
