package detection

import (
	"errors"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/detlink/internal/letterbox"
)

func displayParams(t *testing.T) letterbox.Params {
	t.Helper()
	p, err := letterbox.Compute(letterbox.Geometry{SourceWidth: 720, SourceHeight: 480, DestWidth: 640, DestHeight: 640})
	require.NoError(t, err)
	return p
}

func TestFromTensor(t *testing.T) {
	got := FromTensor(Box{Left: 100, Top: 150, Right: 200, Bottom: 300}, displayParams(t))
	want := Box{Left: 112, Top: 48, Right: 225, Bottom: 217}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FromTensor mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int32(113), got.Width())
	assert.Equal(t, int32(169), got.Height())
}

func TestBoxClamp(t *testing.T) {
	b := Box{Left: -5, Top: -120, Right: 800, Bottom: 479}
	got := b.Clamp(720, 480)
	want := Box{Left: 0, Top: 0, Right: 719, Bottom: 479}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Clamp mismatch (-want +got):\n%s", diff)
	}
}

func TestResultToDetection(t *testing.T) {
	p := displayParams(t)

	r := Result{Box: Box{Left: 100, Top: 150, Right: 200, Bottom: 300}, Confidence: 0.87, ClassID: 16}
	d, err := r.ToDetection(p, 3)
	require.NoError(t, err)

	want := Detection{
		Box:         Box{Left: 112, Top: 48, Right: 225, Bottom: 217},
		Confidence:  0.87,
		ClassID:     16,
		TargetIndex: 3,
	}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Errorf("ToDetection mismatch (-want +got):\n%s", diff)
	}
}

func TestResultToDetection_Invalid(t *testing.T) {
	p := displayParams(t)

	tests := []struct {
		name  string
		r     Result
		index int
	}{
		{"unordered box", Result{Box: Box{Left: 10, Top: 0, Right: 5, Bottom: 5}}, 0},
		{"negative class", Result{Box: Box{Right: 1, Bottom: 1}, ClassID: -1}, 0},
		{"class too large", Result{Box: Box{Right: 1, Bottom: 1}, ClassID: 256}, 0},
		{"index too large", Result{Box: Box{Right: 1, Bottom: 1}}, 256},
		{"confidence above one", Result{Box: Box{Right: 1, Bottom: 1}, Confidence: 7.5}, 0},
		{"negative confidence", Result{Box: Box{Right: 1, Bottom: 1}, Confidence: -0.1}, 0},
		{"NaN confidence", Result{Box: Box{Right: 1, Bottom: 1}, Confidence: float32(math.NaN())}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.r.ToDetection(p, tt.index)
			assert.True(t, errors.Is(err, ErrInvalidResult), "got %v", err)
		})
	}
}

func TestReader(t *testing.T) {
	input := `{"width":720,"height":480,"model_width":640,"model_height":640,"detections":[{"left":100,"top":150,"right":200,"bottom":300,"confidence":0.5,"class_id":2}]}
{"width":720,"height":480,"model_width":640,"model_height":640,"detections":[]}
`
	r := NewReader(strings.NewReader(input))

	f, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, letterbox.Geometry{SourceWidth: 720, SourceHeight: 480, DestWidth: 640, DestHeight: 640}, f.Geometry())
	require.Len(t, f.Detections, 1)
	assert.Equal(t, Box{Left: 100, Top: 150, Right: 200, Bottom: 300}, f.Detections[0].Box)
	assert.Equal(t, 2, f.Detections[0].ClassID)

	f, err = r.Next()
	require.NoError(t, err)
	assert.Empty(t, f.Detections)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReader_Malformed(t *testing.T) {
	r := NewReader(strings.NewReader(`{"width":`))
	_, err := r.Next()
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestReader_MistypedRecordIsSkippable(t *testing.T) {
	input := `{"width":720,"height":480,"detections":[{"left":1,"top":1,"right":2,"bottom":2,"confidence":0.5,"class_id":"car"}]}
{"width":720,"height":480,"model_width":640,"model_height":640,"detections":[]}
`
	r := NewReader(strings.NewReader(input))

	_, err := r.Next()
	require.ErrorIs(t, err, ErrInvalidRecord)

	f, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, int32(640), f.ModelWidth)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReader_SyntaxErrorIsFinal(t *testing.T) {
	_, err := NewReader(strings.NewReader(`{"width":}`)).Next()
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidRecord))
}

func TestClassName(t *testing.T) {
	assert.Equal(t, "person", ClassName(0))
	assert.Equal(t, "toothbrush", ClassName(79))
	assert.Equal(t, "class80", ClassName(80))
}
