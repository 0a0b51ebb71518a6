package pipeline

import (
	"math"
	"slices"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/detlink/internal/detection"
)

// confidenceWindow bounds the per-class samples kept for statistics.
const confidenceWindow = 1024

// Stats accumulates counters for one Processor. It is safe for concurrent use.
type Stats struct {
	mu sync.Mutex

	frames          uint64
	invalidRecords  uint64
	detections      uint64
	sent            uint64
	bytesWritten    uint64
	geometryErrors  uint64
	encodeErrors    uint64
	transportErrors uint64
	journalErrors   uint64
	lastSeq         uint8
	anySent         bool

	confidence map[uint8]*ring
}

type ring struct {
	samples []float64
	next    int
	total   uint64
}

func (r *ring) add(v float64) {
	r.total++
	if len(r.samples) < confidenceWindow {
		r.samples = append(r.samples, v)
		return
	}
	r.samples[r.next] = v
	r.next = (r.next + 1) % confidenceWindow
}

func newStats() *Stats {
	return &Stats{confidence: make(map[uint8]*ring)}
}

func (s *Stats) frame() {
	s.mu.Lock()
	s.frames++
	s.mu.Unlock()
}

func (s *Stats) invalidRecord() {
	s.mu.Lock()
	s.invalidRecords++
	s.mu.Unlock()
}

func (s *Stats) geometryError() {
	s.mu.Lock()
	s.geometryErrors++
	s.mu.Unlock()
}

func (s *Stats) encodeError() {
	s.mu.Lock()
	s.encodeErrors++
	s.mu.Unlock()
}

func (s *Stats) journalError() {
	s.mu.Lock()
	s.journalErrors++
	s.mu.Unlock()
}

// written records one encoded detection handed to the sink.
func (s *Stats) written(d detection.Detection, seq uint8, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.detections++
	s.bytesWritten += uint64(n)
	s.lastSeq = seq
	s.anySent = true
	if err != nil {
		s.transportErrors++
		return
	}
	s.sent++

	r, ok := s.confidence[d.ClassID]
	if !ok {
		r = &ring{}
		s.confidence[d.ClassID] = r
	}
	r.add(float64(d.Confidence))
}

// histogram counts the confidences in the current windows of every class
// into n equal bins over [0,1].
func (s *Stats) histogram(n int) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	bins := make([]float64, n)
	for _, r := range s.confidence {
		for _, v := range r.samples {
			i := int(v * float64(n))
			bins[min(max(i, 0), n-1)]++
		}
	}
	return bins
}

// ClassStats summarises the confidences of recent detections of one class.
type ClassStats struct {
	ClassID    uint8   `json:"class_id"`
	Name       string  `json:"name"`
	Count      uint64  `json:"count"`
	Mean       float64 `json:"mean_confidence"`
	StdDev     float64 `json:"stddev_confidence"`
	Median     float64 `json:"median_confidence"`
	WindowSize int     `json:"window"`
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	RunID           string       `json:"run_id"`
	Frames          uint64       `json:"frames"`
	InvalidRecords  uint64       `json:"invalid_records"`
	Detections      uint64       `json:"detections"`
	Sent            uint64       `json:"sent"`
	BytesWritten    uint64       `json:"bytes_written"`
	GeometryErrors  uint64       `json:"geometry_errors"`
	EncodeErrors    uint64       `json:"encode_errors"`
	TransportErrors uint64       `json:"transport_errors"`
	JournalErrors   uint64       `json:"journal_errors"`
	LastSeq         *uint8       `json:"last_seq,omitempty"`
	Classes         []ClassStats `json:"classes"`
}

// Snapshot returns the current counters and per-class confidence summary,
// ordered by class id.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Frames:          s.frames,
		InvalidRecords:  s.invalidRecords,
		Detections:      s.detections,
		Sent:            s.sent,
		BytesWritten:    s.bytesWritten,
		GeometryErrors:  s.geometryErrors,
		EncodeErrors:    s.encodeErrors,
		TransportErrors: s.transportErrors,
		JournalErrors:   s.journalErrors,
		Classes:         []ClassStats{},
	}
	if s.anySent {
		seq := s.lastSeq
		snap.LastSeq = &seq
	}

	for id, r := range s.confidence {
		snap.Classes = append(snap.Classes, summarise(id, r))
	}
	slices.SortFunc(snap.Classes, func(a, b ClassStats) int { return int(a.ClassID) - int(b.ClassID) })
	return snap
}

func summarise(id uint8, r *ring) ClassStats {
	cs := ClassStats{
		ClassID:    id,
		Name:       detection.ClassName(id),
		Count:      r.total,
		WindowSize: len(r.samples),
	}
	if len(r.samples) == 0 {
		return cs
	}

	mean, std := stat.MeanStdDev(r.samples, nil)
	if math.IsNaN(std) {
		std = 0
	}
	sorted := slices.Clone(r.samples)
	slices.Sort(sorted)

	cs.Mean = mean
	cs.StdDev = std
	cs.Median = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	return cs
}
