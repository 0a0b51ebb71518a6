// Package pipeline turns per-frame detection records into telemetry frames on
// a serial sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/detlink/internal/db"
	"github.com/banshee-data/detlink/internal/detection"
	"github.com/banshee-data/detlink/internal/letterbox"
	"github.com/banshee-data/detlink/internal/monitoring"
	"github.com/banshee-data/detlink/internal/serialmux"
	"github.com/banshee-data/detlink/internal/telemetry"
	"github.com/banshee-data/detlink/internal/timeutil"
)

// Journal records every frame handed to the sink.
type Journal interface {
	RecordTelemetry(db.TelemetryRecord) error
}

// Options configures a Processor.
type Options struct {
	Sink    serialmux.Sink
	Session *telemetry.Session // nil uses telemetry.DefaultSession
	Clock   timeutil.Clock     // nil uses timeutil.RealClock
	Journal Journal            // optional

	// Defaults fills in zero dimensions of incoming frame records.
	Defaults letterbox.Geometry
	// ClampToFrame clamps mapped boxes into the frame before encoding.
	ClampToFrame bool
	// RunID tags journal rows; a random UUID is used when empty.
	RunID string
}

// Processor maps, encodes and sends the detections of each frame. Calls to
// ProcessFrame are serialised so sequence numbers stay contiguous.
type Processor struct {
	mu      sync.Mutex
	enc     *telemetry.Encoder
	sink    serialmux.Sink
	journal Journal
	opts    Options
	runID   string
	buf     [telemetry.FrameLen]byte

	stats *Stats
}

// NewProcessor returns a Processor writing to opts.Sink.
func NewProcessor(opts Options) *Processor {
	session := opts.Session
	if session == nil {
		session = telemetry.DefaultSession()
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Processor{
		enc:     telemetry.NewEncoder(session, opts.Clock),
		sink:    opts.Sink,
		journal: opts.Journal,
		opts:    opts,
		runID:   runID,
		stats:   newStats(),
	}
}

// RunID identifies this processor's journal rows.
func (p *Processor) RunID() string { return p.runID }

// Stats returns the processor's counters.
func (p *Processor) Stats() Snapshot {
	snap := p.stats.Snapshot()
	snap.RunID = p.runID
	return snap
}

// Report describes what happened to one frame record.
type Report struct {
	Params  letterbox.Params
	Sent    int // detections written in full
	Skipped int // detections dropped before reaching the sink
	Failed  int // detections the sink rejected or truncated
	Bytes   int
}

// geometry fills zero dimensions of f from the configured defaults.
func (p *Processor) geometry(f detection.Frame) letterbox.Geometry {
	g := f.Geometry()
	d := p.opts.Defaults
	if g.SourceWidth == 0 {
		g.SourceWidth = d.SourceWidth
	}
	if g.SourceHeight == 0 {
		g.SourceHeight = d.SourceHeight
	}
	if g.DestWidth == 0 {
		g.DestWidth = d.DestWidth
	}
	if g.DestHeight == 0 {
		g.DestHeight = d.DestHeight
	}
	return g
}

// ProcessFrame sends one telemetry frame per detection in f, in order. An
// invalid geometry skips the whole frame. Detections that cannot be mapped or
// encoded are skipped and logged. Transport errors do not stop the frame;
// they are joined and returned once every detection has been attempted.
func (p *Processor) ProcessFrame(f detection.Frame) (Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.frame()

	g := p.geometry(f)
	params, err := letterbox.Compute(g)
	if err != nil {
		p.stats.geometryError()
		monitoring.Logf("frame %d skipped: %v", f.Seq, err)
		return Report{}, fmt.Errorf("frame %d: %w", f.Seq, err)
	}

	rep := Report{Params: params}
	var transportErrs []error
	for i, r := range f.Detections {
		d, err := r.ToDetection(params, i)
		if err != nil {
			rep.Skipped++
			p.stats.encodeError()
			monitoring.Logf("frame %d detection %d skipped: %v", f.Seq, i, err)
			continue
		}
		if p.opts.ClampToFrame {
			d.Box = d.Box.Clamp(g.SourceWidth, g.SourceHeight)
		}

		seq := p.enc.Session.Seq
		n, err := p.enc.EncodeInto(p.buf[:], d, g.SourceWidth, g.SourceHeight)
		if err != nil {
			rep.Skipped++
			p.stats.encodeError()
			monitoring.Logf("frame %d detection %d not encoded: %v", f.Seq, i, err)
			continue
		}

		written, werr := p.sink.Write(p.buf[:n])
		rep.Bytes += written
		p.stats.written(d, seq, written, werr)
		if werr != nil {
			rep.Failed++
			transportErrs = append(transportErrs, fmt.Errorf("seq %d: %w", seq, werr))
		} else {
			rep.Sent++
		}

		monitoring.Debugf("%s @ %s %.3f", detection.ClassName(d.ClassID), d.Box, d.Confidence)
		p.record(p.buf[:n], written, werr)
	}

	return rep, errors.Join(transportErrs...)
}

func (p *Processor) record(frame []byte, written int, werr error) {
	if p.journal == nil {
		return
	}
	decoded, err := telemetry.Decode(frame)
	if err != nil {
		p.stats.journalError()
		monitoring.Logf("journal: cannot decode own frame: %v", err)
		return
	}
	rec := db.TelemetryRecord{
		RunID:        p.runID,
		Seq:          decoded.Seq,
		SystemID:     decoded.SystemID,
		ComponentID:  decoded.ComponentID,
		TimeUsec:     decoded.Payload.TimeUsec,
		ClassID:      decoded.Payload.ClassID,
		TargetNum:    decoded.Payload.TargetNum,
		Confidence:   decoded.Payload.Confidence,
		X:            decoded.Payload.X,
		Y:            decoded.Payload.Y,
		Width:        decoded.Payload.Width,
		Height:       decoded.Payload.Height,
		BytesWritten: written,
	}
	if werr != nil {
		rec.WriteError = werr.Error()
	}
	if err := p.journal.RecordTelemetry(rec); err != nil {
		p.stats.journalError()
		monitoring.Logf("journal: %v", err)
	}
}

// Run processes frame records from r until the stream ends, the stream
// becomes unreadable, or ctx is cancelled. Mistyped records and per-frame
// errors are logged and do not stop the loop.
func (p *Processor) Run(ctx context.Context, r *detection.Reader) error {
	frames := make(chan detection.Frame)
	readErr := make(chan error, 1)

	// The decoder blocks on its reader, so it runs apart from the
	// cancellation loop.
	go func() {
		defer close(frames)
		for {
			f, err := r.Next()
			if errors.Is(err, detection.ErrInvalidRecord) {
				p.stats.invalidRecord()
				monitoring.Logf("record skipped: %v", err)
				continue
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			if _, err := p.ProcessFrame(f); err != nil {
				monitoring.Logf("frame %d: %v", f.Seq, err)
			}
		}
	}
}

// ReportStats logs a stats line every interval until ctx is cancelled.
func (p *Processor) ReportStats(ctx context.Context, clock timeutil.Clock, interval time.Duration) {
	if interval <= 0 {
		return
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s := p.Stats()
			monitoring.Logf("stats: frames=%d invalid_records=%d sent=%d bytes=%d geometry_errors=%d encode_errors=%d transport_errors=%d journal_errors=%d",
				s.Frames, s.InvalidRecords, s.Sent, s.BytesWritten, s.GeometryErrors, s.EncodeErrors, s.TransportErrors, s.JournalErrors)
		}
	}
}
