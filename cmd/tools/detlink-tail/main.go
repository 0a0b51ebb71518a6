// Command detlink-tail decodes detection telemetry frames from a serial port
// or a capture file and prints them, one line per frame.
//
// Usage:
//
//	detlink-tail -port /dev/ttyUSB0 -baud 115200
//	detlink-tail -file capture.bin -width 1920 -height 1080 -json
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/banshee-data/detlink/internal/detection"
	"github.com/banshee-data/detlink/internal/serialmux"
	"github.com/banshee-data/detlink/internal/telemetry"
)

var (
	port     = flag.String("port", "", "Serial port to read from")
	baud     = flag.Int("baud", serialmux.DefaultBaudRate, "Serial baud rate")
	file     = flag.String("file", "", "Capture file to read instead of a serial port")
	width    = flag.Int("width", 720, "Frame width used to denormalise boxes")
	height   = flag.Int("height", 480, "Frame height used to denormalise boxes")
	jsonOut  = flag.Bool("json", false, "Print one JSON object per frame")
	maxCount = flag.Int("n", 0, "Stop after n frames (0 = unlimited)")
)

var portFactory serialmux.SerialPortFactory = serialmux.RealPortFactory{}

// frameRecord is the printed form of one decoded frame.
type frameRecord struct {
	Seq         uint8   `json:"seq"`
	SystemID    uint8   `json:"sysid"`
	ComponentID uint8   `json:"compid"`
	TimeUsec    uint64  `json:"time_usec"`
	Class       string  `json:"class"`
	ClassID     uint8   `json:"class_id"`
	Target      uint8   `json:"target"`
	Confidence  float32 `json:"confidence"`
	Left        float32 `json:"left"`
	Top         float32 `json:"top"`
	Width       float32 `json:"width"`
	Height      float32 `json:"height"`
	Lost        int     `json:"lost,omitempty"`
}

func toRecord(f telemetry.Frame, w, h int32, lost int) frameRecord {
	x, y, bw, bh := f.Payload.Denormalise(w, h)
	return frameRecord{
		Seq:         f.Seq,
		SystemID:    f.SystemID,
		ComponentID: f.ComponentID,
		TimeUsec:    f.Payload.TimeUsec,
		Class:       detection.ClassName(f.Payload.ClassID),
		ClassID:     f.Payload.ClassID,
		Target:      f.Payload.TargetNum,
		Confidence:  f.Payload.Confidence,
		Left:        x,
		Top:         y,
		Width:       bw,
		Height:      bh,
		Lost:        lost,
	}
}

func (r frameRecord) String() string {
	s := fmt.Sprintf("seq=%3d sys=%d comp=%d t=%d %s#%d @ (%.0f %.0f %.0fx%.0f) %.3f",
		r.Seq, r.SystemID, r.ComponentID, r.TimeUsec, r.Class, r.Target, r.Left, r.Top, r.Width, r.Height, r.Confidence)
	if r.Lost > 0 {
		s += fmt.Sprintf(" (lost %d)", r.Lost)
	}
	return s
}

func openSource() (io.ReadCloser, error) {
	switch {
	case *file != "":
		return os.Open(*file)
	case *port != "":
		opts, err := serialmux.PortOptions{BaudRate: *baud}.Normalise()
		if err != nil {
			return nil, err
		}
		return portFactory.Open(*port, opts)
	default:
		return nil, fmt.Errorf("one of -port or -file is required")
	}
}

// summary totals one tail session.
type summary struct {
	telemetry.SeqTracker
	// Skipped counts well-framed messages that failed to decode.
	Skipped int
}

// tail prints frames from r to w and returns the session totals.
func tail(r io.Reader, w io.Writer, frameW, frameH int32, asJSON bool, limit int) (sum summary, err error) {
	fs := telemetry.NewFrameScanner(bufio.NewScanner(r))
	enc := json.NewEncoder(w)
	tracker := &sum.SeqTracker
	defer func() { sum.Skipped = fs.Skipped() }()

	for n := 0; limit == 0 || n < limit; n++ {
		if !fs.Scan() {
			break
		}
		f := fs.Frame()
		rec := toRecord(f, frameW, frameH, tracker.Observe(f.Seq))
		if asJSON {
			if err := enc.Encode(rec); err != nil {
				return sum, err
			}
			continue
		}
		if _, err := fmt.Fprintln(w, rec); err != nil {
			return sum, err
		}
	}
	return sum, fs.Err()
}

func main() {
	flag.Parse()

	if *width <= 0 || *height <= 0 {
		log.Fatalf("invalid frame size %dx%d", *width, *height)
	}

	src, err := openSource()
	if err != nil {
		log.Fatal(err)
	}
	defer src.Close()

	sum, err := tail(src, os.Stdout, int32(*width), int32(*height), *jsonOut, *maxCount)
	if err != nil {
		log.Printf("read error: %v", err)
	}
	log.Printf("%d frames received, %d lost, %d undecodable", sum.Received, sum.Lost, sum.Skipped)
}
