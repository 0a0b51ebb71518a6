// Serialmux provides an abstraction over a serial port: writers send encoded
// frames and probe lines to a single device while multiple clients subscribe
// to whatever the port reads back.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"
)

// subscriberBuffer is the per-subscriber backlog before tokens are dropped.
const subscriberBuffer = 16

var (
	// ErrShortWrite is returned with the byte count when the port accepted
	// only part of a frame.
	ErrShortWrite = errors.New("short write to serial port")
	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("serial mux closed")
)

// SerialMux is a generic serial port multiplexer: it serialises writes to one
// port and fans out tokens read from it to any number of subscribers.
type SerialMux[T SerialPorter] struct {
	port         T
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	writeMu      sync.Mutex
	closing      bool
	closingMu    sync.Mutex

	split  bufio.SplitFunc
	render func([]byte) string

	framesWritten atomic.Uint64
	bytesWritten  atomic.Uint64
	writeErrors   atomic.Uint64
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	Sink
	// Subscribe creates a new channel for receiving events read from the
	// serial port. The channel ID is used to identify the unique channel when
	// unsubscribing.
	Subscribe() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// WriteFrame writes one encoded frame to the port.
	WriteFrame([]byte) (int, error)
	// SendLine writes a newline-terminated text line to the port.
	SendLine(string) error
	// Monitor reads from the serial port and sends tokens to subscribers.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the serial port.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux creates a SerialMux around port. Monitor splits input into
// lines until SetSplit is called.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
		split:       bufio.ScanLines,
		render:      func(b []byte) string { return string(b) },
	}
}

// SetSplit changes how Monitor tokenises the input stream and how each token
// is rendered for subscribers. It must be called before Monitor.
func (s *SerialMux[T]) SetSplit(split bufio.SplitFunc, render func([]byte) string) {
	s.split = split
	if render == nil {
		render = hex.EncodeToString
	}
	s.render = render
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

// Write implements Sink.
func (s *SerialMux[T]) Write(b []byte) (int, error) {
	return s.WriteFrame(b)
}

// WriteFrame writes b to the port in a single call. A partial write returns
// the number of bytes the port accepted together with ErrShortWrite; nothing
// is retried or buffered.
func (s *SerialMux[T]) WriteFrame(b []byte) (int, error) {
	if s.isClosing() {
		return 0, ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	n, err := s.port.Write(b)
	if n > 0 {
		s.bytesWritten.Add(uint64(n))
	}
	if err != nil {
		s.writeErrors.Add(1)
		return n, err
	}
	if n != len(b) {
		s.writeErrors.Add(1)
		return n, fmt.Errorf("%w: %d of %d bytes", ErrShortWrite, n, len(b))
	}
	s.framesWritten.Add(1)
	return n, nil
}

// SendLine sends a text line to the serial port, appending a newline if
// missing.
func (s *SerialMux[T]) SendLine(line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	n, err := s.writeRaw([]byte(line))
	if err != nil {
		return err
	}
	if n != len(line) {
		return fmt.Errorf("%w: %d of %d bytes", ErrShortWrite, n, len(line))
	}
	return nil
}

func (s *SerialMux[T]) writeRaw(b []byte) (int, error) {
	if s.isClosing() {
		return 0, ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.port.Write(b)
	if n > 0 {
		s.bytesWritten.Add(uint64(n))
	}
	return n, err
}

// Stats is a snapshot of the write counters.
type Stats struct {
	FramesWritten uint64 `json:"frames_written"`
	BytesWritten  uint64 `json:"bytes_written"`
	WriteErrors   uint64 `json:"write_errors"`
}

// Stats returns the current write counters.
func (s *SerialMux[T]) Stats() Stats {
	return Stats{
		FramesWritten: s.framesWritten.Load(),
		BytesWritten:  s.bytesWritten.Load(),
		WriteErrors:   s.writeErrors.Load(),
	}
}

// Monitor monitors the serial port for input and sends it to subscribers.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)
	scan.Split(s.split)

	tokenChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// start a goroutine to read from the serial port & send any tokens that
	// are scanned to tokenChan, and any errors to scanErrChan.
	//
	// the blocking scan.Scan will not interfere with our outer loop awaiting
	// tokens & context cancellation.
	go func() {
		defer close(tokenChan)
		for scan.Scan() {
			select {
			case tokenChan <- s.render(scan.Bytes()):
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case token, ok := <-tokenChan:
			// if the channel is closed, we're done reading from the serial port
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
					return nil
				}
			}
			if s.isClosing() {
				return nil
			}

			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- token:
				default:
					// if the channel is full/blocking skip so as not to block the outer loop
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	if s.closing {
		s.closingMu.Unlock()
		return nil
	}
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Serial frames written", func() any { return s.framesWritten.Load() })
	debug.KVFunc("Serial bytes written", func() any { return s.bytesWritten.Load() })
	debug.KVFunc("Serial write errors", func() any { return s.writeErrors.Load() })

	// API endpoint to write a text line (e.g. a probe) to the serial port
	debug.HandleSilentFunc("send-line", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		line := strings.TrimSpace(r.FormValue("line"))
		if line == "" {
			http.Error(w, "Missing line", http.StatusBadRequest)
			return
		}
		if err := s.SendLine(line); err != nil {
			http.Error(w, "Failed to write line", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote line %q to serial port", line))
	})

	// Server-Sent Events stream of tokens read from the serial port.
	debug.HandleFunc("tail", "live tail of serial input", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
