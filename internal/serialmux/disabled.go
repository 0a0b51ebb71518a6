package serialmux

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"
)

// DisabledSerialMux is a no-op SerialMux used when no UART is attached (for
// -disable-serial). Frames are accepted and discarded so the rest of the
// pipeline, journal included, runs unchanged. Subscribers are tracked so
// their channels are closed on Unsubscribe or Close.
type DisabledSerialMux struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool

	discarded atomic.Uint64
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{
		subscribers: make(map[string]chan string),
	}
}

func (d *DisabledSerialMux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		// If already closing, return a closed channel so callers don't block.
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

func (d *DisabledSerialMux) Write(b []byte) (int, error) { return d.WriteFrame(b) }

// WriteFrame discards b and reports it as fully written.
func (d *DisabledSerialMux) WriteFrame(b []byte) (int, error) {
	d.discarded.Add(1)
	return len(b), nil
}

// Discarded returns how many frames have been dropped.
func (d *DisabledSerialMux) Discarded() uint64 { return d.discarded.Load() }

func (d *DisabledSerialMux) SendLine(string) error { return nil }

func (d *DisabledSerialMux) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil
	}
	d.closing = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	return nil
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Serial frames discarded", func() any { return d.Discarded() })
	debug.HandleSilentFunc("serial-disabled", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "serial disabled: %d frames discarded\n", d.Discarded())
	})
}
