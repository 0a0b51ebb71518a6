package serialmux

import (
	"fmt"
	"io"
	"log"
	"os"
)

// capturePort writes to a file and never produces input. Reads block until
// the port is closed.
type capturePort struct {
	f    *os.File
	done chan struct{}
}

func (c *capturePort) Read([]byte) (int, error) {
	<-c.done
	return 0, io.EOF
}

func (c *capturePort) Write(b []byte) (int, error) { return c.f.Write(b) }

func (c *capturePort) Close() error {
	close(c.done)
	return c.f.Close()
}

// NewCaptureSerialMux returns a SerialMux that appends everything written to
// it to the file at path. The capture can be replayed with detlink-tail.
func NewCaptureSerialMux(path string) (*SerialMux[SerialPorter], error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	log.Printf("Writing serial output to capture file %s", f.Name())
	return NewSerialMux[SerialPorter](&capturePort{f: f, done: make(chan struct{})}), nil
}
