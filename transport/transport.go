// Package transport implements the 4-byte command framing over a serial
// link to the Z-Wave service bootloader: raw byte send/receive, an
// input-queue byte-count probe, and framed write-with-echo-check /
// read-with-reply helpers built on top of it.
package transport

import (
	"fmt"
	"io"
	"time"

	"zwaveflash.dev/zft/codec"
)

// Device is what the framing layer needs from a connection to the chip:
// a duplex byte stream, a way to open/configure it, and a way to probe how
// many bytes are currently queued for reading. Serial backs it with a real
// tty; Fake backs it with a scripted in-memory device for tests.
type Device interface {
	io.ReadWriteCloser
	// Open configures and opens the device. It is idempotent: calling it
	// again on an already-open device is a no-op. timeout bounds how long
	// a read blocks with no data available (VTIME on a real tty).
	Open(timeout time.Duration) error
	// BytesAvailable returns the number of bytes currently queued for
	// reading, without consuming them.
	BytesAvailable() (int, error)
}

// Port drives the command framing protocol over a Device: raw byte
// transfer, the keep-tail resync read policy, and the two command forms
// (echo-checked writes, reply reads).
type Port struct {
	dev   Device
	Sleep func(time.Duration)
}

// New wraps dev in a Port using the real clock. Tests that need
// deterministic timing should set Port.Sleep directly.
func New(dev Device) *Port {
	return &Port{dev: dev, Sleep: time.Sleep}
}

// Open configures and opens the underlying device.
func (p *Port) Open(timeout time.Duration) error {
	return p.dev.Open(timeout)
}

// Close releases the underlying device.
func (p *Port) Close() error {
	return p.dev.Close()
}

// BytesAvailable returns the current input queue length.
func (p *Port) BytesAvailable() (int, error) {
	return p.dev.BytesAvailable()
}

// WriteRaw sends buf one byte at a time, failing on any short write.
func (p *Port) WriteRaw(buf []byte) error {
	for _, b := range buf {
		n, err := p.dev.Write([]byte{b})
		if err != nil {
			return fmt.Errorf("transport: write: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("transport: short write")
		}
	}
	return nil
}

// ReadRaw blocks, polling BytesAvailable every millisecond, until at least
// len(buf) bytes are available, then reads them into buf. If more bytes
// than len(buf) are queued (drift from an earlier partial exchange), it
// drains everything buffered and keeps only the trailing len(buf) bytes:
// the chip always answers the most recent command last, so the tail is
// the reply that matters.
func (p *Port) ReadRaw(buf []byte) error {
	n := len(buf)
	avail, err := p.dev.BytesAvailable()
	if err != nil {
		return err
	}
	for avail < n {
		p.Sleep(time.Millisecond)
		avail, err = p.dev.BytesAvailable()
		if err != nil {
			return err
		}
	}
	if avail == n {
		_, err := io.ReadFull(p.dev, buf)
		if err != nil {
			return fmt.Errorf("transport: read: %w", err)
		}
		return nil
	}
	tmp := make([]byte, avail)
	if _, err := io.ReadFull(p.dev, tmp); err != nil {
		return fmt.Errorf("transport: read: %w", err)
	}
	copy(buf, tmp[avail-n:])
	return nil
}

// WriteCmd writes a 4-byte command frame, waits briefly for the chip to
// react, and reads 4 bytes back. It reports whether the reply echoes the
// command byte-for-byte, the acknowledgement form used by commands that
// don't carry a reply datum.
func (p *Port) WriteCmd(frame codec.Frame) (bool, error) {
	if err := p.WriteRaw(frame[:]); err != nil {
		return false, err
	}
	p.Sleep(time.Millisecond)
	var reply codec.Frame
	if err := p.ReadRaw(reply[:]); err != nil {
		return false, err
	}
	return reply == frame, nil
}

// ReadCmd writes a 4-byte command frame, waits briefly, and reads 4 bytes
// back into the same frame (overwriting it), the form used by commands
// that return a data byte in b3.
func (p *Port) ReadCmd(frame codec.Frame) (codec.Frame, error) {
	if err := p.WriteRaw(frame[:]); err != nil {
		return frame, err
	}
	p.Sleep(time.Millisecond)
	if err := p.ReadRaw(frame[:]); err != nil {
		return frame, err
	}
	return frame, nil
}

// FrameEchoer adapts a handler for complete 4-byte command frames into a
// Fake.OnWrite hook. WriteRaw writes one byte at a time, so OnWrite sees
// a single byte per call; FrameEchoer buffers those until a full frame
// has arrived before invoking Handler and logging it in Seen. A byte
// written outside of a 4-byte frame (the connect handshake's single
// dummy resync byte) is buffered like any other and shifts the framing
// of everything written after it; tests that exercise the dummy byte
// path should script a Device by hand instead.
type FrameEchoer struct {
	buf     []byte
	Seen    []codec.Frame
	Handler func(frame codec.Frame) []byte
}

func (e *FrameEchoer) OnWrite(written []byte) []byte {
	e.buf = append(e.buf, written...)
	if len(e.buf) < 4 {
		return nil
	}
	var frame codec.Frame
	copy(frame[:], e.buf[:4])
	e.buf = e.buf[4:]
	e.Seen = append(e.Seen, frame)
	if e.Handler != nil {
		return e.Handler(frame)
	}
	return frame[:]
}
