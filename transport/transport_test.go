package transport

import (
	"bytes"
	"testing"
	"time"

	"zwaveflash.dev/zft/codec"
)

// TestReadRawDrain checks the keep-tail resync policy: if more bytes than
// requested are queued, ReadRaw drains everything and returns only the
// trailing n bytes, emptying the queue.
func TestReadRawDrain(t *testing.T) {
	dev := &Fake{}
	dev.Feed([]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66})
	p := New(dev)

	buf := make([]byte, 4)
	if err := p.ReadRaw(buf); err != nil {
		t.Fatalf("ReadRaw: %v", err)
	}
	want := []byte{0x33, 0x44, 0x55, 0x66}
	if !bytes.Equal(buf, want) {
		t.Errorf("ReadRaw drain = % x, want % x", buf, want)
	}
	avail, err := p.BytesAvailable()
	if err != nil {
		t.Fatalf("BytesAvailable: %v", err)
	}
	if avail != 0 {
		t.Errorf("BytesAvailable after drain = %d, want 0", avail)
	}
}

// TestReadRawExact exercises the non-drain path where exactly n bytes are
// queued.
func TestReadRawExact(t *testing.T) {
	dev := &Fake{}
	dev.Feed([]byte{0xAA, 0xBB, 0xCC, 0xDD})
	p := New(dev)

	buf := make([]byte, 4)
	if err := p.ReadRaw(buf); err != nil {
		t.Fatalf("ReadRaw: %v", err)
	}
	if !bytes.Equal(buf, []byte{0xAA, 0xBB, 0xCC, 0xDD}) {
		t.Errorf("ReadRaw = % x", buf)
	}
}

// TestReadRawWaits ensures ReadRaw polls rather than failing when nothing
// is queued yet, and picks up data fed mid-poll.
func TestReadRawWaits(t *testing.T) {
	dev := &Fake{}
	p := New(dev)
	polls := 0
	p.Sleep = func(_ time.Duration) {
		polls++
		if polls == 3 {
			dev.Feed([]byte{1, 2, 3, 4})
		}
	}
	buf := make([]byte, 4)
	if err := p.ReadRaw(buf); err != nil {
		t.Fatalf("ReadRaw: %v", err)
	}
	if polls < 3 {
		t.Errorf("polls = %d, want >= 3", polls)
	}
}

func TestWriteCmdEcho(t *testing.T) {
	echoer := &FrameEchoer{}
	dev := &Fake{OnWrite: echoer.OnWrite}
	p := New(dev)
	p.Sleep = func(time.Duration) {}
	ok, err := p.WriteCmd(codec.EnableInterface)
	if err != nil {
		t.Fatalf("WriteCmd: %v", err)
	}
	if !ok {
		t.Error("WriteCmd: echo mismatch reported for a perfect echo")
	}
}

func TestWriteCmdMismatch(t *testing.T) {
	echoer := &FrameEchoer{
		Handler: func(frame codec.Frame) []byte {
			frame[3] ^= 0xFF
			return frame[:]
		},
	}
	dev := &Fake{OnWrite: echoer.OnWrite}
	p := New(dev)
	p.Sleep = func(time.Duration) {}
	ok, err := p.WriteCmd(codec.EnableInterface)
	if err != nil {
		t.Fatalf("WriteCmd: %v", err)
	}
	if ok {
		t.Error("WriteCmd: echo match reported for a corrupted echo")
	}
}

func TestReadCmdReturnsReply(t *testing.T) {
	echoer := &FrameEchoer{
		Handler: func(frame codec.Frame) []byte {
			frame[3] = 0x42
			return frame[:]
		},
	}
	dev := &Fake{OnWrite: echoer.OnWrite}
	p := New(dev)
	p.Sleep = func(time.Duration) {}
	reply, err := p.ReadCmd(codec.CheckState)
	if err != nil {
		t.Fatalf("ReadCmd: %v", err)
	}
	if reply[3] != 0x42 {
		t.Errorf("ReadCmd reply b3 = %#x, want 0x42", reply[3])
	}
}
