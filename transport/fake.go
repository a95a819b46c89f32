package transport

import (
	"errors"
	"sync"
	"time"
)

// Fake is an in-memory Device for tests, grounded on the driver simulators
// elsewhere in the stack that stand in for real hardware (e.g. a bootloader
// that reacts to each write by making bytes available to read, instead of
// a goroutine-driven protocol loop, since the flasher protocol above is
// itself strictly synchronous: one request, one reply, no pipelining).
type Fake struct {
	mu      sync.Mutex
	pending []byte
	Writes  [][]byte
	opened  bool

	// OnWrite is invoked after every Write with a copy of the bytes just
	// written. Port.WriteRaw writes one byte at a time, so in practice
	// OnWrite sees a single byte per call; callers that care about whole
	// 4-byte command frames accumulate across calls themselves (see
	// FrameEchoer).
	OnWrite func(written []byte) []byte
}

func (f *Fake) Open(time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = false
	return nil
}

func (f *Fake) Write(buf []byte) (int, error) {
	f.mu.Lock()
	cp := append([]byte(nil), buf...)
	f.Writes = append(f.Writes, cp)
	hook := f.OnWrite
	f.mu.Unlock()

	if hook != nil {
		reply := hook(cp)
		f.mu.Lock()
		f.pending = append(f.pending, reply...)
		f.mu.Unlock()
	}
	return len(buf), nil
}

func (f *Fake) Read(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return 0, errors.New("transport: fake: no data available")
	}
	n := copy(buf, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *Fake) BytesAvailable() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending), nil
}

// Feed makes extra bytes available for reading without a preceding write,
// e.g. to script a reply that arrives independent of the triggering write.
func (f *Fake) Feed(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, b...)
}

// Opened reports whether Open has been called more recently than Close.
func (f *Fake) Opened() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}
