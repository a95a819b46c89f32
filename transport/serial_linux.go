//go:build linux

package transport

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Serial is a Device backed by a real tty, configured the way the chip's
// bootloader expects: 115200-8-N-2, no flow control, raw mode.
type Serial struct {
	path string
	fd   int
}

// NewSerial returns a Serial for the given device node, unopened.
func NewSerial(path string) *Serial {
	return &Serial{path: path, fd: -1}
}

// Open is idempotent: calling it again on an already-open device succeeds
// without reconfiguring it.
func (s *Serial) Open(timeout time.Duration) error {
	if s.fd >= 0 {
		return nil
	}
	fd, err := unix.Open(s.path, unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return fmt.Errorf("transport: open %s: %w", s.path, err)
	}
	tty, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("transport: read settings %s: %w", s.path, err)
	}

	tty.Cflag &^= unix.PARENB             // no parity
	tty.Cflag |= unix.CSTOPB               // two stop bits
	tty.Cflag &^= unix.CSIZE               // clear size bits
	tty.Cflag |= unix.CS8                  // 8 bits per byte
	tty.Cflag &^= unix.CRTSCTS             // no hardware flow control

	tty.Lflag &^= unix.ICANON | unix.ECHO | unix.ECHOE | unix.ECHONL | unix.ISIG

	tty.Iflag &^= unix.IXON | unix.IXOFF | unix.IXANY
	tty.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL
	tty.Iflag |= unix.IGNPAR // ignore framing errors

	tty.Oflag &^= unix.OPOST | unix.ONLCR

	// timeout is in tenths of a second (VTIME); VMIN=0 means a read
	// returns as soon as any data is available, or after timeout with
	// none.
	tenths := timeout / (100 * time.Millisecond)
	if tenths > 255 {
		tenths = 255
	}
	tty.Cc[unix.VTIME] = uint8(tenths)
	tty.Cc[unix.VMIN] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tty); err != nil {
		unix.Close(fd)
		return fmt.Errorf("transport: configure %s: %w", s.path, err)
	}
	if err := setBaud(fd, tty); err != nil {
		unix.Close(fd)
		return fmt.Errorf("transport: set baud %s: %w", s.path, err)
	}
	s.fd = fd
	return nil
}

func setBaud(fd int, tty *unix.Termios) error {
	// TCSETS takes the line speed from the CBAUD bits of Cflag.
	tty.Cflag &^= unix.CBAUD
	tty.Cflag |= unix.B115200
	tty.Ispeed = unix.B115200
	tty.Ospeed = unix.B115200
	return unix.IoctlSetTermios(fd, unix.TCSETS, tty)
}

func (s *Serial) Read(buf []byte) (int, error) {
	return unix.Read(s.fd, buf)
}

func (s *Serial) Write(buf []byte) (int, error) {
	return unix.Write(s.fd, buf)
}

func (s *Serial) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

// BytesAvailable returns the number of bytes queued in the input buffer,
// via TIOCINQ (the Linux equivalent of FIONREAD for serial lines).
func (s *Serial) BytesAvailable() (int, error) {
	n, err := unix.IoctlGetInt(s.fd, unix.TIOCINQ)
	if err != nil {
		return 0, fmt.Errorf("transport: bytes available: %w", err)
	}
	return n, nil
}
