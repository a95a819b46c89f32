// Package flasher drives the Z-Wave service bootloader's protocol state
// machine on top of transport and codec: connect handshake and identity
// read, state-byte polling, sector programming, whole-image write/read/
// verify, NVR read/write, lockbit read/write, on-chip CRC, and reset.
package flasher

import (
	"fmt"
	"time"

	"zwaveflash.dev/zft/codec"
	"zwaveflash.dev/zft/crc"
	"zwaveflash.dev/zft/nvr"
	"zwaveflash.dev/zft/transport"
)

const (
	sectorSize = 2048
	maxSectors = 64

	// payloadSize is the flash image payload length, before the CRC-32
	// trailer: max_sectors*sector_size - 4.
	payloadSize = maxSectors*sectorSize - 4
	imageSize   = payloadSize + 4

	signatureBytes = 7
	connectCount   = 4

	pollingTimeout = 100 * time.Millisecond
	connectProbe   = 2 * time.Millisecond

	connectRetries = 10
	sectorRetries  = 50
	eraseRetries   = 10
	crcRetries     = 50
)

// Flasher drives the protocol state machine over a transport.Port. The
// zero value is not usable; construct with New.
type Flasher struct {
	port  *transport.Port
	sleep func(time.Duration)

	// Signature holds the 7 bytes read back from READ_SIGNATURE during
	// Connect.
	Signature [signatureBytes]byte

	// fileBuffer is the staged flash image (payload + CRC-32 trailer),
	// set by StageImage and compared against in VerifyFlash.
	fileBuffer []byte
}

// New wraps port in a Flasher using the real clock. Tests that need
// deterministic timing should set the returned Flasher's clock via
// WithClock.
func New(port *transport.Port) *Flasher {
	return &Flasher{port: port, sleep: time.Sleep}
}

// WithClock overrides the sleep function used between polls and probes,
// for deterministic tests. It returns f for chaining.
func (f *Flasher) WithClock(sleep func(time.Duration)) *Flasher {
	f.sleep = sleep
	return f
}

// Connect opens the transport, performs the ENABLE_INTERFACE handshake up
// to connectCount times, and on success reads the device signature and
// waits for FLASH_BUSY to clear.
func (f *Flasher) Connect(timeout time.Duration) error {
	if err := f.port.Open(timeout); err != nil {
		return &TransportError{"open device", err}
	}
	cmd := codec.EnableInterface
	for try := 0; try < connectCount; try++ {
		if err := f.port.WriteRaw(cmd[:]); err != nil {
			return &TransportError{"enable interface", err}
		}
		f.sleep(connectProbe)
		avail, err := f.port.BytesAvailable()
		if err != nil {
			return &TransportError{"bytes available", err}
		}
		if avail == 2 || avail == 4 {
			recv := make([]byte, avail)
			if err := f.port.ReadRaw(recv); err != nil {
				return &TransportError{"read handshake reply", err}
			}
			if recv[avail-2] == cmd[2] && recv[avail-1] == cmd[3] {
				return f.readSignature()
			}
		}
		if err := f.port.WriteRaw([]byte{0}); err != nil {
			return &TransportError{"dummy byte", err}
		}
		f.sleep(pollingTimeout)
	}
	return &ProtocolError{Op: "connect handshake"}
}

func (f *Flasher) readSignature() error {
	for i := 0; i < signatureBytes; i++ {
		frame := codec.ReadSignature
		frame[1] = byte(i)
		reply, err := f.port.ReadCmd(frame)
		if err != nil {
			return &TransportError{"read signature", err}
		}
		f.Signature[i] = reply[3]
	}
	done, err := f.CheckState(connectRetries, codec.StateFlashBusy, false)
	if err != nil {
		return err
	}
	if !done {
		return &ProtocolError{Op: "post-connect state poll"}
	}
	return nil
}

// CheckState sends CHECK_STATE up to retries times, sleeping
// pollingTimeout between attempts, until (state&mask==mask) equals
// expected. It reports whether the condition was observed within budget.
func (f *Flasher) CheckState(retries int, mask byte, expected bool) (bool, error) {
	for retries > 0 {
		state, err := f.stateByte()
		if err != nil {
			return false, err
		}
		if (state&mask == mask) == expected {
			return true, nil
		}
		f.sleep(pollingTimeout)
		retries--
	}
	return false, nil
}

func (f *Flasher) stateByte() (byte, error) {
	reply, err := f.port.ReadCmd(codec.CheckState)
	if err != nil {
		return 0, &TransportError{"check state", err}
	}
	return reply[3], nil
}

// writeSector programs a single sector_size-byte buffer at sector index
// sector, eliding a leading/trailing run of 0xFF and using the 1+3k byte
// alignment discipline. A buffer that is entirely 0xFF is skipped with no
// wire traffic.
func (f *Flasher) writeSector(sector int, buf []byte) error {
	begin := uint(0)
	for begin < uint(len(buf)) && buf[begin] == 0xFF {
		begin++
	}
	end := uint(len(buf))
	for end > begin && buf[end-1] == 0xFF {
		end--
	}
	if begin == end {
		return nil
	}

	n := end - begin
	offset := (n - 1) % 3

	for i := uint(0); i < offset; i++ {
		if err := f.writeSingleByte(begin, buf[begin]); err != nil {
			return err
		}
		if err := f.commitSector(sector); err != nil {
			return err
		}
		begin++
	}

	if err := f.writeSingleByte(begin, buf[begin]); err != nil {
		return err
	}
	begin++

	for begin < end {
		if err := f.writeTriplet(buf[begin], buf[begin+1], buf[begin+2]); err != nil {
			return err
		}
		begin += 3
	}

	return f.commitSector(sector)
}

func (f *Flasher) writeSingleByte(addr uint, b byte) error {
	frame := codec.WriteSRAM
	frame[1] = byte(addr >> 8)
	frame[2] = byte(addr)
	frame[3] = b
	ok, err := f.port.WriteCmd(frame)
	if err != nil {
		return &TransportError{"write sram", err}
	}
	if !ok {
		return &TransportError{"write sram", errEchoMismatch}
	}
	return nil
}

func (f *Flasher) writeTriplet(b0, b1, b2 byte) error {
	frame := codec.ContWriteSRAM
	frame[1], frame[2], frame[3] = b0, b1, b2
	ok, err := f.port.WriteCmd(frame)
	if err != nil {
		return &TransportError{"cont write sram", err}
	}
	if !ok {
		return &TransportError{"cont write sram", errEchoMismatch}
	}
	return nil
}

func (f *Flasher) commitSector(sector int) error {
	frame := codec.WriteFlashSector
	frame[1] = byte(sector)
	ok, err := f.port.WriteCmd(frame)
	if err != nil {
		return &TransportError{"write flash sector", err}
	}
	if !ok {
		return &TransportError{"write flash sector", errEchoMismatch}
	}
	done, err := f.CheckState(sectorRetries, codec.StateFlashBusy, false)
	if err != nil {
		return err
	}
	if !done {
		return &ProtocolError{Op: "write flash sector"}
	}
	return nil
}

// StageImage pads data to payloadSize with 0xFF (truncating if data is
// longer), appends its big-endian CRC-32 as a 4-byte trailer, and keeps
// the result as the image VerifyFlash will compare future readbacks
// against. It does not touch the device.
func (f *Flasher) StageImage(data []byte) {
	buf := make([]byte, payloadSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	copy(buf, data)
	sum := crc.CRC32(buf)
	f.fileBuffer = append(buf, byte(sum>>24), byte(sum>>16), byte(sum>>8), byte(sum))
}

// WriteFlash stages data (see StageImage), programs sectors
// [sectorOffset, maxSectors) of the staged image, and triggers the
// on-chip CRC check.
func (f *Flasher) WriteFlash(data []byte, sectorOffset int) error {
	f.StageImage(data)
	for sector := sectorOffset; sector < maxSectors; sector++ {
		start := sector * sectorSize
		if err := f.writeSector(sector, f.fileBuffer[start:start+sectorSize]); err != nil {
			return fmt.Errorf("flasher: program sector %d: %w", sector, err)
		}
	}
	return f.CheckCRC()
}

// ReadFlash streams the whole image back from the device using the
// two-phase READ_FLASH/CONT_READ_SRAM pattern, discarding the first
// sectorOffset sectors' worth of bytes (still read from the device, just
// not returned).
func (f *Flasher) ReadFlash(sectorOffset int) ([]byte, error) {
	out := make([]byte, 0, imageSize)
	bytesRead := uint(0)
	threshold := uint(sectorOffset) * sectorSize
	appendByte := func(b byte) {
		if bytesRead >= threshold {
			out = append(out, b)
		}
		bytesRead++
	}

	const continuations = (sectorSize*32 - 1) / 3
	for sector := 0; sector < maxSectors; sector += 32 {
		frame := codec.ReadFlash
		frame[1] = byte(sector)
		reply, err := f.port.ReadCmd(frame)
		if err != nil {
			return nil, &TransportError{"read flash", err}
		}
		appendByte(reply[3])
		for i := 0; i < continuations; i++ {
			reply, err := f.port.ReadCmd(codec.ContReadSRAM)
			if err != nil {
				return nil, &TransportError{"read flash continuation", err}
			}
			appendByte(reply[1])
			appendByte(reply[2])
			appendByte(reply[3])
		}
	}
	return out, nil
}

// VerifyFlash compares readBack against the image staged by the most
// recent WriteFlash or StageImage, failing at the first mismatch.
func (f *Flasher) VerifyFlash(readBack []byte) error {
	for i, want := range f.fileBuffer {
		var got byte
		if i < len(readBack) {
			got = readBack[i]
		}
		if got != want {
			return &VerifyError{Index: i, Got: got, Want: want}
		}
	}
	return nil
}

// EraseChip sends ERASE_CHIP and waits for FLASH_BUSY to clear.
func (f *Flasher) EraseChip() error {
	ok, err := f.port.WriteCmd(codec.EraseChip)
	if err != nil {
		return &TransportError{"erase chip", err}
	}
	if !ok {
		return &TransportError{"erase chip", errEchoMismatch}
	}
	done, err := f.CheckState(eraseRetries, codec.StateFlashBusy, false)
	if err != nil {
		return err
	}
	if !done {
		return &ProtocolError{Op: "erase chip"}
	}
	return nil
}

// CheckCRC triggers the on-chip CRC-32 verifier over the whole flash
// image and reports whether it succeeded.
func (f *Flasher) CheckCRC() error {
	if _, err := f.port.WriteCmd(codec.RunCRCCheck); err != nil {
		return &TransportError{"run crc check", err}
	}
	if _, err := f.CheckState(crcRetries, codec.StateCRCBusy, false); err != nil {
		return err
	}
	state, err := f.stateByte()
	if err != nil {
		return err
	}
	switch {
	case state&codec.StateCRCDone == codec.StateCRCDone:
		return nil
	case state&codec.StateCRCFailed == codec.StateCRCFailed:
		return &CrcError{Reason: "failed"}
	default:
		return &CrcError{Reason: "undetermined"}
	}
}

// ReadNVR reads the full 247-byte NVR region by address.
func (f *Flasher) ReadNVR() ([nvr.Size]byte, error) {
	var out [nvr.Size]byte
	for addr := nvr.Start; addr <= nvr.Stop; addr++ {
		frame := codec.ReadNVR
		frame[2] = byte(addr)
		reply, err := f.port.ReadCmd(frame)
		if err != nil {
			return out, &TransportError{"read nvr", err}
		}
		out[addr-nvr.Start] = reply[3]
	}
	return out, nil
}

// SetNVR writes the full 247-byte NVR region by address.
func (f *Flasher) SetNVR(data [nvr.Size]byte) error {
	for addr := nvr.Start; addr <= nvr.Stop; addr++ {
		frame := codec.SetNVR
		frame[2] = byte(addr)
		frame[3] = data[addr-nvr.Start]
		ok, err := f.port.WriteCmd(frame)
		if err != nil {
			return &TransportError{"set nvr", err}
		}
		if !ok {
			return &TransportError{"set nvr", errEchoMismatch}
		}
	}
	return nil
}

// ReadLockbits reads all nvr.LockBytes lockbit indices, sleeping
// pollingTimeout between each.
func (f *Flasher) ReadLockbits() ([nvr.LockBytes]byte, error) {
	var out [nvr.LockBytes]byte
	for i := 0; i < nvr.LockBytes; i++ {
		frame := codec.ReadLockBits
		frame[1] = byte(i)
		reply, err := f.port.ReadCmd(frame)
		if err != nil {
			return out, &TransportError{"read lockbits", err}
		}
		out[i] = reply[3]
		f.sleep(pollingTimeout)
	}
	return out, nil
}

// SetLockbits writes all nvr.LockBytes lockbit indices, sleeping
// pollingTimeout between each.
func (f *Flasher) SetLockbits(bits [nvr.LockBytes]byte) error {
	for i := 0; i < nvr.LockBytes; i++ {
		frame := codec.SetLockBits
		frame[1] = byte(i)
		frame[3] = bits[i]
		ok, err := f.port.WriteCmd(frame)
		if err != nil {
			return &TransportError{"set lockbits", err}
		}
		if !ok {
			return &TransportError{"set lockbits", errEchoMismatch}
		}
		f.sleep(pollingTimeout)
	}
	return nil
}

// disableAPMLockbitIndex and disableAPMValue are the fixed lockbit
// index/value pair the chip uses to disable application protection mode.
const (
	disableAPMLockbitIndex = 8
	disableAPMValue        = 0b11111001
)

// DisableAPM writes lockbit index 8 with the fixed disable-APM value and
// waits for FLASH_BUSY to clear.
func (f *Flasher) DisableAPM() error {
	frame := codec.SetLockBits
	frame[1] = disableAPMLockbitIndex
	frame[3] = disableAPMValue
	if _, err := f.port.WriteCmd(frame); err != nil {
		return &TransportError{"disable apm", err}
	}
	done, err := f.CheckState(eraseRetries, codec.StateFlashBusy, false)
	if err != nil {
		return err
	}
	if !done {
		return &ProtocolError{Op: "disable apm"}
	}
	return nil
}

// Reset sends RESET_CHIP. The device restarts; there is no reply to poll.
func (f *Flasher) Reset() error {
	if _, err := f.port.WriteCmd(codec.ResetChip); err != nil {
		return &TransportError{"reset", err}
	}
	return nil
}
