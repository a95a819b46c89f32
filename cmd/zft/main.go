// Command zft drives the Z-Wave service bootloader flasher over a serial
// link: connects, optionally erases the chip, programs flash and/or the
// NVR region, verifies the written flash, and can dump flash/NVR contents
// or export the NVR as a JSON preset.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"zwaveflash.dev/zft/flasher"
	"zwaveflash.dev/zft/nvr"
	"zwaveflash.dev/zft/s2keys"
	"zwaveflash.dev/zft/transport"
)

var (
	device    = flag.String("d", "", "serial device node (required)")
	flashIn   = flag.String("f", "", "flash image to program")
	flashOut  = flag.String("o", "", "path to write the flash image read back from the device")
	nvrIn     = flag.String("n", "", "raw NVR image to write (247 bytes)")
	nvrOut    = flag.String("m", "", "path to write the device's raw NVR image")
	presetIn  = flag.String("p", "", "JSON NVR preset to apply")
	presetOut = flag.String("j", "", "path to write the device's NVR as a JSON preset")
	updateS2  = flag.Bool("s", false, "generate and store a fresh S2 key pair")
	erase     = flag.Bool("e", false, "erase the chip before programming")
	resetApp  = flag.Bool("r", false, "reset the entire NVR region to 0xFF before applying a preset")
	timeout   = flag.Duration("t", time.Second, "serial read timeout")
	verbosity = flag.Int("v", 1, "log verbosity: 0 quiet, 1 steps, 2 wire detail")
)

const (
	levelSteps = 1
	levelWire  = 2
)

func logAt(min int, format string, args ...any) {
	if *verbosity >= min {
		log.Printf(format, args...)
	}
}

func main() {
	flag.Parse()
	log.SetFlags(0)
	setRealtimePriority()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "zft: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if *device == "" {
		return fmt.Errorf("specify a serial device with -d")
	}

	fl, err := connectRetrying(*device, *timeout)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	logAt(levelSteps, "zft: connected, signature % x", fl.Signature)

	var record nvr.Record
	haveRecord := false

	if *nvrIn != "" {
		record, err = readNVRFile(*nvrIn)
		if err != nil {
			return err
		}
		haveRecord = true
		logAt(levelSteps, "zft: loaded nvr image from %s", *nvrIn)
	}

	needsLiveRecord := *resetApp || *presetIn != "" || *updateS2 || *nvrOut != "" || *presetOut != ""
	if needsLiveRecord && !haveRecord {
		logAt(levelSteps, "zft: reading nvr from device")
		raw, err := fl.ReadNVR()
		if err != nil {
			return err
		}
		record, err = nvr.Parse(raw[:])
		if err != nil {
			return err
		}
		haveRecord = true
	}

	if *resetApp {
		logAt(levelSteps, "zft: resetting nvr image to 0xFF before applying a preset")
		var blank [nvr.Size]byte
		for i := range blank {
			blank[i] = 0xFF
		}
		record, err = nvr.Parse(blank[:])
		if err != nil {
			return err
		}
	}

	if *presetIn != "" {
		data, err := os.ReadFile(*presetIn)
		if err != nil {
			return fmt.Errorf("read %s: %w", *presetIn, err)
		}
		var preset nvr.Preset
		if err := json.Unmarshal(data, &preset); err != nil {
			return &flasher.FormatError{Reason: fmt.Sprintf("preset %s: %v", *presetIn, err)}
		}
		preset.Apply(&record)
		record.RecomputeCRC()
		logAt(levelSteps, "zft: applied preset %s", *presetIn)
	}

	var lockbits [nvr.LockBytes]byte
	if *flashIn != "" {
		lockbits, err = fl.ReadLockbits()
		if err != nil {
			return err
		}
		logAt(levelWire, "zft: lockbits before flash: % x", lockbits)
	}

	if *updateS2 {
		if err := s2keys.SetInto(&record, nil); err != nil {
			return err
		}
		logAt(levelSteps, "zft: generated new s2 key pair")
	}

	if *erase {
		logAt(levelSteps, "zft: erasing chip")
		if err := fl.EraseChip(); err != nil {
			return err
		}
	}

	writeRecord := *nvrIn != "" || *presetIn != "" || *updateS2 || *resetApp
	if writeRecord {
		logAt(levelSteps, "zft: writing nvr")
		if err := fl.SetNVR(record.Marshal()); err != nil {
			return err
		}
	}

	var flashReadBack []byte
	if *flashIn != "" {
		data, err := os.ReadFile(*flashIn)
		if err != nil {
			return fmt.Errorf("read %s: %w", *flashIn, err)
		}
		logAt(levelSteps, "zft: programming flash (%d bytes)", len(data))
		if err := fl.WriteFlash(data, 0); err != nil {
			return err
		}
		logAt(levelSteps, "zft: reading back flash for verification")
		flashReadBack, err = fl.ReadFlash(0)
		if err != nil {
			return err
		}
		if err := fl.VerifyFlash(flashReadBack); err != nil {
			return err
		}
		logAt(levelSteps, "zft: flash image verified")
		logAt(levelSteps, "zft: writing back lockbits")
		if err := fl.SetLockbits(lockbits); err != nil {
			return err
		}
	}

	if *flashOut != "" && flashReadBack == nil {
		logAt(levelSteps, "zft: reading flash")
		flashReadBack, err = fl.ReadFlash(0)
		if err != nil {
			return err
		}
	}

	if *flashOut != "" {
		if err := os.WriteFile(*flashOut, flashReadBack, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", *flashOut, err)
		}
		logAt(levelSteps, "zft: wrote flash image to %s", *flashOut)
	}

	if *nvrOut != "" {
		raw := record.Marshal()
		if err := os.WriteFile(*nvrOut, raw[:], 0o644); err != nil {
			return fmt.Errorf("write %s: %w", *nvrOut, err)
		}
		logAt(levelSteps, "zft: wrote nvr image to %s", *nvrOut)
	}

	if *presetOut != "" {
		data, err := json.MarshalIndent(record.ExportPreset(), "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(*presetOut, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", *presetOut, err)
		}
		logAt(levelSteps, "zft: wrote nvr preset to %s", *presetOut)
	}

	return nil
}

func readNVRFile(path string) (nvr.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nvr.Record{}, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) != nvr.Size {
		return nvr.Record{}, &flasher.FormatError{
			Reason: fmt.Sprintf("nvr input %s is %d bytes, want %d", path, len(data), nvr.Size),
		}
	}
	return nvr.Parse(data)
}

// connectRetrying retries the whole connect handshake every second: the
// bootloader may not be listening yet when zft starts.
func connectRetrying(path string, timeout time.Duration) (*flasher.Flasher, error) {
	const maxAttempts = 10
	port := transport.New(transport.NewSerial(path))
	fl := flasher.New(port)
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fl.Connect(timeout); err == nil {
			return fl, nil
		}
		logAt(levelSteps, "zft: connect attempt %d failed: %v", attempt, err)
		time.Sleep(time.Second)
	}
	return nil, err
}
