package nvr

import "encoding/binary"

// Preset mirrors the externally-defined JSON preset format used to
// populate crc_protected fields other than the S2 key pair. Multi-byte
// fields are big-endian unsigned integers on the wire; UUID is a 16-byte
// array.
type Preset struct {
	Rev          byte     `json:"rev"`
	CCal         byte     `json:"c_cal"`
	PinSwap      byte     `json:"pin_swap"`
	NvmCS        byte     `json:"nvm_cs"`
	SawCF        [3]byte  `json:"saw_cf"`
	SawBandwidth byte     `json:"saw_bBandwidth"`
	NvmType      byte     `json:"nvm_type"`
	NvmSize      uint16   `json:"nvm_size"`
	NvmPageSize  uint16   `json:"nvm_page_size"`
	UUID         [16]byte `json:"uuid"`
	USBVID       uint16   `json:"usb_vid"`
	USBPID       uint16   `json:"usb_pid"`
	TxCal1       byte     `json:"tx_cal_1"`
	TxCal2       byte     `json:"tx_cal_2"`
}

// Apply copies the preset's fields into r, leaving the S2 key pair and
// housekeeping fields (lockbits, padding, crc, hw_version, application)
// untouched. The caller must call r.RecomputeCRC afterwards.
func (p Preset) Apply(r *Record) {
	r.Rev = p.Rev
	r.CCal = p.CCal
	r.PinSwap = p.PinSwap
	r.NvmCS = p.NvmCS
	r.SawCF = p.SawCF
	r.SawBandwidth = p.SawBandwidth
	r.NvmType = p.NvmType
	binary.BigEndian.PutUint16(r.NvmSize[:], p.NvmSize)
	binary.BigEndian.PutUint16(r.NvmPageSize[:], p.NvmPageSize)
	r.UUID = p.UUID
	binary.BigEndian.PutUint16(r.USBVID[:], p.USBVID)
	binary.BigEndian.PutUint16(r.USBPID[:], p.USBPID)
	r.TxCal1 = p.TxCal1
	r.TxCal2 = p.TxCal2
}

// ExportPreset copies the preset-relevant fields of r into a Preset,
// for round-tripping via JSON.
func (r *Record) ExportPreset() Preset {
	return Preset{
		Rev:          r.Rev,
		CCal:         r.CCal,
		PinSwap:      r.PinSwap,
		NvmCS:        r.NvmCS,
		SawCF:        r.SawCF,
		SawBandwidth: r.SawBandwidth,
		NvmType:      r.NvmType,
		NvmSize:      binary.BigEndian.Uint16(r.NvmSize[:]),
		NvmPageSize:  binary.BigEndian.Uint16(r.NvmPageSize[:]),
		UUID:         r.UUID,
		USBVID:       binary.BigEndian.Uint16(r.USBVID[:]),
		USBPID:       binary.BigEndian.Uint16(r.USBPID[:]),
		TxCal1:       r.TxCal1,
		TxCal2:       r.TxCal2,
	}
}
