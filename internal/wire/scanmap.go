package wire

import (
	"encoding/binary"
)

// EnumMember names one legal value of an enumerated scan variable.
type EnumMember struct {
	Name  string
	Value uint64
}

// ScanVariable is one named bit-range in the scan chain.
type ScanVariable struct {
	Name        string
	HDLPath     string
	Offset      uint32
	Width       uint32
	HasReset    bool
	ResetValue  uint64
	EnumMembers []EnumMember
}

// ResetDpiMapping ties a reset-time DPI call's result into a bit-range of
// the initial scan image.
type ResetDpiMapping struct {
	FuncID     uint32
	ScanOffset uint32
	ScanWidth  uint32
}

// ScanMap is the ordered variable list plus chain metadata produced by the
// RTL transformation toolchain.
type ScanMap struct {
	ChainLength        uint32
	Variables          []ScanVariable
	InitialScanImage   []byte // packed, little-endian, bit 0 first; may be nil
	ResetDpiMappings   []ResetDpiMapping
}

const scanMapMagic = "SCNM"
const scanMapVersion = 1

// EncodeScanMap serializes a ScanMap to its tagged binary form.
func EncodeScanMap(m *ScanMap) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, scanMapMagic...)
	buf = append(buf, scanMapVersion)
	buf = appendU32(buf, m.ChainLength)

	buf = appendU32(buf, uint32(len(m.Variables)))
	for _, v := range m.Variables {
		buf = appendString(buf, v.Name)
		buf = appendString(buf, v.HDLPath)
		buf = appendU32(buf, v.Offset)
		buf = appendU32(buf, v.Width)
		if v.HasReset {
			buf = append(buf, 1)
			buf = appendU64(buf, v.ResetValue)
		} else {
			buf = append(buf, 0)
		}
		buf = appendU32(buf, uint32(len(v.EnumMembers)))
		for _, e := range v.EnumMembers {
			buf = appendString(buf, e.Name)
			buf = appendU64(buf, e.Value)
		}
	}

	if m.InitialScanImage != nil {
		buf = append(buf, 1)
		buf = appendBytes(buf, m.InitialScanImage)
	} else {
		buf = append(buf, 0)
	}

	buf = appendU32(buf, uint32(len(m.ResetDpiMappings)))
	for _, rm := range m.ResetDpiMappings {
		buf = appendU32(buf, rm.FuncID)
		buf = appendU32(buf, rm.ScanOffset)
		buf = appendU32(buf, rm.ScanWidth)
	}

	return buf
}

// DecodeScanMap parses the tagged binary form written by EncodeScanMap.
func DecodeScanMap(data []byte) (*ScanMap, error) {
	r := &reader{buf: data}
	if err := r.expectMagic(scanMapMagic); err != nil {
		return nil, err
	}
	if _, err := r.u8(); err != nil { // version, unused for now
		return nil, err
	}

	m := &ScanMap{}
	chainLength, err := r.u32()
	if err != nil {
		return nil, err
	}
	m.ChainLength = chainLength

	nVars, err := r.u32()
	if err != nil {
		return nil, err
	}
	// Zero-length lists decode as nil, matching what the encoder was given
	// for an unset field, so decode(encode(m)) == m.
	if nVars > 0 {
		m.Variables = make([]ScanVariable, nVars)
	}
	for i := range m.Variables {
		v := &m.Variables[i]
		if v.Name, err = r.str(); err != nil {
			return nil, err
		}
		if v.HDLPath, err = r.str(); err != nil {
			return nil, err
		}
		if v.Offset, err = r.u32(); err != nil {
			return nil, err
		}
		if v.Width, err = r.u32(); err != nil {
			return nil, err
		}
		hasReset, err := r.u8()
		if err != nil {
			return nil, err
		}
		if hasReset == 1 {
			v.HasReset = true
			if v.ResetValue, err = r.u64(); err != nil {
				return nil, err
			}
		}
		nEnum, err := r.u32()
		if err != nil {
			return nil, err
		}
		if nEnum > 0 {
			v.EnumMembers = make([]EnumMember, nEnum)
		}
		for j := range v.EnumMembers {
			if v.EnumMembers[j].Name, err = r.str(); err != nil {
				return nil, err
			}
			if v.EnumMembers[j].Value, err = r.u64(); err != nil {
				return nil, err
			}
		}
	}

	hasImage, err := r.u8()
	if err != nil {
		return nil, err
	}
	if hasImage == 1 {
		if m.InitialScanImage, err = r.bytes(); err != nil {
			return nil, err
		}
	}

	nMappings, err := r.u32()
	if err != nil {
		return nil, err
	}
	if nMappings > 0 {
		m.ResetDpiMappings = make([]ResetDpiMapping, nMappings)
	}
	for i := range m.ResetDpiMappings {
		rm := &m.ResetDpiMappings[i]
		if rm.FuncID, err = r.u32(); err != nil {
			return nil, err
		}
		if rm.ScanOffset, err = r.u32(); err != nil {
			return nil, err
		}
		if rm.ScanWidth, err = r.u32(); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// --- shared little-endian append/read helpers ---

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendU32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendU32(buf, uint32(len(b)))
	return append(buf, b...)
}

// reader is a small cursor over a byte slice shared by every wire codec in
// this package; it never panics, returning ErrTruncated on short input.
type reader struct {
	buf []byte
	off int
}

func (r *reader) expectMagic(magic string) error {
	if len(r.buf)-r.off < len(magic) {
		return ErrTruncated
	}
	if string(r.buf[r.off:r.off+len(magic)]) != magic {
		return ErrBadTag
	}
	r.off += len(magic)
	return nil
}

func (r *reader) u8() (uint8, error) {
	if len(r.buf)-r.off < 1 {
		return 0, ErrTruncated
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if len(r.buf)-r.off < 4 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off : r.off+4])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if len(r.buf)-r.off < 8 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off : r.off+8])
	r.off += 8
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if len(r.buf)-r.off < int(n) {
		return nil, ErrTruncated
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+int(n)])
	r.off += int(n)
	return b, nil
}

func (r *reader) str() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
