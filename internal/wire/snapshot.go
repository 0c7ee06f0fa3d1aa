package wire

// Snapshot captures enough state to re-inspect or redeposit a design's
// scan chain offline, independent of a live connection to the peer.
type Snapshot struct {
	CycleCount  uint64
	DutTime     uint64
	DesignHash  [8]uint32
	RawScanData []byte
	ScanMap     *ScanMap // embedded for self-contained inspection; may be nil
}

const snapshotMagic = "SNAP"
const snapshotVersion = 1

// EncodeSnapshot serializes a Snapshot. Round-trip law: DecodeSnapshot(
// EncodeSnapshot(s)) == s for any s produced by this package.
func EncodeSnapshot(s *Snapshot) []byte {
	buf := make([]byte, 0, 256+len(s.RawScanData))
	buf = append(buf, snapshotMagic...)
	buf = append(buf, snapshotVersion)
	buf = appendU64(buf, s.CycleCount)
	buf = appendU64(buf, s.DutTime)
	for _, w := range s.DesignHash {
		buf = appendU32(buf, w)
	}
	buf = appendBytes(buf, s.RawScanData)

	if s.ScanMap != nil {
		buf = append(buf, 1)
		buf = appendBytes(buf, EncodeScanMap(s.ScanMap))
	} else {
		buf = append(buf, 0)
	}

	return buf
}

// DecodeSnapshot parses the form written by EncodeSnapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	r := &reader{buf: data}
	if err := r.expectMagic(snapshotMagic); err != nil {
		return nil, err
	}
	if _, err := r.u8(); err != nil {
		return nil, err
	}

	s := &Snapshot{}
	var err error
	if s.CycleCount, err = r.u64(); err != nil {
		return nil, err
	}
	if s.DutTime, err = r.u64(); err != nil {
		return nil, err
	}
	for i := range s.DesignHash {
		if s.DesignHash[i], err = r.u32(); err != nil {
			return nil, err
		}
	}
	if s.RawScanData, err = r.bytes(); err != nil {
		return nil, err
	}

	hasMap, err := r.u8()
	if err != nil {
		return nil, err
	}
	if hasMap == 1 {
		mapBytes, err := r.bytes()
		if err != nil {
			return nil, err
		}
		s.ScanMap, err = DecodeScanMap(mapBytes)
		if err != nil {
			return nil, err
		}
	}

	return s, nil
}

// ExtractVariable implements the value extraction rule of §4.5: given raw
// scan words R and a variable at (offset, width<=64), the value is the
// integer formed from the LSB-first bit window [offset, offset+width).
func ExtractVariable(raw []uint32, offset, width uint32) uint64 {
	if width > 64 {
		width = 64
	}
	var value uint64
	for i := uint32(0); i < width; i++ {
		bitPos := offset + i
		word := bitPos / 32
		if int(word) >= len(raw) {
			break
		}
		bit := (raw[word] >> (bitPos % 32)) & 1
		value |= uint64(bit) << i
	}
	return value
}
