package wire

// MemoryRegion describes one design memory reachable through MemCtrl's
// preload/read/write registers.
type MemoryRegion struct {
	Name        string
	MemID       uint32
	WordCount   uint32
	WordWidth   uint32
	PreloadFile string // path to an image file, relative to the work dir; may be empty
}

// MemMap is the ordered list of memories a design exposes.
type MemMap struct {
	Memories []MemoryRegion
}

const memMapMagic = "MMAP"
const memMapVersion = 1

// EncodeMemMap serializes a MemMap to its tagged binary form.
func EncodeMemMap(m *MemMap) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, memMapMagic...)
	buf = append(buf, memMapVersion)
	buf = appendU32(buf, uint32(len(m.Memories)))
	for _, r := range m.Memories {
		buf = appendString(buf, r.Name)
		buf = appendU32(buf, r.MemID)
		buf = appendU32(buf, r.WordCount)
		buf = appendU32(buf, r.WordWidth)
		buf = appendString(buf, r.PreloadFile)
	}
	return buf
}

// DecodeMemMap parses the form written by EncodeMemMap.
func DecodeMemMap(data []byte) (*MemMap, error) {
	r := &reader{buf: data}
	if err := r.expectMagic(memMapMagic); err != nil {
		return nil, err
	}
	if _, err := r.u8(); err != nil {
		return nil, err
	}

	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	m := &MemMap{Memories: make([]MemoryRegion, n)}
	for i := range m.Memories {
		reg := &m.Memories[i]
		if reg.Name, err = r.str(); err != nil {
			return nil, err
		}
		if reg.MemID, err = r.u32(); err != nil {
			return nil, err
		}
		if reg.WordCount, err = r.u32(); err != nil {
			return nil, err
		}
		if reg.WordWidth, err = r.u32(); err != nil {
			return nil, err
		}
		if reg.PreloadFile, err = r.str(); err != nil {
			return nil, err
		}
	}
	return m, nil
}
