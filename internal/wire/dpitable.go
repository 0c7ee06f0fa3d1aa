package wire

// DpiInitCall is one row of the dispatch table as produced by the
// dispatch-table code generator: a function's static metadata, without the
// native callback pointer (which only exists once the dispatch image is
// dlopen'd). The loader cross-checks this against the symbols it resolves.
type DpiInitCall struct {
	FuncID      uint32
	Name        string
	NArgs       uint32
	RetWidth    uint32
	CallAtInit  bool
	OutArgWords uint32
}

// DpiTable is the ordered dispatch table metadata list.
type DpiTable struct {
	Entries []DpiInitCall
}

const dpiTableMagic = "DPIT"
const dpiTableVersion = 1

// EncodeDpiTable serializes a DpiTable to its tagged binary form.
func EncodeDpiTable(t *DpiTable) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, dpiTableMagic...)
	buf = append(buf, dpiTableVersion)
	buf = appendU32(buf, uint32(len(t.Entries)))
	for _, e := range t.Entries {
		buf = appendU32(buf, e.FuncID)
		buf = appendString(buf, e.Name)
		buf = appendU32(buf, e.NArgs)
		buf = appendU32(buf, e.RetWidth)
		if e.CallAtInit {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = appendU32(buf, e.OutArgWords)
	}
	return buf
}

// DecodeDpiTable parses the form written by EncodeDpiTable.
func DecodeDpiTable(data []byte) (*DpiTable, error) {
	r := &reader{buf: data}
	if err := r.expectMagic(dpiTableMagic); err != nil {
		return nil, err
	}
	if _, err := r.u8(); err != nil {
		return nil, err
	}

	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	t := &DpiTable{Entries: make([]DpiInitCall, n)}
	for i := range t.Entries {
		e := &t.Entries[i]
		if e.FuncID, err = r.u32(); err != nil {
			return nil, err
		}
		if e.Name, err = r.str(); err != nil {
			return nil, err
		}
		if e.NArgs, err = r.u32(); err != nil {
			return nil, err
		}
		if e.RetWidth, err = r.u32(); err != nil {
			return nil, err
		}
		callAtInit, err := r.u8()
		if err != nil {
			return nil, err
		}
		e.CallAtInit = callAtInit == 1
		if e.OutArgWords, err = r.u32(); err != nil {
			return nil, err
		}
	}
	return t, nil
}
