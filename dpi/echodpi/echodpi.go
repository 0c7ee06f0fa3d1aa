// Package echodpi is a minimal reference dispatch table: a handful of
// native DPI callbacks implemented in Go instead of dlopen'd from a shared
// object, for tests and examples that need a working Service without a
// real compiled design image.
package echodpi

import "github.com/zarubaf/loom-sub000/internal/dpi"

// Func IDs for the reference table. A real dispatch image assigns these
// densely starting at 0; this table follows the same convention.
const (
	FuncAdd      uint32 = 0
	FuncEcho     uint32 = 1
	FuncScratch  uint32 = 2
	FuncResetVal uint32 = 3
)

// scratchpad backs FuncScratch: a tiny byte-addressed memory a design can
// poke through DPI calls, standing in for a user image's own state.
type scratchpad struct {
	data [256]uint32
}

func (s *scratchpad) call(args []uint32, out []uint32) uint64 {
	const (
		opRead = iota
		opWrite
	)
	if len(args) < 2 {
		return 0
	}
	op, addr := args[0], args[1]&0xFF
	switch op {
	case opWrite:
		if len(args) >= 3 {
			s.data[addr] = args[2]
		}
		return 0
	default:
		if len(out) > 0 {
			out[0] = s.data[addr]
		}
		return uint64(s.data[addr])
	}
}

// New returns the reference dispatch table: add(a, b) -> a+b, echo(x) -> x,
// a read/write scratchpad, and a call_at_init function that seeds a fixed
// reset value, used by tests exercising E2's reset-time DPI patch.
func New(resetValue uint64) []*dpi.Func {
	pad := &scratchpad{}
	return []*dpi.Func{
		{
			FuncID:      FuncAdd,
			Name:        "add",
			NArgs:       2,
			RetWidth:    32,
			OutArgWords: 0,
			Callback: func(args []uint32, out []uint32) uint64 {
				return uint64(args[0] + args[1])
			},
		},
		{
			FuncID:      FuncEcho,
			Name:        "echo",
			NArgs:       1,
			RetWidth:    32,
			OutArgWords: 1,
			Callback: func(args []uint32, out []uint32) uint64 {
				if len(out) > 0 {
					out[0] = args[0]
				}
				return uint64(args[0])
			},
		},
		{
			FuncID:      FuncScratch,
			Name:        "scratch",
			NArgs:       3,
			RetWidth:    32,
			OutArgWords: 1,
			Callback:    pad.call,
		},
		{
			FuncID:      FuncResetVal,
			Name:        "reset_val",
			NArgs:       0,
			RetWidth:    64,
			CallAtInit:  true,
			OutArgWords: 0,
			Callback: func(args []uint32, out []uint32) uint64 {
				return resetValue
			},
		},
	}
}
