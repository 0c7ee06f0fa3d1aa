package dpi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zarubaf/loom-sub000/internal/errs"
	"github.com/zarubaf/loom-sub000/internal/hostctx"
	"github.com/zarubaf/loom-sub000/internal/regmap"
)

// scriptedTransport is a deterministic in-memory peer used to exercise
// Service against a Context without a real design.
type scriptedTransport struct {
	regs      map[uint32]uint32
	irqQueue  []irqOrShutdown
	connected bool
}

type irqOrShutdown struct {
	mask     uint32
	shutdown bool
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{regs: make(map[uint32]uint32)}
}

func (s *scriptedTransport) Connect(ctx context.Context, target string) error {
	s.connected = true
	return nil
}
func (s *scriptedTransport) Disconnect() error { s.connected = false; return nil }
func (s *scriptedTransport) Read32(addr uint32) (uint32, error) { return s.regs[addr], nil }
func (s *scriptedTransport) Write32(addr uint32, val uint32) error {
	s.regs[addr] = val
	// Model the peer's sticky pending bit: SetDone on a function's control
	// register clears that function's bit in the pending mask.
	off := addr - regmap.DpiRegfileBase
	if addr >= regmap.DpiRegfileBase && off < regmap.DpiPendingMaskOff &&
		off%regmap.DpiFuncBlockSize == regmap.DpiControlOff && val&regmap.DpiCtrlSetDone != 0 {
		s.regs[regmap.DpiRegfileBase+regmap.DpiPendingMaskOff] &^= 1 << (off / regmap.DpiFuncBlockSize)
	}
	return nil
}
func (s *scriptedTransport) WaitIrq() (uint32, error) {
	if len(s.irqQueue) == 0 {
		return 0, errs.New("scripted.wait_irq", errs.KindShutdown, "script exhausted")
	}
	next := s.irqQueue[0]
	s.irqQueue = s.irqQueue[1:]
	if next.shutdown {
		return 0, errs.New("scripted.wait_irq", errs.KindShutdown, "scripted shutdown")
	}
	return next.mask, nil
}
func (s *scriptedTransport) HasIrqSupport() bool { return true }
func (s *scriptedTransport) IsConnected() bool   { return s.connected }

func setupContext(t *testing.T, nFuncs, maxArgs uint32) (*hostctx.Context, *scriptedTransport) {
	t.Helper()
	st := newScriptedTransport()
	st.regs[regmap.EmuCtrlBase+regmap.EmuNDpiFuncs] = nFuncs
	st.regs[regmap.EmuCtrlBase+regmap.EmuMaxDpiArgs] = maxArgs
	ctx := hostctx.New(st, nil)
	require.NoError(t, ctx.Connect(context.Background(), "scripted"))
	return ctx, st
}

// TestServiceOnceAddition covers E1: a single add(a,b) function is serviced
// exactly once and the result/done sequence matches the call protocol.
func TestServiceOnceAddition(t *testing.T) {
	ctx, st := setupContext(t, 1, 8)
	base := regmap.DpiRegfileBase
	st.regs[base+regmap.ArgOffset(0)] = 2
	st.regs[base+regmap.ArgOffset(1)] = 3
	st.regs[regmap.DpiRegfileBase+regmap.DpiPendingMaskOff] = 0b1

	svc := NewService(nil)
	svc.RegisterFuncs([]*Func{
		{FuncID: 0, Name: "add", NArgs: 2, RetWidth: 32, Callback: func(args, out []uint32) uint64 {
			return uint64(args[0] + args[1])
		}},
	})

	n, err := svc.ServiceOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(1), svc.CallCount())
	assert.Equal(t, uint32(5), st.regs[base+regmap.ResultLoOffset(8)])
	assert.Equal(t, uint32(regmap.DpiCtrlSetDone), st.regs[base+regmap.DpiControlOff])
}

// TestServiceOnceDrainsAscendingOrder covers E5: bits 1, 3, 4 set; exactly
// those three functions are dispatched, in ascending func_id order.
func TestServiceOnceDrainsAscendingOrder(t *testing.T) {
	ctx, st := setupContext(t, 5, 2)
	st.regs[regmap.DpiRegfileBase+regmap.DpiPendingMaskOff] = (1 << 1) | (1 << 3) | (1 << 4)

	var order []uint32
	svc := NewService(nil)
	makeFn := func(id uint32) *Func {
		return &Func{FuncID: id, NArgs: 0, Callback: func(args, out []uint32) uint64 {
			order = append(order, id)
			return 0
		}}
	}
	svc.RegisterFuncs([]*Func{makeFn(1), makeFn(3), makeFn(4)})

	n, err := svc.ServiceOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []uint32{1, 3, 4}, order)
}

func TestServiceOnceUnregisteredFuncBumpsErrorCount(t *testing.T) {
	ctx, st := setupContext(t, 2, 2)
	st.regs[regmap.DpiRegfileBase+regmap.DpiPendingMaskOff] = 0b1

	svc := NewService(nil)
	svc.RegisterFuncs(nil)

	n, err := svc.ServiceOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, uint64(1), svc.ErrorCount())
	base := regmap.DpiRegfileBase
	assert.Equal(t, uint32(regmap.DpiCtrlSetDone|regmap.DpiCtrlSetError), st.regs[base+regmap.DpiControlOff])
}

func TestServiceOnceNoActivityReturnsZero(t *testing.T) {
	ctx, _ := setupContext(t, 1, 2)
	svc := NewService(nil)
	n, err := svc.ServiceOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestServiceOnceOutArgWords(t *testing.T) {
	ctx, st := setupContext(t, 1, 2)
	st.regs[regmap.DpiRegfileBase+regmap.DpiPendingMaskOff] = 0b1

	svc := NewService(nil)
	svc.RegisterFuncs([]*Func{
		{FuncID: 0, NArgs: 0, OutArgWords: 2, Callback: func(args, out []uint32) uint64 {
			out[0] = 0xAAAA
			out[1] = 0xBBBB
			return 7
		}},
	})

	_, err := svc.ServiceOnce(ctx)
	require.NoError(t, err)
	base := regmap.DpiRegfileBase
	assert.Equal(t, uint32(0xAAAA), st.regs[base+regmap.ArgOffset(0)])
	assert.Equal(t, uint32(0xBBBB), st.regs[base+regmap.ArgOffset(1)])
}

// TestRunShutdown covers E4: a Shutdown frame from the peer makes Run
// return RunShutdown without error.
func TestRunShutdown(t *testing.T) {
	ctx, st := setupContext(t, 0, 2)
	st.irqQueue = []irqOrShutdown{{shutdown: true}}

	svc := NewService(nil)
	outcome, err := svc.Run(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, RunShutdown, outcome)
}

func TestRunCompleteOnFrozen(t *testing.T) {
	ctx, st := setupContext(t, 1, 2)
	st.regs[regmap.DpiRegfileBase+regmap.DpiPendingMaskOff] = 0b1
	st.irqQueue = []irqOrShutdown{{mask: 0}}
	st.regs[regmap.EmuCtrlBase+regmap.EmuStatus] = uint32(regmap.StateFrozen)

	svc := NewService(nil)
	svc.RegisterFuncs([]*Func{
		{FuncID: 0, NArgs: 0, Callback: func(args, out []uint32) uint64 { return 0 }},
	})

	outcome, err := svc.Run(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, RunComplete, outcome)
}
