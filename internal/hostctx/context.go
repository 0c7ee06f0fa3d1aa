// Package hostctx implements the Context façade: typed operations over a
// single Transport's register file, following the host runtime's address
// map (internal/regmap). Context owns its Transport exclusively.
package hostctx

import (
	"context"
	"fmt"
	"time"

	"github.com/zarubaf/loom-sub000/internal/errs"
	"github.com/zarubaf/loom-sub000/internal/logging"
	"github.com/zarubaf/loom-sub000/internal/regmap"
	"github.com/zarubaf/loom-sub000/internal/transport"
)

// DesignInfo is the peer's static configuration, read once on Connect.
type DesignInfo struct {
	NDpiFuncs   uint32
	MaxDpiArgs  uint32
	ScanLength  uint32
	ShellVer    uint32
	NMemories   uint32
	DesignHash  [regmap.DesignHashWords]uint32
	DesignHashHex string // lowercase 64-hex, word 7 as MSB
}

// DpiCall is a read snapshot of one pending DPI call's arguments.
type DpiCall struct {
	FuncID uint32
	Args   []uint32 // length = DesignInfo.MaxDpiArgs
}

// Context is the typed façade over a Transport's register file.
type Context struct {
	t      transport.Transport
	info   DesignInfo
	logger *logging.Logger
}

// New constructs a Context around an already-constructed Transport. The
// Transport is not yet connected; call Connect to do so.
func New(t transport.Transport, logger *logging.Logger) *Context {
	if logger == nil {
		logger = logging.Default()
	}
	return &Context{t: t, logger: logger}
}

// Connect connects the underlying transport and reads the peer's static
// design info: dpi function count, max dpi args (default 8 if the peer
// reports zero), scan chain length, shell version, memory count, and the
// 8-word design hash rendered as a lowercase 64-hex string (word 7 is MSB).
func (c *Context) Connect(ctx context.Context, target string) error {
	if err := c.t.Connect(ctx, target); err != nil {
		return err
	}

	nFuncs, err := c.t.Read32(regmap.EmuCtrlBase + regmap.EmuNDpiFuncs)
	if err != nil {
		return err
	}
	maxArgs, err := c.t.Read32(regmap.EmuCtrlBase + regmap.EmuMaxDpiArgs)
	if err != nil {
		return err
	}
	if maxArgs == 0 {
		maxArgs = 8
	}
	scanLen, err := c.t.Read32(regmap.EmuCtrlBase + regmap.EmuScanLength)
	if err != nil {
		return err
	}
	shellVer, err := c.t.Read32(regmap.EmuCtrlBase + regmap.EmuShellVer)
	if err != nil {
		return err
	}
	nMem, err := c.t.Read32(regmap.EmuCtrlBase + regmap.EmuNMemories)
	if err != nil {
		return err
	}

	var hash [regmap.DesignHashWords]uint32
	for i := 0; i < regmap.DesignHashWords; i++ {
		w, err := c.t.Read32(regmap.EmuCtrlBase + regmap.EmuDesignHash0 + uint32(4*i))
		if err != nil {
			return err
		}
		hash[i] = w
	}

	c.info = DesignInfo{
		NDpiFuncs:  nFuncs,
		MaxDpiArgs: maxArgs,
		ScanLength: scanLen,
		ShellVer:   shellVer,
		NMemories:  nMem,
		DesignHash: hash,
	}
	c.info.DesignHashHex = renderDesignHash(hash)

	c.logger.Info("context connected",
		"n_dpi_funcs", nFuncs, "max_dpi_args", maxArgs, "scan_length", scanLen,
		"shell_ver", fmt.Sprintf("0x%08x", shellVer), "n_memories", nMem,
		"design_hash", c.info.DesignHashHex)
	return nil
}

// renderDesignHash renders the 8-word hash big-endian word order (word 7
// as the most significant word) as 64 lowercase hex characters.
func renderDesignHash(hash [regmap.DesignHashWords]uint32) string {
	s := ""
	for i := regmap.DesignHashWords - 1; i >= 0; i-- {
		s += fmt.Sprintf("%08x", hash[i])
	}
	return s
}

// Disconnect tears down the underlying transport.
func (c *Context) Disconnect() error { return c.t.Disconnect() }

// Info returns the design info captured at Connect.
func (c *Context) Info() DesignInfo { return c.info }

// Transport exposes the underlying transport, e.g. for HasIrqSupport/WaitIrq
// from the DPI service's run loop.
func (c *Context) Transport() transport.Transport { return c.t }

func (c *Context) GetState() (regmap.State, error) {
	status, err := c.t.Read32(regmap.EmuCtrlBase + regmap.EmuStatus)
	if err != nil {
		return 0, err
	}
	return regmap.State(status & regmap.StatusStateMask), nil
}

func (c *Context) Start() error { return c.writeCommand(regmap.CmdStart) }
func (c *Context) Stop() error  { return c.writeCommand(regmap.CmdStop) }
func (c *Context) Reset() error { return c.writeCommand(regmap.CmdReset) }

func (c *Context) writeCommand(opcode uint32) error {
	return c.t.Write32(regmap.EmuCtrlBase+regmap.EmuCommand, opcode)
}

// Finish writes the finish register: bit0=1 | (exitCode&0xFF)<<8. The same
// register is written by design-initiated finish.
func (c *Context) Finish(exitCode int32) error {
	val := uint32(regmap.FinishRequestBit) | (uint32(exitCode)&regmap.FinishExitMask)<<regmap.FinishExitShift
	return c.t.Write32(regmap.EmuCtrlBase+regmap.EmuFinish, val)
}

func (c *Context) readPair(loOff, hiOff uint32) (uint64, error) {
	lo, err := c.t.Read32(regmap.EmuCtrlBase + loOff)
	if err != nil {
		return 0, err
	}
	hi, err := c.t.Read32(regmap.EmuCtrlBase + hiOff)
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

func (c *Context) writePair(loOff, hiOff uint32, v uint64) error {
	if err := c.t.Write32(regmap.EmuCtrlBase+loOff, uint32(v)); err != nil {
		return err
	}
	return c.t.Write32(regmap.EmuCtrlBase+hiOff, uint32(v>>32))
}

func (c *Context) GetCycleCount() (uint64, error) {
	return c.readPair(regmap.EmuCycleLo, regmap.EmuCycleHi)
}

func (c *Context) GetTime() (uint64, error) {
	return c.readPair(regmap.EmuTimeLo, regmap.EmuTimeHi)
}

func (c *Context) GetTimeCompare() (uint64, error) {
	return c.readPair(regmap.EmuTimeCmpLo, regmap.EmuTimeCmpHi)
}

func (c *Context) SetTimeCompare(v uint64) error {
	return c.writePair(regmap.EmuTimeCmpLo, regmap.EmuTimeCmpHi, v)
}

// Step advances the design n cycles: time_compare = get_time() + n, then
// Start. Stepping is semantic, not a separate command.
func (c *Context) Step(n uint64) error {
	now, err := c.GetTime()
	if err != nil {
		return err
	}
	if err := c.SetTimeCompare(now + n); err != nil {
		return err
	}
	return c.Start()
}

// DpiPoll reads the pending-function bitmask.
func (c *Context) DpiPoll() (uint32, error) {
	return c.t.Read32(regmap.DpiRegfileBase + regmap.DpiPendingMaskOff)
}

func (c *Context) dpiBlockBase(funcID uint32) uint32 {
	return regmap.DpiRegfileBase + funcID*regmap.DpiFuncBlockSize
}

// DpiGetCall reads all max_dpi_args argument words from the function's block.
func (c *Context) DpiGetCall(funcID uint32) (DpiCall, error) {
	base := c.dpiBlockBase(funcID)
	args := make([]uint32, c.info.MaxDpiArgs)
	for i := range args {
		v, err := c.t.Read32(base + regmap.ArgOffset(uint32(i)))
		if err != nil {
			return DpiCall{}, err
		}
		args[i] = v
	}
	return DpiCall{FuncID: funcID, Args: args}, nil
}

// DpiWriteArg writes argument slot i of funcID, used for output-array data.
func (c *Context) DpiWriteArg(funcID uint32, i uint32, value uint32) error {
	base := c.dpiBlockBase(funcID)
	return c.t.Write32(base+regmap.ArgOffset(i), value)
}

// DpiComplete writes the result lo/hi words then sets the SetDone control bit.
func (c *Context) DpiComplete(funcID uint32, result uint64) error {
	base := c.dpiBlockBase(funcID)
	if err := c.t.Write32(base+regmap.ResultLoOffset(c.info.MaxDpiArgs), uint32(result)); err != nil {
		return err
	}
	if err := c.t.Write32(base+regmap.ResultHiOffset(c.info.MaxDpiArgs), uint32(result>>32)); err != nil {
		return err
	}
	return c.t.Write32(base+regmap.DpiControlOff, regmap.DpiCtrlSetDone)
}

// DpiError writes control with SetDone|SetError.
func (c *Context) DpiError(funcID uint32) error {
	base := c.dpiBlockBase(funcID)
	return c.t.Write32(base+regmap.DpiControlOff, regmap.DpiCtrlSetDone|regmap.DpiCtrlSetError)
}

// ScanCapture clears done, writes the capture command, then polls done up to
// timeout, returning Timeout on expiry.
func (c *Context) ScanCapture(timeout time.Duration) error {
	return c.scanCommand(regmap.ScanCmdCapture, timeout)
}

// ScanRestore clears done, writes the restore command, then polls done up to
// timeout, returning Timeout on expiry.
func (c *Context) ScanRestore(timeout time.Duration) error {
	return c.scanCommand(regmap.ScanCmdRestore, timeout)
}

func (c *Context) scanCommand(opcode uint32, timeout time.Duration) error {
	if err := c.t.Write32(regmap.ScanCtrlBase+regmap.ScanDone, 0); err != nil {
		return err
	}
	if err := c.t.Write32(regmap.ScanCtrlBase+regmap.ScanCommand, opcode); err != nil {
		return err
	}
	return c.pollDone(regmap.ScanCtrlBase+regmap.ScanDone, timeout)
}

const pollInterval = 1 * time.Millisecond

func (c *Context) pollDone(doneAddr uint32, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		done, err := c.t.Read32(doneAddr)
		if err != nil {
			return err
		}
		if done != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errs.New("hostctx.poll_done", errs.KindTimeout, "timed out waiting for done")
		}
		time.Sleep(pollInterval)
	}
}

// scanWords is ceil(chain_length/32).
func (c *Context) scanWords() uint32 {
	return (c.info.ScanLength + 31) / 32
}

// ScanReadData reads the word-indexed scan data window.
func (c *Context) ScanReadData() ([]uint32, error) {
	n := c.scanWords()
	words := make([]uint32, n)
	for i := uint32(0); i < n; i++ {
		v, err := c.t.Read32(regmap.ScanCtrlBase + regmap.ScanData0 + 4*i)
		if err != nil {
			return nil, err
		}
		words[i] = v
	}
	return words, nil
}

// ScanWriteData writes the word-indexed scan data window.
func (c *Context) ScanWriteData(words []uint32) error {
	for i, v := range words {
		if err := c.t.Write32(regmap.ScanCtrlBase+regmap.ScanData0+uint32(4*i), v); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) memBlockBase(memID uint32) uint32 {
	return regmap.MemCtrlBase + memID*regmap.MemBlockSize
}

// MemReadEntry reads one word at addr from memory memID.
func (c *Context) MemReadEntry(memID uint32, addr uint32, timeout time.Duration) (uint32, error) {
	base := c.memBlockBase(memID)
	if err := c.t.Write32(base+regmap.MemDone, 0); err != nil {
		return 0, err
	}
	if err := c.t.Write32(base+regmap.MemAddr, addr); err != nil {
		return 0, err
	}
	if err := c.t.Write32(base+regmap.MemCommand, regmap.MemCmdRead); err != nil {
		return 0, err
	}
	if err := c.pollDone(base+regmap.MemDone, timeout); err != nil {
		return 0, err
	}
	return c.t.Read32(base + regmap.MemData)
}

// MemWriteEntry writes one word at addr in memory memID.
func (c *Context) MemWriteEntry(memID uint32, addr uint32, data uint32, timeout time.Duration) error {
	base := c.memBlockBase(memID)
	if err := c.t.Write32(base+regmap.MemDone, 0); err != nil {
		return err
	}
	if err := c.t.Write32(base+regmap.MemAddr, addr); err != nil {
		return err
	}
	if err := c.t.Write32(base+regmap.MemData, data); err != nil {
		return err
	}
	if err := c.t.Write32(base+regmap.MemCommand, regmap.MemCmdWrite); err != nil {
		return err
	}
	return c.pollDone(base+regmap.MemDone, timeout)
}

// MemPreloadStart begins a preload sequence for memory memID at base address addr.
func (c *Context) MemPreloadStart(memID uint32, addr uint32, timeout time.Duration) error {
	base := c.memBlockBase(memID)
	if err := c.t.Write32(base+regmap.MemDone, 0); err != nil {
		return err
	}
	if err := c.t.Write32(base+regmap.MemAddr, addr); err != nil {
		return err
	}
	if err := c.t.Write32(base+regmap.MemCommand, regmap.MemCmdPreloadStart); err != nil {
		return err
	}
	return c.pollDone(base+regmap.MemDone, timeout)
}

// MemPreloadNext writes the next preload word and advances the cursor.
func (c *Context) MemPreloadNext(memID uint32, data uint32, timeout time.Duration) error {
	base := c.memBlockBase(memID)
	if err := c.t.Write32(base+regmap.MemDone, 0); err != nil {
		return err
	}
	if err := c.t.Write32(base+regmap.MemData, data); err != nil {
		return err
	}
	if err := c.t.Write32(base+regmap.MemCommand, regmap.MemCmdPreloadNext); err != nil {
		return err
	}
	return c.pollDone(base+regmap.MemDone, timeout)
}

// Couple/Decouple/IsCoupled implement the firewall control-bit toggles;
// their semantics come from the peer.
func (c *Context) Couple() error   { return c.setCoupleBit(true) }
func (c *Context) Decouple() error { return c.setCoupleBit(false) }

func (c *Context) setCoupleBit(couple bool) error {
	cur, err := c.t.Read32(regmap.EmuCtrlBase + regmap.EmuCouple)
	if err != nil {
		return err
	}
	var next uint32
	if couple {
		next = cur | regmap.CoupleBit
	} else {
		next = cur &^ regmap.CoupleBit
	}
	return c.t.Write32(regmap.EmuCtrlBase+regmap.EmuCouple, next)
}

func (c *Context) IsCoupled() (bool, error) {
	status, err := c.t.Read32(regmap.EmuCtrlBase + regmap.EmuStatus)
	if err != nil {
		return false, err
	}
	return status&regmap.CoupledStatusBit != 0, nil
}
