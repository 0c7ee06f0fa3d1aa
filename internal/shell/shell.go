// Package shell implements the interactive REPL and script driver: the
// scan-based boot protocol, the run/step service loop with SIGINT handling,
// and the snapshot/inspect/deposit_script commands.
package shell

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/zarubaf/loom-sub000/internal/constants"
	"github.com/zarubaf/loom-sub000/internal/dpi"
	"github.com/zarubaf/loom-sub000/internal/errs"
	"github.com/zarubaf/loom-sub000/internal/hostctx"
	"github.com/zarubaf/loom-sub000/internal/logging"
	"github.com/zarubaf/loom-sub000/internal/regmap"
	"github.com/zarubaf/loom-sub000/internal/wire"
)

// Shell orchestrates Context and Service for the life of one session. It
// holds mutable references to both, per the runtime's ownership model:
// Shell borrows Context and Service, it does not own their lifecycle.
type Shell struct {
	ctx *hostctx.Context
	svc *dpi.Service

	scanMap *wire.ScanMap
	memMap  *wire.MemMap

	// initDone/scanInDone track the boot protocol's idempotence invariant:
	// steps 1-2 (init/reset-time DPI calls) run at most once per session;
	// step 3 (scan-in) also runs at most once per session, but reset()
	// re-runs it alone.
	initDone   bool
	scanInDone bool

	// scanImage is the working copy of initial_scan_image patched in step 2
	// and written to the device in step 3.
	scanImage []byte

	logger *logging.Logger
	out    io.Writer

	exitRequested bool
	exitCode      int

	// testSigCh, when non-nil, substitutes for the real os/signal channel in
	// runLoop so tests can simulate SIGINT deterministically without sending
	// an actual process signal.
	testSigCh chan os.Signal
}

// New constructs a Shell around an already-connected Context and a Service
// whose dispatch table has already been registered.
func New(ctx *hostctx.Context, svc *dpi.Service, logger *logging.Logger, out io.Writer) *Shell {
	if logger == nil {
		logger = logging.Default()
	}
	if out == nil {
		out = os.Stdout
	}
	return &Shell{ctx: ctx, svc: svc, logger: logger, out: out}
}

// LoadScanMap installs the scan map read from the working directory (§4.6
// step 8). Calling it resets the boot protocol's idempotence state since a
// fresh map implies a fresh initial image.
func (sh *Shell) LoadScanMap(m *wire.ScanMap) {
	sh.scanMap = m
	sh.initDone = false
	sh.scanInDone = false
	if m != nil && m.InitialScanImage != nil {
		sh.scanImage = append([]byte(nil), m.InitialScanImage...)
	}
}

// LoadMemMap installs the optional memory map read from the working directory.
func (sh *Shell) LoadMemMap(m *wire.MemMap) { sh.memMap = m }

// ExitRequested reports whether a command requested the shell to stop
// reading further input (exit/quit, or a Shutdown from the peer during
// run/step). A failing script command returns its error from RunScript
// instead and does not set this flag.
func (sh *Shell) ExitRequested() (bool, int) { return sh.exitRequested, sh.exitCode }

// RunScript executes one command per line from r, stopping at the first
// fatal error or an explicit exit command, per §6's script mode.
func (sh *Shell) RunScript(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if err := sh.Execute(line); err != nil {
			sh.logger.Fatal("script command failed", "line", line, "err", err.Error())
			return err
		}
		if sh.exitRequested {
			break
		}
	}
	return scanner.Err()
}

// REPL reads and executes commands from r, printing a prompt to out,
// stopping on exit or EOF. Per-command errors print a diagnostic and return
// to the prompt; they do not stop the REPL.
func (sh *Shell) REPL(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for {
		fmt.Fprint(sh.out, "loom> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if err := sh.Execute(scanner.Text()); err != nil {
			fmt.Fprintf(sh.out, "error: %s\n", err.Error())
		}
		if sh.exitRequested {
			return nil
		}
	}
}

// Execute dispatches one command line. Blank lines and '#' comments are
// no-ops.
func (sh *Shell) Execute(line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "run":
		return sh.cmdRun()
	case "stop":
		return sh.ctx.Stop()
	case "step":
		return sh.cmdStep(args)
	case "status":
		return sh.cmdStatus()
	case "dump":
		return sh.cmdDump(args)
	case "inspect":
		return sh.cmdInspect(args)
	case "deposit_script":
		return sh.cmdDepositScript(args)
	case "read":
		return sh.cmdRead(args)
	case "write":
		return sh.cmdWrite(args)
	case "reset":
		return sh.cmdReset()
	case "loadmem":
		return sh.cmdLoadmem(args)
	case "couple":
		return sh.ctx.Couple()
	case "decouple":
		return sh.ctx.Decouple()
	case "help":
		return sh.cmdHelp()
	case "exit", "quit":
		sh.exitRequested = true
		return nil
	default:
		return errs.New("shell.execute", errs.KindInvalidArg, "unknown command: "+cmd)
	}
}

// bootIfNeeded runs §4.5 steps 1-3 exactly once per session: init-time DPI
// calls, reset-time DPI patch, then scan-in. Idempotent: a second call is a
// no-op.
func (sh *Shell) bootIfNeeded() error {
	if !sh.initDone {
		if err := sh.runInitCalls(); err != nil {
			return err
		}
		if err := sh.patchResetDpi(); err != nil {
			return err
		}
		sh.initDone = true
	}
	if !sh.scanInDone {
		if err := sh.scanIn(); err != nil {
			return err
		}
		sh.scanInDone = true
	}
	return nil
}

// runInitCalls invokes, once each, every dispatch entry marked call_at_init
// whose func_id is not also a reset_dpi_mappings target (those are handled
// by patchResetDpi instead).
func (sh *Shell) runInitCalls() error {
	resetIDs := sh.resetMappingFuncIDs()
	for _, f := range sh.svc.AllFuncs() {
		if f == nil || !f.CallAtInit {
			continue
		}
		if _, isReset := resetIDs[f.FuncID]; isReset {
			continue
		}
		if f.Callback == nil {
			continue
		}
		out := make([]uint32, f.OutArgWords)
		f.Callback(nil, out)
		sh.logger.Debug("ran init-time dpi call", "func_id", f.FuncID, "name", f.Name)
	}
	return nil
}

func (sh *Shell) resetMappingFuncIDs() map[uint32]struct{} {
	ids := make(map[uint32]struct{})
	if sh.scanMap == nil {
		return ids
	}
	for _, rm := range sh.scanMap.ResetDpiMappings {
		ids[rm.FuncID] = struct{}{}
	}
	return ids
}

// patchResetDpi invokes each reset_dpi_mappings callback once and overwrites
// the corresponding bit range of the working scan image with the low bits
// of its u64 result, little-endian, bit 0 first.
func (sh *Shell) patchResetDpi() error {
	if sh.scanMap == nil {
		return nil
	}
	needed := sh.scanImageBytes()
	if len(sh.scanImage) < needed {
		grown := make([]byte, needed)
		copy(grown, sh.scanImage)
		sh.scanImage = grown
	}
	for _, rm := range sh.scanMap.ResetDpiMappings {
		f := sh.svc.FindFuncByID(rm.FuncID)
		if f == nil || f.Callback == nil {
			sh.logger.Warn("reset dpi mapping has no callback", "func_id", rm.FuncID)
			continue
		}
		out := make([]uint32, f.OutArgWords)
		result := f.Callback(nil, out)
		patchBits(sh.scanImage, rm.ScanOffset, rm.ScanWidth, result)
		sh.logger.Debug("patched reset dpi bits", "func_id", rm.FuncID,
			"offset", rm.ScanOffset, "width", rm.ScanWidth)
	}
	return nil
}

// patchBits overwrites bits [offset, offset+width) of img (byte-addressed,
// LSB-first within a byte, little-endian across bytes) with the low bits of
// value.
func patchBits(img []byte, offset, width uint32, value uint64) {
	if width > 64 {
		width = 64
	}
	for i := uint32(0); i < width; i++ {
		bitPos := offset + i
		byteIdx := bitPos / 8
		if int(byteIdx) >= len(img) {
			break
		}
		bit := byte((value >> i) & 1)
		mask := byte(1) << (bitPos % 8)
		if bit == 1 {
			img[byteIdx] |= mask
		} else {
			img[byteIdx] &^= mask
		}
	}
}

func (sh *Shell) scanImageBytes() int {
	if sh.scanMap == nil {
		return 0
	}
	return int((sh.scanMap.ChainLength + 7) / 8)
}

// scanIn performs §4.5 step 3: scan_write_data(initial_scan_image), then
// scan_restore.
func (sh *Shell) scanIn() error {
	words := bytesToWords(sh.scanImage)
	if err := sh.ctx.ScanWriteData(words); err != nil {
		return err
	}
	return sh.ctx.ScanRestore(constants.DefaultScanTimeout)
}

func bytesToWords(b []byte) []uint32 {
	n := (len(b) + 3) / 4
	words := make([]uint32, n)
	for i, v := range b {
		words[i/4] |= uint32(v) << (8 * (i % 4))
	}
	return words
}

func wordsToBytes(words []uint32, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(words[i/4] >> (8 * (i % 4)))
	}
	return b
}

func (sh *Shell) cmdRun() error {
	state, err := sh.ctx.GetState()
	if err != nil {
		return err
	}
	if state == regmap.StateIdle || state == regmap.StateFrozen {
		if err := sh.bootIfNeeded(); err != nil {
			return err
		}
	}
	if err := sh.ctx.Start(); err != nil {
		return err
	}
	return sh.runLoop()
}

func (sh *Shell) cmdStep(args []string) error {
	n := uint64(1)
	if len(args) > 0 {
		v, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return errs.New("shell.step", errs.KindInvalidArg, "bad cycle count: "+args[0])
		}
		n = v
	}
	state, err := sh.ctx.GetState()
	if err != nil {
		return err
	}
	if state == regmap.StateIdle || state == regmap.StateFrozen {
		if err := sh.bootIfNeeded(); err != nil {
			return err
		}
	}
	if err := sh.ctx.Step(n); err != nil {
		return err
	}
	return sh.runLoop()
}

// runLoop implements §4.5's interactive run loop: a process-wide SIGINT
// handler sets a flag; the loop drains service_once, checks state, sleeps
// briefly, and on SIGINT stops the design, logs, and returns.
func (sh *Shell) runLoop() error {
	var interrupted atomic.Bool
	var sigCh chan os.Signal
	if sh.testSigCh != nil {
		sigCh = sh.testSigCh
	} else {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT)
		defer signal.Stop(sigCh)
	}
	go func() {
		if _, ok := <-sigCh; ok {
			interrupted.Store(true)
		}
	}()

	for {
		if interrupted.Load() {
			if err := sh.ctx.Stop(); err != nil {
				return err
			}
			cycles, _ := sh.ctx.GetCycleCount()
			sh.logger.Info("Interrupted", "cycle_count", cycles)
			return nil
		}

		_, err := sh.svc.ServiceOnce(sh.ctx)
		if errs.Of(err, errs.KindShutdown) {
			sh.logger.Info("Shutdown received")
			sh.exitRequested = true
			return nil
		}
		if err != nil {
			return err
		}

		state, err := sh.ctx.GetState()
		if err != nil {
			return err
		}
		if state == regmap.StateFrozen || state == regmap.StateError {
			break
		}
		time.Sleep(constants.RunLoopIdleSleep)
	}
	return nil
}

func (sh *Shell) cmdStatus() error {
	state, err := sh.ctx.GetState()
	if err != nil {
		return err
	}
	cycles, err := sh.ctx.GetCycleCount()
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "state=%s cycle_count=%d calls=%d errors=%d\n",
		state, cycles, sh.svc.CallCount(), sh.svc.ErrorCount())
	return nil
}

func (sh *Shell) cmdReset() error {
	if err := sh.ctx.Reset(); err != nil {
		return err
	}
	return sh.scanIn()
}

// cmdDump implements "dump <file>": stop if running, scan_capture, read raw
// data, print variable interpretation, and optionally serialize a Snapshot.
func (sh *Shell) cmdDump(args []string) error {
	state, err := sh.ctx.GetState()
	if err != nil {
		return err
	}
	if state == regmap.StateRunning {
		if err := sh.ctx.Stop(); err != nil {
			return err
		}
	}
	if err := sh.ctx.ScanCapture(constants.DefaultScanTimeout); err != nil {
		return err
	}
	raw, err := sh.ctx.ScanReadData()
	if err != nil {
		return err
	}
	sh.printVariables(raw)

	if len(args) > 0 {
		cycles, err := sh.ctx.GetCycleCount()
		if err != nil {
			return err
		}
		dutTime, err := sh.ctx.GetTime()
		if err != nil {
			return err
		}
		snap := &wire.Snapshot{
			CycleCount:  cycles,
			DutTime:     dutTime,
			DesignHash:  sh.ctx.Info().DesignHash,
			RawScanData: wordsToBytes(raw, sh.scanImageBytes()),
			ScanMap:     sh.scanMap,
		}
		return os.WriteFile(args[0], wire.EncodeSnapshot(snap), 0o644)
	}
	return nil
}

func (sh *Shell) printVariables(raw []uint32) {
	if sh.scanMap == nil {
		return
	}
	for _, v := range sh.scanMap.Variables {
		value := wire.ExtractVariable(raw, v.Offset, v.Width)
		fmt.Fprintf(sh.out, "%s = %s\n", v.Name, formatVariableValue(v, value))
	}
}

func formatVariableValue(v wire.ScanVariable, value uint64) string {
	for _, e := range v.EnumMembers {
		if e.Value == value {
			return fmt.Sprintf("0x%x (%s)", value, e.Name)
		}
	}
	return fmt.Sprintf("0x%x", value)
}

// cmdInspect deserializes a Snapshot file and prints its variables, without
// a live connection.
func (sh *Shell) cmdInspect(args []string) error {
	if len(args) == 0 {
		return errs.New("shell.inspect", errs.KindInvalidArg, "usage: inspect <file>")
	}
	snap, err := sh.loadSnapshot(args[0])
	if err != nil {
		return err
	}
	raw := bytesToWords(snap.RawScanData)
	if snap.ScanMap == nil {
		fmt.Fprintln(sh.out, "snapshot has no embedded scan map")
		return nil
	}
	for _, v := range snap.ScanMap.Variables {
		value := wire.ExtractVariable(raw, v.Offset, v.Width)
		fmt.Fprintf(sh.out, "%s (%s) = %s\n", v.Name, v.HDLPath, formatVariableValue(v, value))
	}
	return nil
}

// cmdDepositScript deserializes a Snapshot and emits one deposit statement
// per variable: (hdl_path, width, value).
func (sh *Shell) cmdDepositScript(args []string) error {
	if len(args) == 0 {
		return errs.New("shell.deposit_script", errs.KindInvalidArg, "usage: deposit_script <file>")
	}
	snap, err := sh.loadSnapshot(args[0])
	if err != nil {
		return err
	}
	if snap.ScanMap == nil {
		return errs.New("shell.deposit_script", errs.KindInvalidArg, "snapshot has no embedded scan map")
	}
	raw := bytesToWords(snap.RawScanData)
	for _, v := range snap.ScanMap.Variables {
		value := wire.ExtractVariable(raw, v.Offset, v.Width)
		fmt.Fprintf(sh.out, "deposit %s %d 0x%x\n", v.HDLPath, v.Width, value)
	}
	return nil
}

func (sh *Shell) loadSnapshot(path string) (*wire.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap("shell.load_snapshot", errs.KindInvalidArg, err)
	}
	return wire.DecodeSnapshot(data)
}

func (sh *Shell) cmdRead(args []string) error {
	if len(args) == 0 {
		return errs.New("shell.read", errs.KindInvalidArg, "usage: read <addr-hex>")
	}
	addr, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 32)
	if err != nil {
		return errs.New("shell.read", errs.KindInvalidArg, "bad address: "+args[0])
	}
	v, err := sh.ctx.Transport().Read32(uint32(addr))
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "0x%08x = 0x%08x\n", addr, v)
	return nil
}

func (sh *Shell) cmdWrite(args []string) error {
	if len(args) < 2 {
		return errs.New("shell.write", errs.KindInvalidArg, "usage: write <addr-hex> <value-hex>")
	}
	addr, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 32)
	if err != nil {
		return errs.New("shell.write", errs.KindInvalidArg, "bad address: "+args[0])
	}
	val, err := strconv.ParseUint(strings.TrimPrefix(args[1], "0x"), 16, 32)
	if err != nil {
		return errs.New("shell.write", errs.KindInvalidArg, "bad value: "+args[1])
	}
	return sh.ctx.Transport().Write32(uint32(addr), uint32(val))
}

// cmdLoadmem reads a serialized MemMap file and replaces the shell's memory
// map. It only stores the map; no shell command preloads memories from it.
func (sh *Shell) cmdLoadmem(args []string) error {
	if len(args) == 0 {
		return errs.New("shell.loadmem", errs.KindInvalidArg, "usage: loadmem <file>")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return errs.Wrap("shell.loadmem", errs.KindInvalidArg, err)
	}
	m, err := wire.DecodeMemMap(data)
	if err != nil {
		return err
	}
	sh.memMap = m
	return nil
}

func (sh *Shell) cmdHelp() error {
	fmt.Fprintln(sh.out, "commands: run stop step status dump inspect deposit_script read write reset loadmem couple decouple help exit")
	return nil
}

// loadScanMapFile reads and decodes a ScanMap file from workDir, returning
// nil (not an error) if the file does not exist — the scan map is optional
// per §4.6 step 8.
func loadScanMapFile(workDir, name string) (*wire.ScanMap, error) {
	path := filepath.Join(workDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap("shell.load_scan_map", errs.KindInvalidArg, err)
	}
	return wire.DecodeScanMap(data)
}

// loadMemMapFile reads and decodes an optional MemMap file from workDir.
func loadMemMapFile(workDir, name string) (*wire.MemMap, error) {
	path := filepath.Join(workDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap("shell.load_mem_map", errs.KindInvalidArg, err)
	}
	return wire.DecodeMemMap(data)
}

// LoadWorkDir loads scan_map and mem_map (if present) from the loader's
// working directory, per §4.6 step 8.
func (sh *Shell) LoadWorkDir(workDir string) error {
	sm, err := loadScanMapFile(workDir, "scan_map.bin")
	if err != nil {
		return err
	}
	sh.LoadScanMap(sm)

	mm, err := loadMemMapFile(workDir, "mem_map.bin")
	if err != nil {
		return err
	}
	sh.LoadMemMap(mm)
	return nil
}
