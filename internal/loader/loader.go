// Package loader implements bootstrap: dlopen sequencing for the
// dispatch-table and user DPI images, optional simulator child process
// spawn with endpoint polling, transport/Context construction, and manifest
// verification. This is process lifecycle glue; it consumes interfaces
// produced by external collaborators (the RTL toolchain's register map,
// the dispatch-table code generator) rather than implementing them.
package loader

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/zarubaf/loom-sub000/internal/constants"
	"github.com/zarubaf/loom-sub000/internal/dpi"
	"github.com/zarubaf/loom-sub000/internal/errs"
	"github.com/zarubaf/loom-sub000/internal/hostctx"
	"github.com/zarubaf/loom-sub000/internal/logging"
	"github.com/zarubaf/loom-sub000/internal/transport"
	"github.com/zarubaf/loom-sub000/internal/wire"
)

// nativeDpiEntry mirrors the C-ABI layout of one loom_dpi_funcs[] element
// produced by the dispatch-table code generator: a dense array of fixed-size
// records, one per function, with a uniform native callback signature
// (uint32_t* args, uint32_t* out) -> uint64_t regardless of that function's
// actual arity, so a single purego binding shape covers every entry.
type nativeDpiEntry struct {
	FuncID      uint32
	NamePtr     uintptr
	NArgs       uint32
	RetWidth    uint32
	CallAtInit  uint32
	OutArgWords uint32
	Fn          uintptr
}

const nativeDpiEntrySize = uintptr(unsafe.Sizeof(nativeDpiEntry{}))

// Images holds the two dlopen handles acquired at startup. They are held
// for the process lifetime and released last, after disconnect, so that
// code still servicing in-flight frames is never unloaded underneath it.
type Images struct {
	Dispatch uintptr // 0 if no dispatch image was configured
	User     uintptr // 0 if no -sv_lib image was configured
}

// Close dlcloses both handles, dispatch last since user code may still
// reference dispatch-exported helpers during its own teardown.
func (im *Images) Close() error {
	var firstErr error
	if im.User != 0 {
		if err := purego.Dlclose(im.User); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if im.Dispatch != 0 {
		if err := purego.Dlclose(im.Dispatch); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LoadOrder dlopens the dispatch image (if present) with lazy binding and
// global symbol visibility so it exports the helpers user code depends on,
// then dlopens the user DPI image (if requested) with eager binding and
// global visibility so dispatch-resolved helpers satisfy the user image's
// references and the user image's exported symbols satisfy the dispatch
// wrappers' unresolved externs. The reverse order fails: user code would
// reference unresolved helpers that don't exist yet.
func LoadOrder(dispatchPath, userPath string) (*Images, error) {
	im := &Images{}
	if dispatchPath != "" {
		h, err := purego.Dlopen(dispatchPath, purego.RTLD_LAZY|purego.RTLD_GLOBAL)
		if err != nil {
			return nil, errs.Wrap("loader.dlopen_dispatch", errs.KindTransport, err)
		}
		im.Dispatch = h
	}
	if userPath != "" {
		path, err := resolveUserLib(userPath)
		if err != nil {
			return nil, err
		}
		h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			im.Close()
			return nil, errs.Wrap("loader.dlopen_user", errs.KindTransport, err)
		}
		im.User = h
	}
	return im, nil
}

// resolveUserLib implements the -sv_lib search rule: an absolute path is
// used as-is; otherwise NAME.so then libNAME.so are tried in the working
// directory.
func resolveUserLib(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	candidates := []string{name + ".so", "lib" + name + ".so"}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", errs.New("loader.resolve_user_lib", errs.KindInvalidArg,
		fmt.Sprintf("could not find %s among %v", name, candidates))
}

// ReadDispatchTable resolves loom_dpi_funcs/loom_dpi_n_funcs from the
// dispatch image and builds the dpi.Func entries the Service will register.
// Each entry's Callback marshals through the uniform native ABI described
// on nativeDpiEntry.
func ReadDispatchTable(im *Images) ([]*dpi.Func, error) {
	if im.Dispatch == 0 {
		return nil, nil
	}
	nFuncsSym, err := purego.Dlsym(im.Dispatch, "loom_dpi_n_funcs")
	if err != nil {
		return nil, errs.Wrap("loader.dlsym_n_funcs", errs.KindTransport, err)
	}
	funcsSym, err := purego.Dlsym(im.Dispatch, "loom_dpi_funcs")
	if err != nil {
		return nil, errs.Wrap("loader.dlsym_funcs", errs.KindTransport, err)
	}

	n := *(*uint32)(unsafe.Pointer(nFuncsSym))
	entries := make([]*dpi.Func, 0, n)
	base := funcsSym
	for i := uint32(0); i < n; i++ {
		raw := (*nativeDpiEntry)(unsafe.Pointer(base + uintptr(i)*nativeDpiEntrySize))
		entries = append(entries, &dpi.Func{
			FuncID:      raw.FuncID,
			Name:        cString(raw.NamePtr),
			NArgs:       raw.NArgs,
			RetWidth:    raw.RetWidth,
			CallAtInit:  raw.CallAtInit != 0,
			OutArgWords: raw.OutArgWords,
			Callback:    nativeCallback(raw.Fn),
		})
	}
	return entries, nil
}

// LoadDpiTable reads the optional dpi_table.bin the compile tool writes
// alongside scan_map.bin/mem_map.bin. A missing file is not an error: the
// cross-check is advisory, and older work directories may not carry one.
func LoadDpiTable(workDir string) (*wire.DpiTable, error) {
	data, err := os.ReadFile(filepath.Join(workDir, "dpi_table.bin"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap("loader.load_dpi_table", errs.KindInvalidArg, err)
	}
	t, err := wire.DecodeDpiTable(data)
	if err != nil {
		return nil, errs.Wrap("loader.load_dpi_table", errs.KindInvalidArg, err)
	}
	return t, nil
}

// CrossCheckDispatchTable compares the dlopen-resolved dispatch table
// against the compile tool's own record of it, logging loud warnings on any
// discrepancy (missing/extra entries, arg count or call_at_init mismatches).
// Like VerifyManifest, this never returns an error: a stale or absent
// dpi_table.bin does not prevent the host from running with whatever the
// dispatch image actually exports.
func CrossCheckDispatchTable(entries []*dpi.Func, table *wire.DpiTable, logger *logging.Logger) {
	if table == nil {
		return
	}
	resolved := make(map[uint32]*dpi.Func, len(entries))
	for _, e := range entries {
		resolved[e.FuncID] = e
	}
	seen := make(map[uint32]bool, len(table.Entries))
	for _, want := range table.Entries {
		seen[want.FuncID] = true
		got, ok := resolved[want.FuncID]
		if !ok {
			logger.Warn("dpi_table.bin declares a function the dispatch image does not export",
				"func_id", want.FuncID, "name", want.Name)
			continue
		}
		if got.Name != want.Name {
			logger.Warn("dpi function name mismatch against dpi_table.bin",
				"func_id", want.FuncID, "table_name", want.Name, "resolved_name", got.Name)
		}
		if got.NArgs != want.NArgs {
			logger.Warn("dpi function arg count mismatch against dpi_table.bin",
				"func_id", want.FuncID, "table_n_args", want.NArgs, "resolved_n_args", got.NArgs)
		}
		if got.CallAtInit != want.CallAtInit {
			logger.Warn("dpi function call_at_init mismatch against dpi_table.bin",
				"func_id", want.FuncID, "table_call_at_init", want.CallAtInit, "resolved_call_at_init", got.CallAtInit)
		}
	}
	for id := range resolved {
		if !seen[id] {
			logger.Warn("dispatch image exports a function dpi_table.bin does not declare", "func_id", id)
		}
	}
}

// nativeCallback adapts one dlsym'd native function pointer to dpi.Callback
// by marshaling the Go slices into the fixed (args*, out*) -> u64 ABI via
// purego.RegisterFunc.
func nativeCallback(fn uintptr) dpi.Callback {
	var bound func(argsPtr, outPtr uintptr) uint64
	purego.RegisterFunc(&bound, fn)
	return func(args []uint32, out []uint32) uint64 {
		var argsPtr, outPtr uintptr
		if len(args) > 0 {
			argsPtr = uintptr(unsafe.Pointer(&args[0]))
		}
		if len(out) > 0 {
			outPtr = uintptr(unsafe.Pointer(&out[0]))
		}
		return bound(argsPtr, outPtr)
	}
}

// cString reads a NUL-terminated C string at ptr. Returns "" for a nil ptr.
func cString(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	var b strings.Builder
	for i := uintptr(0); ; i++ {
		c := *(*byte)(unsafe.Pointer(ptr + i))
		if c == 0 {
			break
		}
		b.WriteByte(c)
	}
	return b.String()
}

// SpawnSimulator starts the simulator child process with endpoint as an
// argument and waits up to EndpointWaitTimeout (polling every
// EndpointPollInterval) for the endpoint path to appear on disk.
func SpawnSimulator(ctx context.Context, binary, endpoint string, timeoutNs int64, logger *logging.Logger) (*exec.Cmd, error) {
	args := []string{endpoint}
	if timeoutNs > 0 {
		args = append(args, "-timeout", strconv.FormatInt(timeoutNs, 10))
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap("loader.spawn_simulator", errs.KindTransport, err)
	}

	deadline := time.Now().Add(constants.EndpointWaitTimeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(endpoint); err == nil {
			logger.Debug("simulator endpoint appeared", "endpoint", endpoint)
			return cmd, nil
		}
		time.Sleep(constants.EndpointPollInterval)
	}
	_ = cmd.Process.Kill()
	return nil, errs.New("loader.spawn_simulator", errs.KindTimeout, "endpoint did not appear: "+endpoint)
}

// DefaultEndpoint builds /tmp/<prefix>_<pid>.sock per the CLI's -s default.
func DefaultEndpoint() string {
	return fmt.Sprintf("/tmp/%s_%d.sock", constants.DefaultSockEndpointPrefix, os.Getpid())
}

// NewTransport constructs the Stream or MemMap transport the CLI's -t flag
// selected.
func NewTransport(kind string, logger *logging.Logger) (transport.Transport, error) {
	switch kind {
	case "socket", "":
		return transport.NewStream(logger), nil
	case "xdma":
		return transport.NewMemMap(logger), nil
	default:
		return nil, errs.New("loader.new_transport", errs.KindInvalidArg, "unknown transport kind: "+kind)
	}
}

// VerifyManifest compares the loaded Manifest against the peer's Context
// info, logging loud warnings on mismatch per §4.6 step 6. It never returns
// an error: mismatches are advisory, not fatal.
func VerifyManifest(m *wire.Manifest, info hostctx.DesignInfo, logger *logging.Logger) {
	if m == nil {
		return
	}
	if m.DesignHash != "" && m.DesignHash != info.DesignHashHex {
		logger.Warn("design hash mismatch: manifest does not match connected peer",
			"manifest_hash", m.DesignHash, "peer_hash", info.DesignHashHex)
	}

	manifestMajor, manifestMinor := splitVersion(m.ShellVersionHex)
	peerMajor, peerMinor := splitVersion(info.ShellVer)
	if manifestMajor != peerMajor {
		logger.Warn("shell version major mismatch",
			"manifest_version", fmt.Sprintf("0x%08x", m.ShellVersionHex),
			"peer_version", fmt.Sprintf("0x%08x", info.ShellVer))
	} else if peerMinor > manifestMinor {
		logger.Warn("peer shell version is minor-newer than manifest",
			"manifest_version", fmt.Sprintf("0x%08x", m.ShellVersionHex),
			"peer_version", fmt.Sprintf("0x%08x", info.ShellVer))
	}
}

func splitVersion(v uint32) (major, minor uint32) {
	return v >> 16, v & 0xFFFF
}
