// Package loom is the public API for the host-side runtime of a
// cycle-accurate hardware emulation platform: it drives a simulated or
// FPGA-resident hardware design over a register-level transport and
// services the foreign function calls the design raises back into the
// host process.
package loom

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/zarubaf/loom-sub000/internal/constants"
	"github.com/zarubaf/loom-sub000/internal/dpi"
	"github.com/zarubaf/loom-sub000/internal/hostctx"
	"github.com/zarubaf/loom-sub000/internal/loader"
	"github.com/zarubaf/loom-sub000/internal/logging"
	"github.com/zarubaf/loom-sub000/internal/shell"
	"github.com/zarubaf/loom-sub000/internal/wire"
)

// Config describes one bootstrap of the host runtime, mirroring the CLI's
// flag surface so library callers and the cmd/loom-host entrypoint share a
// single code path.
type Config struct {
	WorkDir     string // required: dispatch image, scan_map, mem_map, manifest
	SvLib       string // user DPI image name, "" if none
	SimBinary   string // simulator executable, "" if NoSim
	Endpoint    string // override endpoint path, "" for the default
	Transport   string // "socket" or "xdma"
	Device      string // device/resource path for the xdma transport
	TimeoutNs   int64  // passed to the simulator child
	NoSim       bool   // attach to an existing endpoint instead of spawning one
	Logger      *logging.Logger
	Observer    dpi.Observer // metrics sink; defaults to a *MetricsObserver over Host.Metrics
}

// Host is one bootstrapped session: dlopen'd images, a connected Context, a
// registered DpiService, and a Shell ready to drive a REPL or script. The
// zero value is not usable; construct with Open.
type Host struct {
	cfg     Config
	logger  *logging.Logger
	images  *loader.Images
	ctx     *hostctx.Context
	svc     *dpi.Service
	Shell   *shell.Shell
	Metrics *Metrics

	cmd      *exec.Cmd
	endpoint string
	ownsEndpoint bool
}

// Open runs the full bootstrap sequence: dlopen order, optional simulator
// spawn, transport construction, Context connect, manifest verification,
// dispatch table registration, and scan_map/mem_map loading. The returned
// Host is ready for a Shell REPL/script.
func Open(ctx context.Context, cfg Config) (*Host, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	endpoint := cfg.Endpoint
	ownsEndpoint := false
	if endpoint == "" {
		endpoint = loader.DefaultEndpoint()
		ownsEndpoint = true
	}

	dispatchPath := filepath.Join(cfg.WorkDir, "dispatch.so")
	if _, err := os.Stat(dispatchPath); os.IsNotExist(err) {
		dispatchPath = ""
	}
	images, err := loader.LoadOrder(dispatchPath, cfg.SvLib)
	if err != nil {
		return nil, err
	}

	h := &Host{cfg: cfg, logger: logger, images: images, endpoint: endpoint, ownsEndpoint: ownsEndpoint}

	entries, err := loader.ReadDispatchTable(images)
	if err != nil {
		h.closeImages()
		return nil, err
	}
	if dpiTable, err := loader.LoadDpiTable(cfg.WorkDir); err == nil {
		loader.CrossCheckDispatchTable(entries, dpiTable, logger)
	} else {
		logger.Warn("could not load dpi_table.bin for cross-check", "error", err)
	}

	var cmd *exec.Cmd
	if !cfg.NoSim && cfg.SimBinary != "" {
		cmd, err = loader.SpawnSimulator(ctx, cfg.SimBinary, endpoint, cfg.TimeoutNs, logger)
		if err != nil {
			h.closeImages()
			return nil, err
		}
	}
	h.cmd = cmd

	tr, err := loader.NewTransport(cfg.Transport, logger)
	if err != nil {
		h.teardownAfterFailedConnect()
		return nil, err
	}

	target := endpoint
	if cfg.Transport == "xdma" {
		target = cfg.Device
	}

	hc := hostctx.New(tr, logger)
	if err := hc.Connect(ctx, target); err != nil {
		h.teardownAfterFailedConnect()
		return nil, err
	}
	h.ctx = hc

	if manifest, err := readManifest(cfg.WorkDir); err == nil && manifest != nil {
		loader.VerifyManifest(manifest, hc.Info(), logger)
	}

	svc := dpi.NewService(logger)
	svc.RegisterFuncs(entries)
	metrics := NewMetrics()
	obs := cfg.Observer
	if obs == nil {
		obs = NewMetricsObserver(metrics)
	}
	svc.SetObserver(obs)
	h.svc = svc
	h.Metrics = metrics

	sh := shell.New(hc, svc, logger, os.Stdout)
	if err := sh.LoadWorkDir(cfg.WorkDir); err != nil {
		h.Close(0)
		return nil, err
	}
	h.Shell = sh

	return h, nil
}

// readManifest loads manifest.txt from workDir if present; a missing
// manifest is not an error, verification is simply skipped.
func readManifest(workDir string) (*wire.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(workDir, "manifest.txt"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return wire.DecodeManifest(data)
}

func (h *Host) closeImages() {
	if h.images != nil {
		_ = h.images.Close()
	}
}

// teardownAfterFailedConnect kills a spawned child (if any) and releases
// dlopen handles when bootstrap fails after the child was started.
func (h *Host) teardownAfterFailedConnect() {
	if h.cmd != nil && h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
		_ = h.cmd.Wait()
	}
	h.closeImages()
}

// Close runs the teardown sequence from the bootstrap spec: finish(exitCode)
// to trigger peer shutdown, a short flush delay, disconnect, reap the child,
// unlink the endpoint if this Host created it, and release dlopen handles.
// Safe to call once after a successful Open.
func (h *Host) Close(exitCode int32) error {
	var firstErr error
	if h.ctx != nil {
		if err := h.ctx.Finish(exitCode); err != nil && firstErr == nil {
			firstErr = err
		}
		time.Sleep(constants.ShutdownFlushDelay)
		if err := h.ctx.Disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.cmd != nil && h.cmd.Process != nil {
		_ = h.cmd.Wait()
	}
	if h.ownsEndpoint {
		_ = os.Remove(h.endpoint)
	}
	h.closeImages()
	return firstErr
}

// Context exposes the underlying Context, e.g. for a caller driving
// operations directly instead of through Shell.
func (h *Host) Context() *hostctx.Context { return h.ctx }

// Service exposes the underlying DpiService.
func (h *Host) Service() *dpi.Service { return h.svc }
