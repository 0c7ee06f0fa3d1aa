package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	loom "github.com/zarubaf/loom-sub000"
	"github.com/zarubaf/loom-sub000/internal/logging"
)

func main() {
	var (
		workDir   = flag.String("work", "", "working directory produced by the compile tool (required)")
		svLib     = flag.String("sv_lib", "", "user DPI image name, searched as NAME.so then libNAME.so")
		simBin    = flag.String("sim", "", "simulator executable")
		script    = flag.String("f", "", "run commands from this file, exit when exhausted")
		endpoint  = flag.String("s", "", "override endpoint path (default /tmp/<prefix>_<pid>.sock)")
		transport = flag.String("t", "socket", "transport: socket or xdma")
		device    = flag.String("d", "", "device path or bus address for the xdma transport")
		timeoutNs = flag.Int64("timeout", 0, "passed to the simulator child, in nanoseconds")
		noSim     = flag.Bool("no-sim", false, "attach to an existing endpoint instead of spawning one")
		verbose   = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	if *workDir == "" {
		fmt.Fprintln(os.Stderr, "loom-host: -work is required")
		flag.Usage()
		os.Exit(2)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	signal.Ignore(syscall.SIGPIPE)

	cfg := loom.Config{
		WorkDir:   *workDir,
		SvLib:     *svLib,
		SimBinary: *simBin,
		Endpoint:  *endpoint,
		Transport: *transport,
		Device:    *device,
		TimeoutNs: *timeoutNs,
		NoSim:     *noSim,
		Logger:    logger,
	}

	ctx := context.Background()
	host, err := loom.Open(ctx, cfg)
	if err != nil {
		logger.Fatal("bootstrap failed", "error", err)
		os.Exit(1)
	}

	var runErr error
	if *script != "" {
		f, openErr := os.Open(*script)
		if openErr != nil {
			logger.Fatal("could not open script", "path", *script, "error", openErr)
			host.Close(1)
			os.Exit(1)
		}
		runErr = host.Shell.RunScript(f)
		f.Close()
	} else {
		runErr = host.Shell.REPL(os.Stdin)
	}

	exited, exitCode := host.Shell.ExitRequested()
	if runErr != nil {
		logger.Fatal("shell terminated", "error", runErr)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	if !exited && runErr == nil {
		exitCode = 0
	}

	if closeErr := host.Close(int32(exitCode)); closeErr != nil {
		logger.Error("teardown error", "error", closeErr)
	}

	os.Exit(coerceExitCode(exitCode))
}

// coerceExitCode maps 141 (SIGPIPE) to 0: the peer closing the connection
// first is normal shutdown, not failure.
func coerceExitCode(code int) int {
	if code == 141 {
		return 0
	}
	return code
}
