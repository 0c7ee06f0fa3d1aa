// Package dpi implements the DPI dispatch core: the table of native
// callbacks a design invokes back into the host process, and the
// service/run loop that drains pending calls in ascending func_id order.
package dpi

import (
	"math/bits"
	"time"

	"github.com/zarubaf/loom-sub000/internal/constants"
	"github.com/zarubaf/loom-sub000/internal/errs"
	"github.com/zarubaf/loom-sub000/internal/hostctx"
	"github.com/zarubaf/loom-sub000/internal/logging"
	"github.com/zarubaf/loom-sub000/internal/regmap"
)

// Observer receives per-call and per-drain timing, matched structurally by
// the root package's MetricsObserver so this package never imports it.
type Observer interface {
	ObserveDpiCall(funcID uint32, latencyNs uint64, success bool)
	ObserveServiceOnce(serviced int, latencyNs uint64)
}

type noOpObserver struct{}

func (noOpObserver) ObserveDpiCall(uint32, uint64, bool) {}
func (noOpObserver) ObserveServiceOnce(int, uint64)      {}

func sleepPoll() { time.Sleep(constants.PollSleepInterval) }

// Callback is a native DPI function implementation: given the call's input
// arguments (args[0:n_args]), it fills out (len out_arg_words) and returns
// the function's scalar result.
type Callback func(args []uint32, out []uint32) uint64

// Func is one registered dispatch-table entry.
type Func struct {
	FuncID      uint32
	Name        string
	NArgs       uint32
	RetWidth    uint32
	CallAtInit  bool
	OutArgWords uint32
	Callback    Callback
}

// RunOutcome is the terminal result of Service.Run.
type RunOutcome int

const (
	RunComplete RunOutcome = iota
	RunShutdown
	RunEmuError
)

func (o RunOutcome) String() string {
	switch o {
	case RunComplete:
		return "Complete"
	case RunShutdown:
		return "Shutdown"
	case RunEmuError:
		return "EmuError"
	default:
		return "Unknown"
	}
}

// Service holds the process-wide dispatch table and drains pending DPI
// calls against a Context. Single-threaded policy: concurrent ServiceOnce
// calls on the same Service are not supported (see the runtime's
// cooperative-concurrency model).
type Service struct {
	funcs      []*Func // indexed by func_id, dense [0..n)
	errorCount uint64
	callCount  uint64
	logger     *logging.Logger
	obs        Observer
}

// NewService constructs an empty Service.
func NewService(logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{logger: logger, obs: noOpObserver{}}
}

// SetObserver installs the metrics sink ServiceOnce reports through. Pass
// nil to go back to a no-op sink.
func (s *Service) SetObserver(obs Observer) {
	if obs == nil {
		obs = noOpObserver{}
	}
	s.obs = obs
}

// RegisterFuncs installs the full dispatch table, once, after dlopen
// completes. FindFuncByID is O(1) direct indexing over this slice.
func (s *Service) RegisterFuncs(entries []*Func) {
	maxID := uint32(0)
	for _, f := range entries {
		if f.FuncID+1 > maxID {
			maxID = f.FuncID + 1
		}
	}
	s.funcs = make([]*Func, maxID)
	for _, f := range entries {
		s.funcs[f.FuncID] = f
	}
}

// FindFuncByID returns the registered Func for funcID, or nil if unregistered.
func (s *Service) FindFuncByID(funcID uint32) *Func {
	if int(funcID) >= len(s.funcs) {
		return nil
	}
	return s.funcs[funcID]
}

// AllFuncs returns the dense dispatch table, indexed by func_id; entries for
// unregistered func_ids are nil. Used by the shell's boot protocol to find
// call_at_init entries without its own copy of the table.
func (s *Service) AllFuncs() []*Func { return s.funcs }

func (s *Service) ErrorCount() uint64 { return s.errorCount }
func (s *Service) CallCount() uint64  { return s.callCount }

// ServiceOnce drains every currently-pending call once, in ascending
// func_id order, and returns the number of calls serviced.
func (s *Service) ServiceOnce(ctx *hostctx.Context) (int, error) {
	start := time.Now()
	serviced, err := s.serviceOnce(ctx)
	s.obs.ObserveServiceOnce(serviced, uint64(time.Since(start).Nanoseconds()))
	return serviced, err
}

func (s *Service) serviceOnce(ctx *hostctx.Context) (int, error) {
	mask, err := ctx.DpiPoll()
	if err != nil {
		return 0, err
	}
	if mask == 0 {
		return 0, nil
	}

	serviced := 0
	remaining := mask
	for remaining != 0 {
		i := uint32(bits.TrailingZeros32(remaining))
		remaining &^= 1 << i
		callStart := time.Now()

		fn := s.FindFuncByID(i)
		if fn == nil || fn.Callback == nil {
			if err := ctx.DpiError(i); err != nil {
				return serviced, err
			}
			s.errorCount++
			s.obs.ObserveDpiCall(i, uint64(time.Since(callStart).Nanoseconds()), false)
			s.logger.Warn("dpi: no callback registered for pending function", "func_id", i)
			continue
		}

		call, err := ctx.DpiGetCall(i)
		if err != nil {
			return serviced, err
		}

		out := make([]uint32, fn.OutArgWords)
		result := fn.Callback(call.Args[:fn.NArgs], out)

		for j, v := range out {
			if err := ctx.DpiWriteArg(i, uint32(j), v); err != nil {
				return serviced, err
			}
		}

		if err := ctx.DpiComplete(i, result); err != nil {
			return serviced, err
		}
		s.callCount++
		serviced++
		s.obs.ObserveDpiCall(i, uint64(time.Since(callStart).Nanoseconds()), true)
	}
	return serviced, nil
}

// Run drains pending DPI calls until the design freezes, errors, or the
// peer shuts down. If the transport supports interrupts, it blocks on
// WaitIrq between drains; otherwise it polls every millisecond and treats
// timeoutMs/10 consecutive idle passes (after at least one call has ever
// been serviced) as RunComplete, to keep polling-mode tests bounded.
func (s *Service) Run(ctx *hostctx.Context, timeoutMs int) (RunOutcome, error) {
	idlePasses := 0
	maxIdlePasses := timeoutMs / 10
	if maxIdlePasses < 1 {
		maxIdlePasses = 1
	}
	everServiced := s.callCount > 0

	for {
		if ctx.Transport().HasIrqSupport() {
			_, err := ctx.Transport().WaitIrq()
			if errs.Of(err, errs.KindShutdown) {
				return RunShutdown, nil
			}
			if errs.Of(err, errs.KindInterrupted) {
				continue
			}
			if err != nil {
				return RunEmuError, err
			}
		} else {
			sleepPoll()
		}

		drainedAny := false
		for {
			n, err := s.ServiceOnce(ctx)
			if err != nil {
				return RunEmuError, err
			}
			if n == 0 {
				break
			}
			drainedAny = true
		}
		if drainedAny {
			everServiced = true
			idlePasses = 0
		} else {
			idlePasses++
		}

		state, err := ctx.GetState()
		if err != nil {
			return RunEmuError, err
		}
		switch state {
		case regmap.StateFrozen:
			return RunComplete, nil
		case regmap.StateError:
			return RunEmuError, nil
		}

		if !ctx.Transport().HasIrqSupport() && everServiced && idlePasses >= maxIdlePasses {
			return RunComplete, nil
		}
	}
}
