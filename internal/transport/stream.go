package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/zarubaf/loom-sub000/internal/errs"
	"github.com/zarubaf/loom-sub000/internal/logging"
	"github.com/zarubaf/loom-sub000/internal/wire"
)

// Stream is the Unix-domain-socket transport variant: every request/response
// is a fixed 12-byte wire.Frame. Read interrupts (EINTR) mid-frame are
// retried so framing is never desynchronized. A net.Conn's Read is
// netpoller-backed, so a real SIGINT never interrupts it the way EINTR
// interrupts a raw blocking syscall; WaitIrq compensates by installing its
// own SIGINT listener for the duration of the block and forcing the read to
// return via SetReadDeadline, reporting the result as Interrupted so the
// shell can honor SIGINT at a message boundary.
type Stream struct {
	mu        sync.Mutex
	conn      net.Conn
	connected bool
	pending   uint32 // accumulated Irq bitmask seen during read32/write32 waits
	logger    *logging.Logger

	// testSigCh substitutes for the real OS-registered SIGINT channel in
	// tests, so WaitIrq's interrupt path can be driven deterministically
	// without sending an actual signal to the test process.
	testSigCh chan os.Signal
}

// NewStream constructs an unconnected Stream transport.
func NewStream(logger *logging.Logger) *Stream {
	if logger == nil {
		logger = logging.Default()
	}
	return &Stream{logger: logger}
}

func (s *Stream) Connect(ctx context.Context, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", target)
	if err != nil {
		return errs.Wrap("stream.connect", errs.KindTransport, err)
	}
	s.conn = conn
	s.connected = true
	s.pending = 0
	s.logger.Debug("stream transport connected", "target", target)
	return nil
}

func (s *Stream) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectLocked()
}

func (s *Stream) disconnectLocked() error {
	if !s.connected {
		return nil
	}
	s.connected = false
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return errs.Wrap("stream.disconnect", errs.KindTransport, err)
	}
	return nil
}

func (s *Stream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Stream) HasIrqSupport() bool { return true }

// readFrame reads exactly wire.FrameSize bytes, retrying on EINTR whether it
// fires before any byte is read or mid-frame. interrupted reports whether the
// read was aborted by WaitIrq's deadline-based SIGINT unblock before any
// byte of the frame was read; a deadline expiry mid-frame clears the
// deadline and keeps retrying so framing is never desynchronized.
func (s *Stream) readFrame() (wire.Frame, bool, error) {
	buf := make([]byte, wire.FrameSize)
	read := 0
	for read < len(buf) {
		n, err := s.conn.Read(buf[read:])
		read += n
		if err == nil {
			continue
		}
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			s.conn.SetReadDeadline(time.Time{})
			if read == 0 {
				return wire.Frame{}, true, err
			}
			continue
		}
		if errors.Is(err, io.EOF) || isBrokenPipe(err) {
			return wire.Frame{}, false, err
		}
		return wire.Frame{}, false, err
	}
	f, err := wire.DecodeFrame(buf)
	return f, false, err
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET)
}

func (s *Stream) writeAll(buf []byte) error {
	written := 0
	for written < len(buf) {
		n, err := s.conn.Write(buf[written:])
		written += n
		if err == nil {
			continue
		}
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		return err
	}
	return nil
}

// waitForResponse reads frames until ReadResp/WriteAck/Shutdown, accumulating
// any Irq frames seen along the way into s.pending.
func (s *Stream) waitForResponse(op string) (wire.Frame, error) {
	for {
		f, _, err := s.readFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || isBrokenPipe(err) {
				s.disconnectLocked()
				return wire.Frame{}, errs.New(op, errs.KindShutdown, "peer closed connection")
			}
			return wire.Frame{}, errs.Wrap(op, errs.KindTransport, err)
		}
		switch f.Type {
		case wire.FrameRead, wire.FrameWrite:
			return f, nil
		case wire.FrameIrq:
			s.pending |= f.AddrOrData
			continue
		case wire.FrameShutdown:
			s.disconnectLocked()
			return wire.Frame{}, errs.New(op, errs.KindShutdown, "peer sent Shutdown")
		default:
			s.logger.Warn("stream transport: unexpected frame type", "op", op, "type", f.Type.String())
			continue
		}
	}
}

func (s *Stream) Read32(addr uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0, errs.New("stream.read32", errs.KindNotConnected, "not connected")
	}
	if err := s.writeAll(wire.ReadRequest(addr)); err != nil {
		return 0, errs.Wrap("stream.read32", errs.KindTransport, err)
	}
	resp, err := s.waitForResponse("stream.read32")
	if err != nil {
		return 0, err
	}
	if resp.Type != wire.FrameRead {
		return 0, errs.New("stream.read32", errs.KindProtocol, "expected ReadResp")
	}
	return resp.AddrOrData, nil
}

func (s *Stream) Write32(addr uint32, val uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return errs.New("stream.write32", errs.KindNotConnected, "not connected")
	}
	if err := s.writeAll(wire.WriteRequest(addr, val)); err != nil {
		return errs.Wrap("stream.write32", errs.KindTransport, err)
	}
	resp, err := s.waitForResponse("stream.write32")
	if err != nil {
		return err
	}
	if resp.Type != wire.FrameWrite {
		return errs.New("stream.write32", errs.KindProtocol, "expected WriteAck")
	}
	return nil
}

// WaitIrq returns the accumulated pending mask if non-zero, else blocks on a
// single frame. For the duration of the block it listens for SIGINT itself
// (since a netpoller-backed Read is never interrupted by a real signal the
// way a raw blocking syscall is) and forces the read to return via
// SetReadDeadline when one arrives; a deadline expiry with zero bytes read
// yields Interrupted, so the shell's SIGINT handler can break the run loop
// at a message boundary.
func (s *Stream) WaitIrq() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0, errs.New("stream.wait_irq", errs.KindNotConnected, "not connected")
	}
	if s.pending != 0 {
		mask := s.pending
		s.pending = 0
		return mask, nil
	}

	sigCh := s.testSigCh
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT)
		defer signal.Stop(sigCh)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigCh:
			s.conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	f, interrupted, err := s.readFrame()
	if err != nil {
		if interrupted {
			return 0, errs.New("stream.wait_irq", errs.KindInterrupted, "signal before any byte read")
		}
		if errors.Is(err, io.EOF) || isBrokenPipe(err) {
			s.disconnectLocked()
			return 0, errs.New("stream.wait_irq", errs.KindShutdown, "peer closed connection")
		}
		return 0, errs.Wrap("stream.wait_irq", errs.KindTransport, err)
	}

	switch f.Type {
	case wire.FrameIrq:
		return f.AddrOrData, nil
	case wire.FrameShutdown:
		s.disconnectLocked()
		return 0, errs.New("stream.wait_irq", errs.KindShutdown, "peer sent Shutdown")
	default:
		s.logger.Warn("stream transport: unexpected frame type in wait_irq", "type", f.Type.String())
		return 0, errs.New("stream.wait_irq", errs.KindProtocol, "unexpected frame type")
	}
}

var _ Transport = (*Stream)(nil)
