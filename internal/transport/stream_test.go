package transport

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zarubaf/loom-sub000/internal/errs"
	"github.com/zarubaf/loom-sub000/internal/logging"
	"github.com/zarubaf/loom-sub000/internal/wire"
)

// pipeStream builds a Stream wired to one end of a net.Pipe, with the other
// end handed to the caller to act as a scripted test peer.
func pipeStream(t *testing.T) (*Stream, net.Conn) {
	t.Helper()
	client, peer := net.Pipe()
	s := &Stream{conn: client, connected: true, logger: logging.Default()}
	return s, peer
}

func readFrame(t *testing.T, conn net.Conn) wire.Frame {
	t.Helper()
	buf := make([]byte, wire.FrameSize)
	_, err := conn.Read(buf)
	require.NoError(t, err)
	f, err := wire.DecodeFrame(buf)
	require.NoError(t, err)
	return f
}

func TestStreamRead32(t *testing.T) {
	s, peer := pipeStream(t)
	defer peer.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := readFrame(t, peer)
		assert.Equal(t, wire.FrameRead, req.Type)
		assert.Equal(t, uint32(0x100), req.AddrOrData)
		peer.Write(wire.EncodeFrame(wire.Frame{Type: wire.FrameRead, AddrOrData: 0x55}))
	}()

	val, err := s.Read32(0x100)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x55), val)
	<-done
}

func TestStreamWrite32(t *testing.T) {
	s, peer := pipeStream(t)
	defer peer.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := readFrame(t, peer)
		assert.Equal(t, wire.FrameWrite, req.Type)
		assert.Equal(t, uint32(0x200), req.AddrOrData)
		assert.Equal(t, uint32(0xABCD), req.WriteData)
		peer.Write(wire.EncodeFrame(wire.Frame{Type: wire.FrameWrite}))
	}()

	err := s.Write32(0x200, 0xABCD)
	require.NoError(t, err)
	<-done
}

// TestStreamIrqAccumulation covers E6: an Irq frame interleaved between a
// Read request and its response must not be lost, and must surface on the
// next WaitIrq call exactly once.
func TestStreamIrqAccumulation(t *testing.T) {
	s, peer := pipeStream(t)
	defer peer.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		readFrame(t, peer) // the Read request
		peer.Write(wire.EncodeFrame(wire.Frame{Type: wire.FrameIrq, AddrOrData: 0b10}))
		peer.Write(wire.EncodeFrame(wire.Frame{Type: wire.FrameRead, AddrOrData: 0x55}))
	}()

	val, err := s.Read32(0x10)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x55), val)
	<-done

	mask, err := s.WaitIrq()
	require.NoError(t, err)
	assert.Equal(t, uint32(0b10), mask)
}

func TestStreamWaitIrqDirect(t *testing.T) {
	s, peer := pipeStream(t)
	defer peer.Close()

	go func() {
		peer.Write(wire.EncodeFrame(wire.Frame{Type: wire.FrameIrq, AddrOrData: 0x4}))
	}()

	mask, err := s.WaitIrq()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x4), mask)
}

func TestStreamShutdownFrame(t *testing.T) {
	s, peer := pipeStream(t)
	defer peer.Close()

	go func() {
		peer.Write(wire.EncodeFrame(wire.Frame{Type: wire.FrameShutdown}))
	}()

	_, err := s.WaitIrq()
	assert.True(t, errs.Of(err, errs.KindShutdown))
	assert.False(t, s.IsConnected())
}

func TestStreamPeerCloseIsShutdown(t *testing.T) {
	s, peer := pipeStream(t)
	peer.Close()

	_, err := s.WaitIrq()
	assert.True(t, errs.Of(err, errs.KindShutdown))
}

func TestStreamNotConnected(t *testing.T) {
	s := NewStream(nil)
	_, err := s.Read32(0)
	assert.True(t, errs.Of(err, errs.KindNotConnected))
	err = s.Write32(0, 0)
	assert.True(t, errs.Of(err, errs.KindNotConnected))
	_, err = s.WaitIrq()
	assert.True(t, errs.Of(err, errs.KindNotConnected))
}

func TestStreamHasIrqSupport(t *testing.T) {
	s := NewStream(nil)
	assert.True(t, s.HasIrqSupport())
}

// TestStreamWaitIrqInterruptedBySignal covers E3 over the Stream transport:
// a SIGINT arriving while WaitIrq is blocked on an empty pipe with no
// traffic must unblock the read and surface Interrupted, not hang forever.
// testSigCh substitutes for the real OS signal channel so the test never
// sends an actual signal to the process.
func TestStreamWaitIrqInterruptedBySignal(t *testing.T) {
	s, peer := pipeStream(t)
	defer peer.Close()

	sigCh := make(chan os.Signal, 1)
	s.testSigCh = sigCh

	resultCh := make(chan error, 1)
	go func() {
		_, err := s.WaitIrq()
		resultCh <- err
	}()

	time.Sleep(10 * time.Millisecond) // let WaitIrq block on the empty pipe
	sigCh <- os.Interrupt

	select {
	case err := <-resultCh:
		assert.True(t, errs.Of(err, errs.KindInterrupted))
	case <-time.After(time.Second):
		t.Fatal("WaitIrq did not return after simulated SIGINT")
	}
}

// TestStreamWaitIrqSurvivesInterruptThenFrame covers the case where, after
// an interrupted wait returns, a subsequent WaitIrq call on the same Stream
// still reads frames normally (the cleared read deadline does not leak into
// later calls).
func TestStreamWaitIrqSurvivesInterruptThenFrame(t *testing.T) {
	s, peer := pipeStream(t)
	defer peer.Close()

	sigCh := make(chan os.Signal, 1)
	s.testSigCh = sigCh

	resultCh := make(chan error, 1)
	go func() {
		_, err := s.WaitIrq()
		resultCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	sigCh <- os.Interrupt
	select {
	case err := <-resultCh:
		require.True(t, errs.Of(err, errs.KindInterrupted))
	case <-time.After(time.Second):
		t.Fatal("WaitIrq did not return after simulated SIGINT")
	}

	s.testSigCh = nil
	go peer.Write(wire.EncodeFrame(wire.Frame{Type: wire.FrameIrq, AddrOrData: 0x7}))

	mask, err := s.WaitIrq()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7), mask)
}
