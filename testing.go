package loom

import (
	"context"
	"sync"

	"github.com/zarubaf/loom-sub000/internal/transport"
)

// MockTransport is an in-memory register file implementing transport.Transport,
// for external test code that exercises a Context/Service/Shell without a
// real simulator or device. It also counts reads, writes and waits (see
// CallCounts), and is exported for consumers building on top of this module.
type MockTransport struct {
	mu        sync.RWMutex
	regs      map[uint32]uint32
	connected bool
	irqQueue  []uint32
	irqSupport bool

	readCalls  int
	writeCalls int
	waitCalls  int
}

// NewMockTransport creates an empty, disconnected MockTransport.
func NewMockTransport() *MockTransport {
	return &MockTransport{regs: make(map[uint32]uint32)}
}

// Connect implements transport.Transport; it never fails.
func (m *MockTransport) Connect(ctx context.Context, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Disconnect implements transport.Transport.
func (m *MockTransport) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// Read32 implements transport.Transport.
func (m *MockTransport) Read32(addr uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls++
	return m.regs[addr], nil
}

// Write32 implements transport.Transport.
func (m *MockTransport) Write32(addr uint32, val uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeCalls++
	m.regs[addr] = val
	return nil
}

// WaitIrq implements transport.Transport, returning masks queued via
// QueueIrq in FIFO order, or NotSupported whenever none are queued
// (regardless of SetIrqSupport).
func (m *MockTransport) WaitIrq() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waitCalls++
	if len(m.irqQueue) == 0 {
		return 0, NewError("mock_transport.wait_irq", KindNotSupported, "no queued irq")
	}
	v := m.irqQueue[0]
	m.irqQueue = m.irqQueue[1:]
	return v, nil
}

// HasIrqSupport implements transport.Transport.
func (m *MockTransport) HasIrqSupport() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.irqSupport
}

// IsConnected implements transport.Transport.
func (m *MockTransport) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// SetReg directly sets a register, bypassing call tracking; useful for
// seeding peer state before a test runs.
func (m *MockTransport) SetReg(addr uint32, val uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[addr] = val
}

// Reg reads a register directly, bypassing call tracking.
func (m *MockTransport) Reg(addr uint32) uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.regs[addr]
}

// QueueIrq appends a pending-mask value WaitIrq will return, in order, and
// marks the transport as interrupt-capable.
func (m *MockTransport) QueueIrq(mask uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.irqSupport = true
	m.irqQueue = append(m.irqQueue, mask)
}

// SetIrqSupport overrides HasIrqSupport independent of any queued irqs.
func (m *MockTransport) SetIrqSupport(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.irqSupport = v
}

// CallCounts returns how many times each operation has been invoked.
func (m *MockTransport) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{
		"read":  m.readCalls,
		"write": m.writeCalls,
		"wait":  m.waitCalls,
	}
}

// Reset clears call counters without touching register state.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls = 0
	m.writeCalls = 0
	m.waitCalls = 0
}

var _ transport.Transport = (*MockTransport)(nil)

// MockDpiCallback records every invocation of a canned DPI callback, for
// tests that need to assert a native function was called with the expected
// arguments without dlopening a real shared object.
type MockDpiCallback struct {
	mu      sync.Mutex
	calls   [][]uint32
	Result  uint64
	OutData []uint32
}

// NewMockDpiCallback returns a MockDpiCallback that always returns result
// and writes outData into the caller-supplied out slice (truncated/padded
// as needed).
func NewMockDpiCallback(result uint64, outData []uint32) *MockDpiCallback {
	return &MockDpiCallback{Result: result, OutData: outData}
}

// Callback is the dpi.Callback-shaped function to register in a dispatch
// table entry.
func (c *MockDpiCallback) Callback(args []uint32, out []uint32) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	recorded := append([]uint32(nil), args...)
	c.calls = append(c.calls, recorded)
	n := len(out)
	if n > len(c.OutData) {
		n = len(c.OutData)
	}
	copy(out[:n], c.OutData[:n])
	return c.Result
}

// Calls returns every argument slice the callback was invoked with, in order.
func (c *MockDpiCallback) Calls() [][]uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]uint32(nil), c.calls...)
}

// CallCount returns the number of times Callback has been invoked.
func (c *MockDpiCallback) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}
