package transport

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/zarubaf/loom-sub000/internal/errs"
	"github.com/zarubaf/loom-sub000/internal/logging"
)

var busAddressPattern = regexp.MustCompile(`^[0-9a-fA-F]{4}:[0-9a-fA-F]{2}:[0-9a-fA-F]{2}\.[0-9a-fA-F]$`)

// MemMap is the FPGA transport variant: either a memory-mapped register
// window (window mode) or positional pread/pwrite at the 32-bit address
// (positional mode), with an optional sibling event descriptor for
// interrupt-blocking wait_irq.
type MemMap struct {
	mu        sync.Mutex
	fd        int
	window    []byte // non-nil in window mode
	connected bool
	eventFd   int // >=0 if an event descriptor was opened, -1 otherwise
	logger    *logging.Logger
}

// NewMemMap constructs an unconnected MemMap transport.
func NewMemMap(logger *logging.Logger) *MemMap {
	if logger == nil {
		logger = logging.Default()
	}
	return &MemMap{fd: -1, eventFd: -1, logger: logger}
}

// resolveTarget rewrites a bus-address-like target (e.g. "0000:17:00.0")
// to its canonical sysfs resource path, and reports whether the resolved
// path should be treated as a window-mode mapping target.
func resolveTarget(target string) (path string, windowMode bool) {
	if busAddressPattern.MatchString(target) {
		return "/sys/bus/pci/devices/" + target + "/resource0", true
	}
	if strings.HasPrefix(target, "/sys/") || strings.Contains(target, "resource") {
		return target, true
	}
	return target, false
}

func (m *MemMap) Connect(ctx context.Context, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, windowMode := resolveTarget(target)

	if windowMode {
		fd, err := unix.Open(path, unix.O_RDWR, 0)
		if err != nil {
			return errs.Wrap("memmap.connect", errs.KindTransport, err)
		}
		st, err := unix.Fstat(fd)
		if err != nil {
			unix.Close(fd)
			return errs.Wrap("memmap.connect", errs.KindTransport, err)
		}
		size := int(st.Size)
		if size == 0 {
			size = 1 << 16 // resource files report size 0 under sysfs; use a conservative default window
		}
		data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			unix.Close(fd)
			return errs.Wrap("memmap.connect", errs.KindTransport, err)
		}
		m.fd = fd
		m.window = data
		m.connected = true
		m.logger.Debug("memmap transport connected (window mode)", "target", path, "size", size)
		return nil
	}

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return errs.Wrap("memmap.connect", errs.KindTransport, err)
	}
	m.fd = fd
	m.connected = true
	m.logger.Debug("memmap transport connected (positional mode)", "target", path)

	if eventPath := eventSiblingPath(path); eventPath != "" {
		if efd, err := unix.Open(eventPath, unix.O_RDONLY, 0); err == nil {
			m.eventFd = efd
			m.logger.Debug("memmap transport found event descriptor", "path", eventPath)
		}
	}
	return nil
}

// eventSiblingPath derives the sibling event-descriptor path by substituting
// a "_event" suffix before the file extension, or appending one if there is
// no extension. Returns "" for an empty path.
func eventSiblingPath(path string) string {
	if path == "" {
		return ""
	}
	if idx := strings.LastIndex(path, "."); idx > strings.LastIndex(path, "/") {
		return path[:idx] + "_event" + path[idx:]
	}
	return path + "_event"
}

func (m *MemMap) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnectLocked()
}

func (m *MemMap) disconnectLocked() error {
	if !m.connected {
		return nil
	}
	m.connected = false
	var firstErr error
	if m.window != nil {
		if err := unix.Munmap(m.window); err != nil {
			firstErr = err
		}
		m.window = nil
	}
	if m.fd >= 0 {
		unix.Close(m.fd)
		m.fd = -1
	}
	if m.eventFd >= 0 {
		unix.Close(m.eventFd)
		m.eventFd = -1
	}
	if firstErr != nil {
		return errs.Wrap("memmap.disconnect", errs.KindTransport, firstErr)
	}
	return nil
}

func (m *MemMap) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MemMap) HasIrqSupport() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eventFd >= 0
}

func (m *MemMap) Read32(addr uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return 0, errs.New("memmap.read32", errs.KindNotConnected, "not connected")
	}
	if m.window != nil {
		idx := int(addr)
		if idx+4 > len(m.window) {
			return 0, errs.New("memmap.read32", errs.KindInvalidArg, "address out of window bounds")
		}
		return loadLE32(m.window[idx : idx+4]), nil
	}
	var buf [4]byte
	n, err := unix.Pread(m.fd, buf[:], int64(addr))
	if err != nil {
		return 0, errs.Wrap("memmap.read32", errs.KindTransport, err)
	}
	if n != 4 {
		return 0, errs.New("memmap.read32", errs.KindTransport, "short pread")
	}
	return loadLE32(buf[:]), nil
}

func (m *MemMap) Write32(addr uint32, val uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return errs.New("memmap.write32", errs.KindNotConnected, "not connected")
	}
	if m.window != nil {
		idx := int(addr)
		if idx+4 > len(m.window) {
			return errs.New("memmap.write32", errs.KindInvalidArg, "address out of window bounds")
		}
		storeLE32(m.window[idx:idx+4], val)
		return nil
	}
	var buf [4]byte
	storeLE32(buf[:], val)
	n, err := unix.Pwrite(m.fd, buf[:], int64(addr))
	if err != nil {
		return errs.Wrap("memmap.write32", errs.KindTransport, err)
	}
	if n != 4 {
		return errs.New("memmap.write32", errs.KindTransport, "short pwrite")
	}
	return nil
}

// WaitIrq blocks reading a u32 event count from the sibling event
// descriptor. Returns NotSupported if no event descriptor was found at
// connect time; callers must fall back to polling in that case.
func (m *MemMap) WaitIrq() (uint32, error) {
	m.mu.Lock()
	fd := m.eventFd
	connected := m.connected
	m.mu.Unlock()

	if !connected {
		return 0, errs.New("memmap.wait_irq", errs.KindNotConnected, "not connected")
	}
	if fd < 0 {
		return 0, errs.New("memmap.wait_irq", errs.KindNotSupported, "no event descriptor")
	}

	var buf [4]byte
	read := 0
	for read < 4 {
		n, err := unix.Read(fd, buf[read:])
		read += n
		if err == nil {
			continue
		}
		if err == unix.EINTR {
			if read == 0 {
				return 0, errs.New("memmap.wait_irq", errs.KindInterrupted, "signal before any byte read")
			}
			continue
		}
		return 0, errs.Wrap("memmap.wait_irq", errs.KindTransport, err)
	}
	return loadLE32(buf[:]), nil
}

func loadLE32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func storeLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

var _ Transport = (*MemMap)(nil)
