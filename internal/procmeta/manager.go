package procmeta

import "sync"

// DefaultCapacity bounds the number of cached processes.
const DefaultCapacity = 4096

// entry is what was read for one process instance. start is its start
// time from /proc/<pid>/stat, zero when that could not be read.
type entry struct {
	start    uint64
	metadata *ProcessMetadata
	err      error
}

// Manager caches process metadata by PID and process start time, so a
// recycled PID is read afresh.
// It is safe for concurrent use.
type Manager struct {
	root     string
	capacity int

	mu      sync.RWMutex
	entries map[uint32]entry // PID -> latest instance seen
	order   []uint32         // insertion order, oldest first
}

// NewManager returns a Manager reading from root. An empty root means
// DefaultProcRoot and a non-positive capacity means DefaultCapacity.
func NewManager(root string, capacity int) *Manager {
	if root == "" {
		root = DefaultProcRoot
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{
		root:     root,
		capacity: capacity,
		entries:  make(map[uint32]entry),
	}
}

// Lookup returns the metadata of the process currently running as pid,
// reading /proc on a miss. A failed read is cached like a successful one.
//
// The cached entry is served while pid still has the start time it was
// read with, or once the process has exited and its start time can no
// longer be read. A different start time means the PID was recycled and
// the new process is read.
func (m *Manager) Lookup(pid uint32) (*ProcessMetadata, error) {
	start, _ := readStartTime(m.root, pid)

	m.mu.RLock()
	e, ok := m.entries[pid]
	m.mu.RUnlock()
	if ok && (start == 0 || e.start == start) {
		return e.metadata, e.err
	}

	md, err := Read(m.root, pid)
	m.store(pid, entry{start: start, metadata: md, err: err})
	return md, err
}

// Len returns the number of cached PIDs.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// store caches e for pid, evicting the oldest PIDs to make room.
func (m *Manager) store(pid uint32, e entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[pid]; !ok {
		for len(m.entries) >= m.capacity && len(m.order) > 0 {
			oldest := m.order[0]
			m.order = m.order[1:]
			delete(m.entries, oldest)
		}
		m.order = append(m.order, pid)
	}
	m.entries[pid] = e
}
