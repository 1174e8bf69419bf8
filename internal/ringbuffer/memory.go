package ringbuffer

import (
	"os"
	"sync"
	"time"
)

// Memory is an in-process Source fed by Push. It stands in for a kernel
// buffer when replaying captured records or exercising consumers.
type Memory struct {
	mu       sync.Mutex
	queue    []Record
	deadline time.Time
	closed   bool
	failure  error
	notify   chan struct{}
}

// NewMemory returns a Memory source preloaded with samples.
func NewMemory(samples ...[]byte) *Memory {
	m := &Memory{notify: make(chan struct{}, 1)}
	for _, s := range samples {
		m.Push(s)
	}
	return m
}

// Push appends a sample.
func (m *Memory) Push(sample []byte) {
	m.PushRecord(Record{RawSample: sample})
}

// PushRecord appends a record, including lost-sample notifications.
func (m *Memory) PushRecord(rec Record) {
	m.mu.Lock()
	m.queue = append(m.queue, rec)
	m.mu.Unlock()
	m.wake()
}

// Fail makes the next Read that finds the queue empty return err.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	m.failure = err
	m.mu.Unlock()
	m.wake()
}

// Pending returns the number of unread records.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Memory) SetDeadline(t time.Time) {
	m.mu.Lock()
	m.deadline = t
	m.mu.Unlock()
}

func (m *Memory) Read() (Record, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return Record{}, ErrClosed
		}
		if len(m.queue) > 0 {
			rec := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return rec, nil
		}
		if m.failure != nil {
			err := m.failure
			m.mu.Unlock()
			return Record{}, err
		}
		deadline := m.deadline
		m.mu.Unlock()

		if deadline.IsZero() {
			<-m.notify
			continue
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return Record{}, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(wait)
		select {
		case <-m.notify:
			timer.Stop()
		case <-timer.C:
			return Record{}, os.ErrDeadlineExceeded
		}
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
	return nil
}

func (m *Memory) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
