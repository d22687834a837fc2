// Package task runs multi-step DHT operations such as iterative lookups.
// Tasks never block: they send queries and advance from response callbacks.
package task

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/dhtnode/internal/rpc"
)

// Task is a unit of asynchronous work bound to one endpoint.
type Task interface {
	ID() int64
	Info() string
	SetInfo(s string)
	// Endpoint is the transport used for all queries of the task.
	Endpoint() rpc.Endpoint
	// Start sends the first queries. It is called once by the Manager.
	Start()
	// Kill stops the task. Listeners are notified if the task was not finished yet.
	Kill()
	Finished() bool
	// AddListener registers f to be called once when the task finishes.
	// If the task is already finished f is called immediately.
	AddListener(f func(Task))
	String() string
}

var lastID atomic.Int64

type base struct {
	id       int64
	endpoint rpc.Endpoint
	self     Task

	m         sync.Mutex
	info      string
	listeners []func(Task)
	finished  bool
	killed    bool
}

func (b *base) init(self Task, e rpc.Endpoint) {
	b.id = lastID.Add(1)
	b.self = self
	b.endpoint = e
}

func (b *base) ID() int64 {
	return b.id
}

func (b *base) Endpoint() rpc.Endpoint {
	return b.endpoint
}

func (b *base) Info() string {
	b.m.Lock()
	defer b.m.Unlock()
	return b.info
}

func (b *base) SetInfo(s string) {
	b.m.Lock()
	b.info = s
	b.m.Unlock()
}

func (b *base) Finished() bool {
	b.m.Lock()
	defer b.m.Unlock()
	return b.finished
}

func (b *base) isKilled() bool {
	b.m.Lock()
	defer b.m.Unlock()
	return b.killed
}

func (b *base) AddListener(f func(Task)) {
	b.m.Lock()
	if !b.finished {
		b.listeners = append(b.listeners, f)
		b.m.Unlock()
		return
	}
	b.m.Unlock()
	f(b.self)
}

func (b *base) Kill() {
	b.m.Lock()
	b.killed = true
	b.m.Unlock()
	b.finish()
}

// finish marks the task finished and notifies listeners in registration order. Only the first call has an effect.
func (b *base) finish() {
	b.m.Lock()
	if b.finished {
		b.m.Unlock()
		return
	}
	b.finished = true
	listeners := b.listeners
	b.listeners = nil
	b.m.Unlock()
	for _, f := range listeners {
		f(b.self)
	}
}

func (b *base) describe(kind string) string {
	b.m.Lock()
	defer b.m.Unlock()
	state := "running"
	switch {
	case b.killed:
		state = "killed"
	case b.finished:
		state = "finished"
	}
	return fmt.Sprintf("#%d %s %s (%s)", b.id, kind, state, b.info)
}

// Manager queues tasks and starts them when the admission function allows.
type Manager struct {
	admit func(Task) bool

	mDequeue sync.Mutex

	m      sync.Mutex
	high   []Task
	low    []Task
	active map[int64]Task
}

// NewManager returns a Manager. admit is called without any lock held.
func NewManager(admit func(Task) bool) *Manager {
	return &Manager{
		admit:  admit,
		active: make(map[int64]Task),
	}
}

// Add queues t. High priority tasks are started before any low priority task.
func (m *Manager) Add(t Task, highPriority bool) {
	m.m.Lock()
	if highPriority {
		m.high = append(m.high, t)
	} else {
		m.low = append(m.low, t)
	}
	m.m.Unlock()
}

func (m *Manager) head() Task {
	m.m.Lock()
	defer m.m.Unlock()
	if len(m.high) > 0 {
		return m.high[0]
	}
	if len(m.low) > 0 {
		return m.low[0]
	}
	return nil
}

func (m *Manager) pop(t Task) bool {
	m.m.Lock()
	defer m.m.Unlock()
	switch {
	case len(m.high) > 0 && m.high[0] == t:
		m.high = m.high[1:]
	case len(m.low) > 0 && m.low[0] == t:
		m.low = m.low[1:]
	default:
		return false
	}
	m.active[t.ID()] = t
	return true
}

// Dequeue starts queued tasks until the queue is empty or the admission function refuses the next one.
// Tasks that were killed while queued are dropped.
// Tasks are started after the queue is released so that a task finishing inside Start may queue new tasks.
func (m *Manager) Dequeue() {
	for _, t := range m.take() {
		t.AddListener(m.finished)
		if !t.Finished() {
			t.Start()
		}
	}
}

func (m *Manager) take() []Task {
	m.mDequeue.Lock()
	defer m.mDequeue.Unlock()
	var ret []Task
	for {
		t := m.head()
		if t == nil {
			return ret
		}
		if t.Finished() {
			m.drop(t)
			continue
		}
		if !m.admit(t) {
			return ret
		}
		if !m.pop(t) {
			continue
		}
		ret = append(ret, t)
	}
}

func (m *Manager) drop(t Task) {
	m.m.Lock()
	defer m.m.Unlock()
	if len(m.high) > 0 && m.high[0] == t {
		m.high = m.high[1:]
	} else if len(m.low) > 0 && m.low[0] == t {
		m.low = m.low[1:]
	}
}

func (m *Manager) finished(t Task) {
	m.m.Lock()
	delete(m.active, t.ID())
	m.m.Unlock()
}

// Active returns the started tasks that have not finished yet.
func (m *Manager) Active() []Task {
	m.m.Lock()
	defer m.m.Unlock()
	ret := make([]Task, 0, len(m.active))
	for _, t := range m.active {
		ret = append(ret, t)
	}
	return ret
}

// NumTasks returns the number of active tasks.
func (m *Manager) NumTasks() int {
	m.m.Lock()
	defer m.m.Unlock()
	return len(m.active)
}

// NumQueued returns the number of tasks waiting to be started.
func (m *Manager) NumQueued() int {
	m.m.Lock()
	defer m.m.Unlock()
	return len(m.high) + len(m.low)
}

func (m *Manager) String() string {
	var b strings.Builder
	active := m.Active()
	fmt.Fprintf(&b, "active: %d queued: %d\n", len(active), m.NumQueued())
	for _, t := range active {
		b.WriteString("  ")
		b.WriteString(t.String())
		b.WriteString("\n")
	}
	return b.String()
}
