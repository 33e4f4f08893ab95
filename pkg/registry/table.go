package registry

import (
	"sync"
	"time"
)

// ConnState is the gateway's view of one device's connection.
type ConnState struct {
	SessionID     string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

// Table is a keyed store of per-device connection state. The outer lock only
// guards the map structure; each entry carries its own lock, so concurrent
// operations on different devices never contend.
type Table struct {
	mu    sync.RWMutex
	cells map[string]*cell
}

type cell struct {
	mu    sync.Mutex
	state ConnState
}

// NewTable constructs an empty connection table.
func NewTable() *Table {
	return &Table{cells: make(map[string]*cell)}
}

func (t *Table) cell(device string) *cell {
	t.mu.RLock()
	c, ok := t.cells[device]
	t.mu.RUnlock()
	if ok {
		return c
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok = t.cells[device]; ok {
		return c
	}
	c = &cell{}
	t.cells[device] = c
	return c
}

// Connect records a new session for the device and returns the session id it
// supersedes, if any.
func (t *Table) Connect(device, sessionID string) (superseded string) {
	c := t.cell(device)
	c.mu.Lock()
	defer c.mu.Unlock()
	superseded = c.state.SessionID
	now := time.Now()
	c.state = ConnState{SessionID: sessionID, ConnectedAt: now, LastHeartbeat: now}
	return superseded
}

// Disconnect clears the device's entry if sessionID still owns it. A stale
// session that was already superseded must not clobber its successor.
func (t *Table) Disconnect(device, sessionID string) bool {
	c := t.cell(device)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.SessionID != sessionID {
		return false
	}
	c.state = ConnState{}
	return true
}

// Heartbeat records a liveness signal for the device.
func (t *Table) Heartbeat(device string) {
	c := t.cell(device)
	c.mu.Lock()
	c.state.LastHeartbeat = time.Now()
	c.mu.Unlock()
}

// Lookup returns the device's connection state and whether a session exists.
func (t *Table) Lookup(device string) (ConnState, bool) {
	c := t.cell(device)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.state.SessionID != ""
}

// Connected returns the number of devices with a live session.
func (t *Table) Connected() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, c := range t.cells {
		c.mu.Lock()
		if c.state.SessionID != "" {
			n++
		}
		c.mu.Unlock()
	}
	return n
}

// Stale returns devices whose last heartbeat is older than timeout, along
// with the owning session ids. Only connected devices are reported.
func (t *Table) Stale(now time.Time, timeout time.Duration) map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	stale := make(map[string]string)
	for device, c := range t.cells {
		c.mu.Lock()
		if c.state.SessionID != "" && now.Sub(c.state.LastHeartbeat) > timeout {
			stale[device] = c.state.SessionID
		}
		c.mu.Unlock()
	}
	return stale
}
