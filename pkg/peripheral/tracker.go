package peripheral

import "sync"

// Tracker holds the single live connection and whether the measurement
// characteristic is subscribed on it. All methods are safe for concurrent
// use.
type Tracker struct {
	mu          sync.RWMutex
	measurement AttrHandle
	conn        ConnHandle
	notify      bool
}

// TrackerStatus is a point-in-time copy of the tracker state.
type TrackerStatus struct {
	Conn       ConnHandle `json:"conn"`
	Subscribed bool       `json:"subscribed"`
}

// NewTracker returns a tracker for the measurement characteristic value
// handle, with no connection.
func NewTracker(measurement AttrHandle) *Tracker {
	return &Tracker{measurement: measurement, conn: NoConnection}
}

// OnConnected records conn. A previously recorded connection is dropped
// together with its subscription.
func (t *Tracker) OnConnected(conn ConnHandle) (replaced ConnHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	replaced = t.conn
	t.conn = conn
	t.notify = false
	return replaced
}

// OnDisconnected clears the connection and its subscription.
func (t *Tracker) OnDisconnected() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.conn = NoConnection
	t.notify = false
}

// OnSubscribeEvent applies a subscription change. Events for other
// characteristics, or arriving with no live connection, are ignored and
// reported as not applied.
func (t *Tracker) OnSubscribeEvent(attr AttrHandle, enabled bool) (applied bool) {
	if attr != t.measurement {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == NoConnection {
		return false
	}
	t.notify = enabled
	return true
}

// MayNotify reports whether a notification may be sent now.
func (t *Tracker) MayNotify() bool {
	_, ok := t.Target()
	return ok
}

// Target returns the connection to notify, if notifying is allowed.
func (t *Tracker) Target() (ConnHandle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.conn == NoConnection || !t.notify {
		return NoConnection, false
	}
	return t.conn, true
}

// Measurement returns the tracked characteristic value handle.
func (t *Tracker) Measurement() AttrHandle {
	return t.measurement
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() TrackerStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return TrackerStatus{Conn: t.conn, Subscribed: t.notify}
}
