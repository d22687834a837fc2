package dht

// Status of a DHT instance.
type Status int

// Statuses.
const (
	Stopped Status = iota
	Initializing
	Running
)

var statusStrings = map[Status]string{
	Stopped:      "Stopped",
	Initializing: "Initializing",
	Running:      "Running",
}

func (s Status) String() string {
	return statusStrings[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type statusChange struct {
	newStatus, oldStatus Status
}

// setStatus changes the status and notifies listeners if it is different than the current one.
// It must not be called with mLifecycle held; use queueStatus there.
func (d *DHT) setStatus(s Status) {
	d.queueStatus(s)
	d.notifyStatus()
}

// queueStatus changes the status. Listeners are not called until notifyStatus.
func (d *DHT) queueStatus(s Status) {
	d.mStatus.Lock()
	defer d.mStatus.Unlock()
	if d.status == s {
		return
	}
	old := d.status
	d.status = s
	d.pendingStatus = append(d.pendingStatus, statusChange{s, old})
	d.log.Debugf("status changed: %s -> %s", old, s)
}

// notifyStatus delivers queued changes in order. Only one goroutine delivers at a time,
// other callers and listeners that change the status leave their changes to it.
func (d *DHT) notifyStatus() {
	d.mStatus.Lock()
	if d.notifying {
		d.mStatus.Unlock()
		return
	}
	d.notifying = true
	for len(d.pendingStatus) > 0 {
		c := d.pendingStatus[0]
		d.pendingStatus = d.pendingStatus[1:]
		d.mStatus.Unlock()
		for _, l := range d.statusListeners.snapshot() {
			l(c.newStatus, c.oldStatus)
		}
		d.mStatus.Lock()
	}
	d.notifying = false
	d.mStatus.Unlock()
}

// Status returns the current status.
func (d *DHT) Status() Status {
	d.mStatus.Lock()
	defer d.mStatus.Unlock()
	return d.status
}
