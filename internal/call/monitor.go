package call

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Health is the session health indicator.
type Health string

const (
	HealthUnknown  Health = "unknown"
	HealthGood     Health = "good"
	HealthDegraded Health = "degraded"
	HealthLost     Health = "lost"
)

// Signal is what the monitor reports to the session.
type Signal int

const (
	// SignalHealthy: connected and at least one inbound track producing media.
	SignalHealthy Signal = iota + 1
	// SignalMediaStalled: connected, but no inbound media within the grace period.
	SignalMediaStalled
	// SignalMediaResumed: inbound media flows again after a stall.
	SignalMediaResumed
	// SignalConnectivityLost: the transport failed, or stayed disconnected too long.
	SignalConnectivityLost
)

func (s Signal) String() string {
	switch s {
	case SignalHealthy:
		return "healthy"
	case SignalMediaStalled:
		return "media-stalled"
	case SignalMediaResumed:
		return "media-resumed"
	case SignalConnectivityLost:
		return "connectivity-lost"
	}
	return "unknown"
}

// actorTimer is a clock timer whose callback runs on the owning actor. A
// stale firing, one that raced with a disarm, is ignored by generation.
type actorTimer struct {
	t   *clock.Timer
	gen int
}

func (a *actorTimer) armed() bool { return a.t != nil }

func (a *actorTimer) arm(clk clock.Clock, post func(func()), d time.Duration, fn func()) {
	a.disarm()
	gen := a.gen
	a.t = clk.AfterFunc(d, func() {
		post(func() {
			if a.gen != gen {
				return
			}
			a.t = nil
			fn()
		})
	})
}

func (a *actorTimer) disarm() {
	if a.t != nil {
		a.t.Stop()
		a.t = nil
	}
	a.gen++
}

// Monitor turns transport connectivity and inbound track activity into
// session signals. It is not safe for concurrent use: the session calls it
// from its actor, and its timers post back into the same actor.
type Monitor struct {
	clk        clock.Clock
	post       func(func())
	emit       func(Signal)
	grace      time.Duration
	disconnect time.Duration

	conn    ConnState
	active  map[string]bool
	health  Health
	healthy bool
	stalled bool

	graceTimer actorTimer
	discTimer  actorTimer
}

// NewMonitor returns a monitor. post runs a function on the owning actor;
// emit is called on the actor with every signal.
func NewMonitor(clk clock.Clock, post func(func()), emit func(Signal), grace, disconnect time.Duration) *Monitor {
	return &Monitor{
		clk:        clk,
		post:       post,
		emit:       emit,
		grace:      grace,
		disconnect: disconnect,
		conn:       ConnNew,
		active:     make(map[string]bool),
		health:     HealthUnknown,
	}
}

func (m *Monitor) Health() Health  { return m.health }
func (m *Monitor) Conn() ConnState { return m.conn }
func (m *Monitor) Stalled() bool   { return m.stalled }

// OnConnState feeds a connectivity change.
func (m *Monitor) OnConnState(s ConnState) {
	prev := m.conn
	m.conn = s
	switch {
	case s.Up():
		m.discTimer.disarm()
		if prev == ConnDisconnected && m.health == HealthDegraded && !m.stalled {
			m.health = HealthUnknown
		}
		m.evaluate()
	case s == ConnDisconnected:
		m.healthy = false
		m.graceTimer.disarm()
		m.health = HealthDegraded
		if !m.discTimer.armed() {
			m.discTimer.arm(m.clk, m.post, m.disconnect, func() {
				if !m.conn.Up() {
					m.lost()
				}
			})
		}
	case s == ConnFailed:
		m.lost()
	case s == ConnClosed:
		m.healthy = false
		m.graceTimer.disarm()
		m.discTimer.disarm()
	}
}

// OnTrack feeds an inbound track muted/unmuted transition.
func (m *Monitor) OnTrack(trackID string, active bool) {
	if active {
		m.active[trackID] = true
	} else {
		delete(m.active, trackID)
	}
	if m.flowing() && m.stalled {
		m.stalled = false
		m.emit(SignalMediaResumed)
	}
	if !m.flowing() {
		m.healthy = false
	}
	m.evaluate()
}

// Rearm clears a stall the user acknowledged and watches for media again.
func (m *Monitor) Rearm() {
	m.stalled = false
	m.graceTimer.disarm()
	m.evaluate()
}

// Reset forgets connectivity for a new negotiation epoch. Inbound tracks
// survive an ICE restart, so their activity is kept.
func (m *Monitor) Reset() {
	m.graceTimer.disarm()
	m.discTimer.disarm()
	m.conn = ConnNew
	m.healthy = false
	m.stalled = false
	m.health = HealthUnknown
}

// Stop disarms every timer.
func (m *Monitor) Stop() {
	m.graceTimer.disarm()
	m.discTimer.disarm()
}

func (m *Monitor) flowing() bool { return len(m.active) > 0 }

func (m *Monitor) evaluate() {
	if !m.conn.Up() {
		return
	}
	if m.flowing() {
		m.graceTimer.disarm()
		m.health = HealthGood
		if !m.healthy {
			m.healthy = true
			m.emit(SignalHealthy)
		}
		return
	}
	if m.stalled || m.graceTimer.armed() {
		return
	}
	m.graceTimer.arm(m.clk, m.post, m.grace, func() {
		if m.conn.Up() && !m.flowing() {
			m.stalled = true
			m.health = HealthDegraded
			m.emit(SignalMediaStalled)
		}
	})
}

func (m *Monitor) lost() {
	m.healthy = false
	m.graceTimer.disarm()
	m.discTimer.disarm()
	m.health = HealthLost
	m.emit(SignalConnectivityLost)
}
