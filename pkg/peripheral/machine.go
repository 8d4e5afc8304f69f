package peripheral

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrAdvertisingStart wraps a transport failure to start advertising.
	// The machine does not retry by itself; see Supervisor.
	ErrAdvertisingStart = errors.New("peripheral: start advertising")
	// ErrAlreadyConnected is returned by Start while a central is connected.
	ErrAlreadyConnected = errors.New("peripheral: already connected")
)

// State is the advertising/connection state of the peripheral.
type State int

const (
	Idle State = iota
	Advertising
	Connected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Advertising:
		return "advertising"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText makes State readable in JSON status documents.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Idle, Advertising, Connected} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("peripheral: unknown state %q", b)
}

// Transition describes one processed event. Event is nil for Start and
// Rearm requests.
type Transition struct {
	From  State
	To    State
	Event Event
	At    time.Time
}

// Observer is called after every processed event, with the machine lock
// held. It must not block or call back into the machine.
type Observer func(Transition)

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Machine) { m.log = log }
}

// WithObserver adds a transition observer.
func WithObserver(o Observer) Option {
	return func(m *Machine) { m.observers = append(m.observers, o) }
}

// WithClock overrides the transition timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine drives the peripheral through Idle, Advertising and Connected.
// Every path that loses the connection re-arms advertising.
type Machine struct {
	mu        sync.Mutex
	state     State
	tracker   *Tracker
	transport Transport
	adv       AdvertisingParams
	log       logrus.FieldLogger
	observers []Observer
	now       func() time.Time
}

// NewMachine returns an Idle machine.
func NewMachine(transport Transport, tracker *Tracker, adv AdvertisingParams, opts ...Option) *Machine {
	m := &Machine{
		state:     Idle,
		tracker:   tracker,
		transport: transport,
		adv:       adv,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		m.log = l
	}
	m.log = m.log.WithField("component", "gap")
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start requests advertising. From Idle it moves to Advertising; while
// Advertising it re-issues the advertisement.
func (m *Machine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Connected {
		return ErrAlreadyConnected
	}
	from := m.state
	err := m.advertise()
	m.notify(from, nil)
	return err
}

// Rearm restarts advertising unless a central is connected. Supervisors
// call it after a failed restart.
func (m *Machine) Rearm() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Connected {
		return nil
	}
	from := m.state
	err := m.advertise()
	m.notify(from, nil)
	return err
}

// Dispatch processes one transport event. The returned error is always an
// ErrAdvertisingStart wrap; the event itself has been applied.
func (m *Machine) Dispatch(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	var err error

	switch e := ev.(type) {
	case ConnectEstablished:
		err = m.onConnect(e)
	case Disconnected:
		err = m.onDisconnect(e)
	case AdvertisingComplete:
		m.log.WithField("reason", e.Reason).Info("Advertising complete")
		if m.state == Advertising {
			err = m.advertise()
		}
	case SubscriptionChanged:
		if m.tracker.OnSubscribeEvent(e.Attr, e.Notify) {
			m.log.WithField("enabled", e.Notify).Info("Power measurement notifications changed")
		} else {
			m.log.WithFields(logrus.Fields{"attr": e.Attr, "enabled": e.Notify}).Debug("Subscribe event ignored")
		}
	case ConnParamsUpdated:
		m.log.WithFields(logrus.Fields{"conn": e.Conn, "status": e.Status}).Debug("Connection updated")
	case MTUUpdated:
		m.log.WithFields(logrus.Fields{"conn": e.Conn, "mtu": e.MTU}).Debug("MTU updated")
	case NotifyTxFailed:
		m.log.WithFields(logrus.Fields{"conn": e.Conn, "attr": e.Attr}).WithError(e.Err).Info("Notification not delivered")
	default:
		m.log.Debugf("Unhandled event %T", ev)
	}

	m.notify(from, ev)
	return err
}

func (m *Machine) onConnect(e ConnectEstablished) error {
	log := m.log.WithFields(logrus.Fields{"conn": e.Conn, "status": e.Status})

	if !e.Success() {
		log.Info("Connection failed")
		if m.state == Connected {
			// The live link is unaffected by a failed attempt.
			return nil
		}
		m.tracker.OnDisconnected()
		return m.advertise()
	}

	if replaced := m.tracker.OnConnected(e.Conn); replaced != NoConnection && replaced != e.Conn {
		log.WithField("replaced", replaced).Warn("New connection replaces the recorded one")
	}
	m.state = Connected
	log.Info("Connection established")
	return nil
}

func (m *Machine) onDisconnect(e Disconnected) error {
	log := m.log.WithFields(logrus.Fields{"conn": e.Conn, "reason": e.Reason})

	if live := m.tracker.Snapshot().Conn; live != NoConnection && live != e.Conn {
		log.WithField("live", live).Debug("Disconnect for a replaced connection ignored")
		return nil
	}
	log.Info("Disconnected from peer")

	m.tracker.OnDisconnected()
	if m.state == Connected {
		// If restarting fails below, the peripheral is neither connected
		// nor discoverable.
		m.state = Idle
	}
	return m.advertise()
}

// advertise issues StartAdvertising and moves to Advertising on success.
// On failure the state is left unchanged. Caller holds mu.
func (m *Machine) advertise() error {
	if err := m.transport.StartAdvertising(m.adv); err != nil {
		m.log.WithError(err).Error("Failed to start advertising")
		return fmt.Errorf("%w: %w", ErrAdvertisingStart, err)
	}
	m.state = Advertising
	m.log.WithField("name", m.adv.DeviceName).Info("Advertising started")
	return nil
}

func (m *Machine) notify(from State, ev Event) {
	if len(m.observers) == 0 {
		return
	}
	t := Transition{From: from, To: m.state, Event: ev, At: m.now()}
	for _, o := range m.observers {
		o(t)
	}
}
