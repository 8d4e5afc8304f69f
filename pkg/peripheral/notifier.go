package peripheral

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"argus-powermeter/pkg/cps"

	"github.com/sirupsen/logrus"
)

// NotifierStats counts notification attempts.
type NotifierStats struct {
	Sent     uint64          `json:"sent"`
	Failed   uint64          `json:"failed"`
	Last     cps.Measurement `json:"last"`
	Counters cps.Counters    `json:"counters"`
}

// Notifier encodes and sends one measurement per tick while the tracker
// allows it. Ticks while nobody is subscribed leave the crank counters
// untouched.
type Notifier struct {
	tracker   *Tracker
	transport Transport
	source    Source
	period    time.Duration
	log       logrus.FieldLogger

	mu      sync.Mutex // guards encoder and last
	encoder *cps.Encoder
	last    cps.Measurement

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewNotifier returns a notifier ticking every period.
func NewNotifier(tracker *Tracker, transport Transport, source Source, period time.Duration, log logrus.FieldLogger) *Notifier {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Notifier{
		tracker:   tracker,
		transport: transport,
		source:    source,
		period:    period,
		encoder:   cps.NewEncoder(period, cps.Counters{}),
		log:       log.WithField("component", "notifier"),
	}
}

// Tick performs one notification step and reports whether a packet was
// handed to the transport successfully. Tick is not reentrant.
func (n *Notifier) Tick() bool {
	conn, ok := n.tracker.Target()
	if !ok {
		return false
	}

	power := n.source.Power()

	n.mu.Lock()
	m := n.encoder.Encode(power)
	n.last = m
	n.mu.Unlock()

	// A disconnect racing with this send is fine: the transport rejects
	// payloads for a connection that is gone.
	if err := n.transport.SendNotification(conn, n.tracker.Measurement(), m.Bytes()); err != nil {
		n.failed.Add(1)
		n.log.WithError(err).WithField("conn", conn).Warn("Failed to send notification")
		return false
	}
	n.sent.Add(1)
	n.log.WithField("conn", conn).Debugf("Sent %s", m)
	return true
}

// Run ticks until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	n.log.WithField("period", n.period).Info("Power update task started")

	ticker := time.NewTicker(n.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.Tick()
		}
	}
}

// Stats returns the counters and the last measurement sent.
func (n *Notifier) Stats() NotifierStats {
	n.mu.Lock()
	defer n.mu.Unlock()

	return NotifierStats{
		Sent:     n.sent.Load(),
		Failed:   n.failed.Load(),
		Last:     n.last,
		Counters: n.encoder.Counters(),
	}
}
