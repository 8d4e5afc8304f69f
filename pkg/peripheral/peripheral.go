package peripheral

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Config holds the peripheral timing and advertising settings.
type Config struct {
	Advertising  AdvertisingParams
	UpdatePeriod time.Duration
	Supervisor   SupervisorOptions
}

// Status is a snapshot for dashboards.
type Status struct {
	State      State         `json:"state"`
	Conn       ConnHandle    `json:"conn"`
	Subscribed bool          `json:"subscribed"`
	Notifier   NotifierStats `json:"notifier"`
}

// Peripheral wires the tracker, state machine, notifier and supervisor
// around one transport.
type Peripheral struct {
	Tracker    *Tracker
	Machine    *Machine
	Notifier   *Notifier
	Supervisor *Supervisor

	log logrus.FieldLogger
}

// New builds a peripheral notifying on the measurement value handle.
func New(transport Transport, measurement AttrHandle, source Source, cfg Config, log logrus.FieldLogger, observers ...Observer) *Peripheral {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	tracker := NewTracker(measurement)
	opts := []Option{WithLogger(log)}
	for _, o := range observers {
		opts = append(opts, WithObserver(o))
	}
	machine := NewMachine(transport, tracker, cfg.Advertising, opts...)

	return &Peripheral{
		Tracker:    tracker,
		Machine:    machine,
		Notifier:   NewNotifier(tracker, transport, source, cfg.UpdatePeriod, log),
		Supervisor: NewSupervisor(machine, cfg.Supervisor, log),
		log:        log,
	}
}

// Run starts advertising, then processes events and ticks the notifier
// until ctx is done or events is closed. A failure of the first
// advertisement is returned as a startup error.
func (p *Peripheral) Run(ctx context.Context, events <-chan Event) error {
	if err := p.Machine.Start(); err != nil {
		return fmt.Errorf("initial advertising: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Notifier.Run(ctx) })
	g.Go(func() error { return p.Supervisor.Run(ctx) })
	g.Go(func() error { return p.pump(ctx, events) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, errEventsClosed) {
		return nil
	}
	return err
}

var errEventsClosed = errors.New("peripheral: event stream closed")

func (p *Peripheral) pump(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errEventsClosed
			}
			if err := p.Machine.Dispatch(ev); err != nil {
				if errors.Is(err, ErrAdvertisingStart) {
					p.Supervisor.Trigger()
					continue
				}
				return err
			}
		}
	}
}

// Status returns a snapshot of the whole peripheral.
func (p *Peripheral) Status() Status {
	ts := p.Tracker.Snapshot()
	return Status{
		State:      p.Machine.State(),
		Conn:       ts.Conn,
		Subscribed: ts.Subscribed,
		Notifier:   p.Notifier.Stats(),
	}
}
