package peripheral

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Rearmer restarts advertising. *Machine implements it.
type Rearmer interface {
	Rearm() error
}

// SupervisorOptions configures the advertising retry policy.
type SupervisorOptions struct {
	BaseDelay time.Duration // first retry delay, doubled per attempt
	MaxDelay  time.Duration // cap on the retry delay
}

// DefaultSupervisorOptions returns 1s doubling up to 30s.
func DefaultSupervisorOptions() SupervisorOptions {
	return SupervisorOptions{
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
	}
}

// Supervisor retries advertising after the machine reported
// ErrAdvertisingStart, backing off between attempts.
type Supervisor struct {
	target  Rearmer
	opts    SupervisorOptions
	trigger chan struct{}
	log     logrus.FieldLogger
}

// NewSupervisor returns a supervisor for target.
func NewSupervisor(target Rearmer, opts SupervisorOptions, log logrus.FieldLogger) *Supervisor {
	def := DefaultSupervisorOptions()
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = def.BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = def.MaxDelay
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Supervisor{
		target:  target,
		opts:    opts,
		trigger: make(chan struct{}, 1),
		log:     log.WithField("component", "supervisor"),
	}
}

// Trigger schedules a recovery. Triggers arriving during a recovery are
// coalesced into at most one more.
func (s *Supervisor) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run serves triggers until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.trigger:
			s.recover(ctx)
		}
	}
}

func (s *Supervisor) recover(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		delay := backoffDelay(attempt, s.opts.BaseDelay, s.opts.MaxDelay)
		s.log.WithFields(logrus.Fields{"attempt": attempt + 1, "delay": delay}).Info("Advertising retry scheduled")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := s.target.Rearm(); err != nil {
			s.log.WithError(err).WithField("attempt", attempt+1).Warn("Advertising retry failed")
			continue
		}
		s.log.WithField("attempt", attempt+1).Info("Advertising recovered")
		return
	}
}

// backoffDelay returns base*2^attempt capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
