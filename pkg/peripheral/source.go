package peripheral

import (
	"math"
	"sync/atomic"
	"time"
)

// Source supplies the instantaneous power, in watts, for the next
// notification.
type Source interface {
	Power() int16
}

// SourceFunc adapts a function to Source.
type SourceFunc func() int16

// Power calls f.
func (f SourceFunc) Power() int16 { return f() }

// SineSource synthesises Base +/- Amplitude watts over Cycle.
type SineSource struct {
	Base      int16
	Amplitude int16
	Cycle     time.Duration

	start time.Time
	now   func() time.Time
}

// NewSineSource returns a sine source whose phase starts now.
func NewSineSource(base, amplitude int16, cycle time.Duration) *SineSource {
	return &SineSource{Base: base, Amplitude: amplitude, Cycle: cycle, start: time.Now(), now: time.Now}
}

// Power returns the current point of the wave, saturated to the int16
// range.
func (s *SineSource) Power() int16 {
	if s.Cycle <= 0 {
		return s.Base
	}
	now := s.now
	if now == nil {
		now = time.Now
	}
	elapsed := now().Sub(s.start).Seconds()
	angle := 2 * math.Pi * elapsed / s.Cycle.Seconds()
	watts := float64(s.Base) + float64(s.Amplitude)*math.Sin(angle)
	return int16(math.Max(math.MinInt16, math.Min(math.MaxInt16, math.Round(watts))))
}

// ConstantSource reports a settable fixed power.
type ConstantSource struct {
	watts atomic.Int32
}

// NewConstantSource returns a source reporting watts.
func NewConstantSource(watts int16) *ConstantSource {
	s := &ConstantSource{}
	s.Set(watts)
	return s
}

// Set changes the reported power.
func (s *ConstantSource) Set(watts int16) { s.watts.Store(int32(watts)) }

// Power returns the last value set.
func (s *ConstantSource) Power() int16 { return int16(s.watts.Load()) }
