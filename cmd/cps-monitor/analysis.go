package main

import (
	"math"
	"time"

	"argus-powermeter/pkg/cps"
)

// Jitter classification thresholds, in milliseconds of standard deviation.
const (
	lowJitterMs      = 5.0
	moderateJitterMs = 15.0
)

// Report summarises a capture of measurement notifications.
type Report struct {
	Samples int
	Mean    float64 // ms
	Min     float64 // ms
	Max     float64 // ms
	StdDev  float64 // ms

	Packets         int
	Missed          int // packets skipped according to the revolution counter
	Discontinuities int // counter pairs inconsistent with the period
	MinPower        int16
	MaxPower        int16
}

// Analyzer accumulates notifications. It is not safe for concurrent use.
type Analyzer struct {
	periodTicks uint16

	intervals []float64
	lastAt    time.Time
	last      *cps.Measurement

	packets         int
	missed          int
	discontinuities int
	minPower        int16
	maxPower        int16
}

// NewAnalyzer expects packets every period.
func NewAnalyzer(period time.Duration) *Analyzer {
	return &Analyzer{
		periodTicks: cps.PeriodTicks(period),
		minPower:    math.MaxInt16,
		maxPower:    math.MinInt16,
	}
}

// Add records one measurement received at.
func (a *Analyzer) Add(m cps.Measurement, at time.Time) {
	a.packets++
	if m.InstantaneousPower < a.minPower {
		a.minPower = m.InstantaneousPower
	}
	if m.InstantaneousPower > a.maxPower {
		a.maxPower = m.InstantaneousPower
	}

	if !a.lastAt.IsZero() {
		a.intervals = append(a.intervals, float64(at.Sub(a.lastAt).Microseconds())/1000)
	}
	a.lastAt = at

	if a.last != nil {
		// uint16 arithmetic wraps the same way the counters do.
		revs := m.CumulativeCrankRevs - a.last.CumulativeCrankRevs
		ticks := m.LastCrankEventTime - a.last.LastCrankEventTime
		switch {
		case revs == 0 || ticks != revs*a.periodTicks:
			a.discontinuities++
		case revs > 1:
			a.missed += int(revs - 1)
		}
	}
	a.last = &m
}

// Intervals returns the number of inter-packet intervals recorded.
func (a *Analyzer) Intervals() int {
	return len(a.intervals)
}

// Report computes the summary.
func (a *Analyzer) Report() Report {
	r := Report{
		Samples:         len(a.intervals),
		Packets:         a.packets,
		Missed:          a.missed,
		Discontinuities: a.discontinuities,
	}
	if a.packets > 0 {
		r.MinPower, r.MaxPower = a.minPower, a.maxPower
	}
	if len(a.intervals) == 0 {
		return r
	}

	var sum float64
	r.Min, r.Max = math.MaxFloat64, 0
	for _, v := range a.intervals {
		sum += v
		r.Min = math.Min(r.Min, v)
		r.Max = math.Max(r.Max, v)
	}
	r.Mean = sum / float64(len(a.intervals))

	var variance float64
	for _, v := range a.intervals {
		variance += math.Pow(v-r.Mean, 2)
	}
	r.StdDev = math.Sqrt(variance / float64(len(a.intervals)))
	return r
}

// Verdict grades the jitter of r.
type Verdict int

const (
	JitterLow Verdict = iota
	JitterModerate
	JitterHigh
)

func (r Report) Verdict() Verdict {
	switch {
	case r.StdDev < lowJitterMs:
		return JitterLow
	case r.StdDev < moderateJitterMs:
		return JitterModerate
	default:
		return JitterHigh
	}
}

// CountersOK reports whether every packet pair advanced the crank counters
// consistently.
func (r Report) CountersOK() bool {
	return r.Discontinuities == 0
}
