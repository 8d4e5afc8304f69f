package cps

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// MeasurementSize is the encoded size of a Measurement.
const MeasurementSize = 8

// ErrShortMeasurement is returned when a notification payload is too short.
var ErrShortMeasurement = errors.New("cps: measurement too short")

// Measurement is the Cycling Power Measurement notified by this sensor:
// flags, instantaneous power and crank revolution data, little endian.
type Measurement struct {
	Flags               uint16
	InstantaneousPower  int16 // watts
	CumulativeCrankRevs uint16
	LastCrankEventTime  uint16 // 1/1024 s
}

// Counters are the crank revolution counters carried by every measurement.
// Both fields wrap at 65535.
type Counters struct {
	CumulativeRevs uint16
	LastEventTime  uint16
}

// PeriodTicks converts an update period to 1/1024 second ticks.
func PeriodTicks(period time.Duration) uint16 {
	return uint16(int64(period) * TicksPerSecond / int64(time.Second))
}

// Encode advances c by one revolution and periodTicks, and returns the
// measurement carrying power and the new counter values.
func Encode(power int16, c *Counters, periodTicks uint16) Measurement {
	c.CumulativeRevs++
	c.LastEventTime += periodTicks

	return Measurement{
		Flags:               FlagCrankRevolutionDataPresent,
		InstantaneousPower:  power,
		CumulativeCrankRevs: c.CumulativeRevs,
		LastCrankEventTime:  c.LastEventTime,
	}
}

// Bytes returns the 8-byte wire form.
func (m Measurement) Bytes() []byte {
	b := make([]byte, 0, MeasurementSize)
	b = binary.LittleEndian.AppendUint16(b, m.Flags)
	b = binary.LittleEndian.AppendUint16(b, uint16(m.InstantaneousPower))
	b = binary.LittleEndian.AppendUint16(b, m.CumulativeCrankRevs)
	b = binary.LittleEndian.AppendUint16(b, m.LastCrankEventTime)
	return b
}

func (m Measurement) String() string {
	return fmt.Sprintf("power=%dW revs=%d time=%d flags=0x%04x",
		m.InstantaneousPower, m.CumulativeCrankRevs, m.LastCrankEventTime, m.Flags)
}

// ParseMeasurement decodes the fixed 8-byte layout produced by Bytes.
func ParseMeasurement(b []byte) (Measurement, error) {
	var m Measurement
	if len(b) < MeasurementSize {
		return m, fmt.Errorf("%w: %d bytes", ErrShortMeasurement, len(b))
	}
	if err := binary.Read(bytes.NewReader(b[:MeasurementSize]), binary.LittleEndian, &m); err != nil {
		return m, fmt.Errorf("cps: decode measurement: %w", err)
	}
	return m, nil
}

// ParseInstantaneousPower reads the power field of any Cycling Power
// Measurement, whatever optional fields follow it.
func ParseInstantaneousPower(b []byte) (int16, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("%w: %d bytes", ErrShortMeasurement, len(b))
	}
	return int16(binary.LittleEndian.Uint16(b[2:4])), nil
}

// Encoder owns a set of crank counters and encodes one measurement per
// delivered notification. It is not safe for concurrent use.
type Encoder struct {
	counters    Counters
	periodTicks uint16
}

// NewEncoder returns an Encoder advancing the event time by period per call.
func NewEncoder(period time.Duration, initial Counters) *Encoder {
	return &Encoder{counters: initial, periodTicks: PeriodTicks(period)}
}

// Encode builds the next measurement. Call it only for a notification that
// is actually going to be sent.
func (e *Encoder) Encode(power int16) Measurement {
	return Encode(power, &e.counters, e.periodTicks)
}

// Counters returns the current counter values.
func (e *Encoder) Counters() Counters {
	return e.counters
}

// PeriodTicks returns the event time increment per measurement.
func (e *Encoder) PeriodTicks() uint16 {
	return e.periodTicks
}
