// Package cps holds the Cycling Power profile constants and the wire
// encoding of the Cycling Power Measurement characteristic.
package cps

// Assigned numbers used by the Cycling Power Sensor.
const (
	ServiceUUID16        uint16 = 0x1818 // Cycling Power
	MeasurementUUID16    uint16 = 0x2A63 // Cycling Power Measurement
	FeatureUUID16        uint16 = 0x2A65 // Cycling Power Feature
	SensorLocationUUID16 uint16 = 0x2A5D // Sensor Location

	// AppearanceCyclingPowerSensor is the GAP appearance advertised by the sensor.
	AppearanceCyclingPowerSensor uint16 = 0x0483
)

// Measurement flags.
const (
	FlagCrankRevolutionDataPresent uint16 = 0x0020
)

// Feature bits of the Cycling Power Feature characteristic.
const (
	FeatureCrankRevolutionDataSupported uint32 = 1 << 3
)

// Sensor locations.
const (
	SensorLocationLeftCrank byte = 0x0D
)

// TicksPerSecond is the resolution of the last crank event time field.
const TicksPerSecond = 1024

// FeatureValue returns the 4-byte little endian Cycling Power Feature value.
func FeatureValue() []byte {
	f := FeatureCrankRevolutionDataSupported
	return []byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
}

// SensorLocationValue returns the single byte Sensor Location value.
func SensorLocationValue() []byte {
	return []byte{SensorLocationLeftCrank}
}
