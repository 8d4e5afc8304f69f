package ble

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-ble/ble/linux/hci/cmd"
)

const maxAdvPayload = 31

// AD types.
const (
	adFlags         = 0x01
	adComplete16    = 0x03
	adCompleteName  = 0x09
	adAppearance    = 0x19
	flagsGeneralLE  = 0x06 // LE General Discoverable, BR/EDR not supported
	advIndType      = 0x00 // connectable undirected
	advAllChannels  = 0x07
	advIntervalUnit = 625 * time.Microsecond
)

// AdvertisingData assembles the advertising and scan response payloads:
// flags, the complete 16-bit service list, appearance and the complete
// local name. The name goes to the scan response when it does not fit in
// the advertising payload.
func AdvertisingData(name string, service, appearance uint16) (ad, scanResp []byte, err error) {
	ad = appendField(ad, adFlags, []byte{flagsGeneralLE})
	ad = appendField(ad, adComplete16, binary.LittleEndian.AppendUint16(nil, service))
	ad = appendField(ad, adAppearance, binary.LittleEndian.AppendUint16(nil, appearance))

	if name == "" {
		return ad, nil, nil
	}
	nameField := appendField(nil, adCompleteName, []byte(name))
	if len(ad)+len(nameField) <= maxAdvPayload {
		return append(ad, nameField...), nil, nil
	}
	if len(nameField) > maxAdvPayload {
		return nil, nil, fmt.Errorf("%w: name %q needs %d bytes, max %d", ErrAdvertisingData, name, len(nameField), maxAdvPayload)
	}
	return ad, nameField, nil
}

func appendField(b []byte, typ byte, data []byte) []byte {
	b = append(b, byte(len(data)+1), typ)
	return append(b, data...)
}

// advParams builds connectable undirected advertising parameters.
func advParams(min, max time.Duration) cmd.LESetAdvertisingParameters {
	return cmd.LESetAdvertisingParameters{
		AdvertisingIntervalMin: uint16(min / advIntervalUnit),
		AdvertisingIntervalMax: uint16(max / advIntervalUnit),
		AdvertisingType:        advIndType,
		AdvertisingChannelMap:  advAllChannels,
	}
}
