// Package eldwire implements the raw telemetry frame format spoken by
// PT30/KD032 class ELD hardware over the notification link.
package eldwire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame layout, 14 bytes:
//
//	0     start flag 0x7E
//	1     frame type (0x01 = telemetry)
//	2-3   speed, big endian, mph x10
//	4-5   engine RPM, big endian
//	6     fuel level, percent
//	7-10  odometer, big endian, miles
//	11    duty status
//	12    checksum, sum of bytes 0-11 mod 256
//	13    end flag 0x7F
const (
	FrameLength = 14

	StartFlag = 0x7E
	EndFlag   = 0x7F

	TypeTelemetry = 0x01
)

var (
	ErrBadLength   = errors.New("eldwire: bad frame length")
	ErrBadFlag     = errors.New("eldwire: bad start or end flag")
	ErrBadType     = errors.New("eldwire: unknown frame type")
	ErrBadChecksum = errors.New("eldwire: checksum mismatch")
)

// DutyStatus is the duty status byte carried at offset 11
type DutyStatus byte

const (
	DutyOffDuty          DutyStatus = 1
	DutySleeperBerth     DutyStatus = 2
	DutyDriving          DutyStatus = 3
	DutyOnDutyNotDriving DutyStatus = 4
)

// String returns the canonical duty status name
func (d DutyStatus) String() string {
	switch d {
	case DutyOffDuty:
		return "off_duty"
	case DutySleeperBerth:
		return "sleeper_berth"
	case DutyDriving:
		return "driving"
	case DutyOnDutyNotDriving:
		return "on_duty_not_driving"
	default:
		return "unknown"
	}
}

// Frame is one decoded telemetry frame
type Frame struct {
	SpeedMph      float64
	EngineRPM     uint16
	FuelLevelPct  uint8
	OdometerMiles uint32
	DutyStatus    DutyStatus
}

// Marshal encodes the frame into its 14-byte wire form
func (f *Frame) Marshal() ([]byte, error) {
	tenths := f.SpeedMph * 10
	if tenths < 0 || tenths > 65535 {
		return nil, fmt.Errorf("eldwire: speed %.1f mph out of range", f.SpeedMph)
	}
	if f.FuelLevelPct > 100 {
		return nil, fmt.Errorf("eldwire: fuel level %d%% out of range", f.FuelLevelPct)
	}

	b := make([]byte, FrameLength)
	b[0] = StartFlag
	b[1] = TypeTelemetry
	binary.BigEndian.PutUint16(b[2:4], uint16(tenths+0.5))
	binary.BigEndian.PutUint16(b[4:6], f.EngineRPM)
	b[6] = f.FuelLevelPct
	binary.BigEndian.PutUint32(b[7:11], f.OdometerMiles)
	b[11] = byte(f.DutyStatus)
	b[12] = checksum(b[:12])
	b[13] = EndFlag

	return b, nil
}

// UnmarshalFrame decodes a 14-byte wire frame
func UnmarshalFrame(b []byte) (*Frame, error) {
	if len(b) != FrameLength {
		return nil, fmt.Errorf("%w: got %d bytes", ErrBadLength, len(b))
	}
	if b[0] != StartFlag || b[13] != EndFlag {
		return nil, ErrBadFlag
	}
	if b[1] != TypeTelemetry {
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadType, b[1])
	}
	if b[12] != checksum(b[:12]) {
		return nil, fmt.Errorf("%w: got 0x%02x want 0x%02x", ErrBadChecksum, b[12], checksum(b[:12]))
	}

	return &Frame{
		SpeedMph:      float64(binary.BigEndian.Uint16(b[2:4])) / 10,
		EngineRPM:     binary.BigEndian.Uint16(b[4:6]),
		FuelLevelPct:  b[6],
		OdometerMiles: binary.BigEndian.Uint32(b[7:11]),
		DutyStatus:    DutyStatus(b[11]),
	}, nil
}

// checksum sums the header and payload bytes mod 256
func checksum(b []byte) byte {
	var sum int
	for _, c := range b {
		sum += int(c)
	}
	return byte(sum % 256)
}
