// Package telemetry packs and unpacks location telemetry in the
// Sideband-compatible Telemeter wire format, so shared positions
// interoperate with other mesh messengers.
package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// LXMF message field identifiers.
const (
	// FieldTelemetry carries packed telemetry in an LXMF message.
	FieldTelemetry = 0x02
	// FieldIconAppearance carries the sender's map icon styling.
	FieldIconAppearance = 0x04
	// FieldColumbaMeta is the application metadata field, in the user range.
	FieldColumbaMeta = 0x70
	// LegacyLocationField is the pre-Telemeter location field kept for
	// backwards compatibility with old peers.
	LegacyLocationField = 7
)

// Telemeter sensor identifiers.
const (
	// SIDTime is the capture timestamp sensor, in whole seconds.
	SIDTime = 0x01
	// SIDLocation is the location sensor: a seven-element array of
	// big-endian packed values.
	SIDLocation = 0x02
)

// maxAccuracyCm is the largest accuracy representable in the uint16
// centimeter field; larger values are clamped.
const maxAccuracyCm = math.MaxUint16

// Location is one decoded position report.
type Location struct {
	Latitude       float64
	Longitude      float64
	AltitudeMeters float64
	SpeedMPS       float64
	BearingDegrees float64
	AccuracyMeters float64
	CapturedAt     time.Time
}

// Pack encodes a location into the Telemeter msgpack format. Coordinates are
// packed as signed microdegrees, altitude and accuracy as centimeters, speed
// as cm/s, and bearing as centidegrees, all big-endian.
func Pack(loc Location) ([]byte, error) {
	if loc.Latitude < -90 || loc.Latitude > 90 {
		return nil, fmt.Errorf("latitude %v out of range", loc.Latitude)
	}
	if loc.Longitude < -180 || loc.Longitude > 180 {
		return nil, fmt.Errorf("longitude %v out of range", loc.Longitude)
	}

	accuracyCm := int64(math.Round(loc.AccuracyMeters * 100))
	if accuracyCm < 0 {
		accuracyCm = 0
	}
	if accuracyCm > maxAccuracyCm {
		accuracyCm = maxAccuracyCm
	}

	speedCms := int64(math.Round(loc.SpeedMPS * 100))
	if speedCms < 0 {
		speedCms = 0
	}

	seconds := loc.CapturedAt.Unix()

	payload := map[int8]any{
		SIDTime: seconds,
		SIDLocation: []any{
			be32(int32(math.Round(loc.Latitude * 1e6))),
			be32(int32(math.Round(loc.Longitude * 1e6))),
			be32(int32(math.Round(loc.AltitudeMeters * 100))),
			be32u(uint32(speedCms)),
			be32(int32(math.Round(loc.BearingDegrees * 100))),
			be16u(uint16(accuracyCm)),
			be32u(uint32(seconds)),
		},
	}

	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal telemetry: %w", err)
	}
	return raw, nil
}

// Unpack decodes a Telemeter payload. It fails on non-msgpack data and on
// payloads without a location sensor.
func Unpack(raw []byte) (Location, error) {
	var payload map[int8]any
	if err := msgpack.Unmarshal(raw, &payload); err != nil {
		return Location{}, fmt.Errorf("unmarshal telemetry: %w", err)
	}

	sensor, ok := payload[SIDLocation]
	if !ok {
		return Location{}, errors.New("telemetry has no location sensor")
	}
	elements, ok := sensor.([]any)
	if !ok || len(elements) < 6 {
		return Location{}, errors.New("location sensor is malformed")
	}

	lat, err := signed32At(elements, 0)
	if err != nil {
		return Location{}, err
	}
	lon, err := signed32At(elements, 1)
	if err != nil {
		return Location{}, err
	}
	alt, err := signed32At(elements, 2)
	if err != nil {
		return Location{}, err
	}
	speed, err := unsigned32At(elements, 3)
	if err != nil {
		return Location{}, err
	}
	bearing, err := signed32At(elements, 4)
	if err != nil {
		return Location{}, err
	}
	accuracy, err := unsigned16At(elements, 5)
	if err != nil {
		return Location{}, err
	}

	loc := Location{
		Latitude:       float64(lat) / 1e6,
		Longitude:      float64(lon) / 1e6,
		AltitudeMeters: float64(alt) / 100,
		SpeedMPS:       float64(speed) / 100,
		BearingDegrees: float64(bearing) / 100,
		AccuracyMeters: float64(accuracy) / 100,
	}

	if seconds, ok := asInt64(payload[SIDTime]); ok {
		loc.CapturedAt = time.Unix(seconds, 0).UTC()
	}

	return loc, nil
}

func be32(v int32) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(v))
	return out
}

func be32u(v uint32) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, v)
	return out
}

func be16u(v uint16) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, v)
	return out
}

func bytesAt(elements []any, index int, size int) ([]byte, error) {
	raw, ok := elements[index].([]byte)
	if !ok || len(raw) != size {
		return nil, fmt.Errorf("location element %d is malformed", index)
	}
	return raw, nil
}

func signed32At(elements []any, index int) (int32, error) {
	raw, err := bytesAt(elements, index, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(raw)), nil
}

func unsigned32At(elements []any, index int) (uint32, error) {
	raw, err := bytesAt(elements, index, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(raw), nil
}

func unsigned16At(elements []any, index int) (uint16, error) {
	raw, err := bytesAt(elements, index, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(raw), nil
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case uint64:
		return int64(t), true
	case int32:
		return int64(t), true
	case uint32:
		return int64(t), true
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case uint8:
		return int64(t), true
	case int16:
		return int64(t), true
	case uint16:
		return int64(t), true
	default:
		return 0, false
	}
}
