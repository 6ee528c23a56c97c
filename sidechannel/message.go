package sidechannel

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"rntitrack/sample"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Event names a control signal.
type Event string

const (
	EventCellChanged        Event = "cell_changed"
	EventDeviceDisconnected Event = "device_disconnected"
)

// Control is a session-level signal from the device side.
type Control struct {
	Event Event
	Cell  uint32 // set for EventCellChanged
	At    time.Time
}

// ErrInvalidMessage wraps every payload rejection.
var ErrInvalidMessage = errors.New("sidechannel: invalid message")

// ReferenceMessage is the device's own uplink report:
//
//	{"timestamp_ms": 1714557600000, "ul_bytes": 18342}
//
// ul_bytes counts what the device sent since its previous report, so
// timestamp_ms marks the end of the interval it covers.
type ReferenceMessage struct {
	TimestampMS int64    `json:"timestamp_ms"`
	ULBytes     *float64 `json:"ul_bytes"`
}

// ControlMessage is a session signal:
//
//	{"event": "cell_changed", "cell_id": 12345}
//
// cell_id is the serving cell's network id. It is kept with the session only.
//	{"event": "device_disconnected"}
type ControlMessage struct {
	Event  string  `json:"event"`
	CellID *uint32 `json:"cell_id,omitempty"`
}

// DecodeReference parses and validates a reference payload.
func DecodeReference(payload []byte) (sample.ReferenceSample, error) {
	var msg ReferenceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return sample.ReferenceSample{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.TimestampMS <= 0 {
		return sample.ReferenceSample{}, fmt.Errorf("%w: timestamp_ms missing", ErrInvalidMessage)
	}
	if msg.ULBytes == nil {
		return sample.ReferenceSample{}, fmt.Errorf("%w: ul_bytes missing", ErrInvalidMessage)
	}
	v := *msg.ULBytes
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return sample.ReferenceSample{}, fmt.Errorf("%w: ul_bytes %v", ErrInvalidMessage, v)
	}
	return sample.ReferenceSample{At: time.UnixMilli(msg.TimestampMS).UTC(), ULBytes: v}, nil
}

// DecodeControl parses and validates a control payload. at stamps the signal.
func DecodeControl(payload []byte, at time.Time) (Control, error) {
	var msg ControlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Control{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch Event(strings.ToLower(strings.TrimSpace(msg.Event))) {
	case EventCellChanged:
		if msg.CellID == nil {
			return Control{}, fmt.Errorf("%w: cell_changed without cell_id", ErrInvalidMessage)
		}
		return Control{Event: EventCellChanged, Cell: *msg.CellID, At: at}, nil
	case EventDeviceDisconnected:
		return Control{Event: EventDeviceDisconnected, At: at}, nil
	default:
		return Control{}, fmt.Errorf("%w: unknown event %q", ErrInvalidMessage, msg.Event)
	}
}
