package sidechannel

import (
	"errors"
	"strings"
	"testing"
	"time"
)

type testMessage struct {
	topic   string
	payload []byte
}

func (m testMessage) Duplicate() bool   { return false }
func (m testMessage) Qos() byte         { return 0 }
func (m testMessage) Retained() bool    { return false }
func (m testMessage) Topic() string     { return m.topic }
func (m testMessage) MessageID() uint16 { return 0 }
func (m testMessage) Payload() []byte   { return m.payload }
func (m testMessage) Ack()              {}

type counts struct {
	parse int
	drops int
}

func (c *counts) IncParseErrors(string) { c.parse++ }
func (c *counts) IncDrops(string)       { c.drops++ }

func TestDecodeReference(t *testing.T) {
	ref, err := DecodeReference([]byte(`{"timestamp_ms":1714557600250,"ul_bytes":18342}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ref.ULBytes != 18342 || !ref.At.Equal(time.UnixMilli(1714557600250)) {
		t.Fatalf("unexpected reference %+v", ref)
	}
	zero, err := DecodeReference([]byte(`{"timestamp_ms":1714557600250,"ul_bytes":0}`))
	if err != nil || zero.ULBytes != 0 {
		t.Fatalf("zero ul_bytes must be accepted: %+v %v", zero, err)
	}

	bad := []string{
		`{"ul_bytes":10}`,
		`{"timestamp_ms":1714557600250}`,
		`{"timestamp_ms":1714557600250,"ul_bytes":-1}`,
		`not json`,
	}
	for _, payload := range bad {
		if _, err := DecodeReference([]byte(payload)); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("payload %s: expected ErrInvalidMessage, got %v", payload, err)
		}
	}
}

func TestDecodeControl(t *testing.T) {
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	ctl, err := DecodeControl([]byte(`{"event":"cell_changed","cell_id":7}`), at)
	if err != nil || ctl.Event != EventCellChanged || ctl.Cell != 7 || !ctl.At.Equal(at) {
		t.Fatalf("unexpected cell change %+v err=%v", ctl, err)
	}
	ctl, err = DecodeControl([]byte(`{"event":"device_disconnected"}`), at)
	if err != nil || ctl.Event != EventDeviceDisconnected {
		t.Fatalf("unexpected disconnect %+v err=%v", ctl, err)
	}
	if _, err := DecodeControl([]byte(`{"event":"cell_changed"}`), at); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected missing cell_id to fail, got %v", err)
	}
	if _, err := DecodeControl([]byte(`{"event":"reboot"}`), at); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected unknown event to fail, got %v", err)
	}
}

func TestRouteSplitsTopics(t *testing.T) {
	c := NewClient(Options{Topic: "ref", ControlTopic: "ctl"})
	c.route(nil, testMessage{topic: "ref", payload: []byte(`{"timestamp_ms":1000,"ul_bytes":5}`)})
	c.route(nil, testMessage{topic: "ctl", payload: []byte(`{"event":"device_disconnected"}`)})

	select {
	case ref := <-c.References():
		if ref.ULBytes != 5 {
			t.Fatalf("unexpected reference %+v", ref)
		}
	default:
		t.Fatalf("expected a reference sample")
	}
	select {
	case ctl := <-c.Controls():
		if ctl.Event != EventDeviceDisconnected {
			t.Fatalf("unexpected control %+v", ctl)
		}
	default:
		t.Fatalf("expected a control signal")
	}
	if snap := c.HealthSnapshot(); snap.Controls != 1 || snap.LastSampleAt.IsZero() || snap.Connected {
		t.Fatalf("unexpected health %+v", snap)
	}
}

func TestOversizeAndQueueDrops(t *testing.T) {
	sink := &counts{}
	c := NewClient(Options{Topic: "ref", QueueSize: 1, MaxPayloadSize: 64, Counters: sink})
	now := time.Now().UTC()
	c.handleReference([]byte(`{"timestamp_ms":1000,"ul_bytes":1}`), now)
	c.handleReference([]byte(`{"timestamp_ms":2000,"ul_bytes":1}`), now)
	c.handleReference([]byte(`{"timestamp_ms":3000,"ul_bytes":1,"pad":"`+strings.Repeat("x", 64)+`"}`), now)
	c.handleReference([]byte(`{}`), now)

	snap := c.HealthSnapshot()
	if snap.Drops != 2 || snap.PayloadTooLarge != 1 || snap.ParseErrors != 1 || snap.QueueLen != 1 {
		t.Fatalf("unexpected health %+v", snap)
	}
	if sink.drops != 2 || sink.parse != 1 {
		t.Fatalf("counters not forwarded: %+v", sink)
	}
}
