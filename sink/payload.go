// Package sink publishes matcher decisions to downstream consumers over MQTT
// and UDP.
package sink

import (
	"errors"
	"fmt"

	"rntitrack/matching"
	"rntitrack/sample"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// UDP datagram header: 4 magic bytes, a version byte, then the JSON body.
var udpMagic = [4]byte{0x11, 0x21, 0x12, 0x22}

const (
	udpVersion    = 1
	udpHeaderSize = 5
)

var ErrBadFrame = errors.New("sink: bad frame")

// Payload is the wire form of a decision.
type Payload struct {
	Seq          uint64   `json:"seq"`
	Epoch        uint64   `json:"epoch"`
	TimestampMS  int64    `json:"timestamp_ms"`
	State        string   `json:"state"`
	Matched      bool     `json:"matched"`
	Cell         *uint32  `json:"cell_id,omitempty"`
	RNTI         *uint16  `json:"rnti,omitempty"`
	Confidence   float64  `json:"confidence"`
	Score        float64  `json:"score"`
	BestRNTI     *uint16  `json:"best_rnti,omitempty"`
	BestScore    *float64 `json:"best_score,omitempty"`
	Margin       float64  `json:"margin"`
	Scored       int      `json:"scored"`
	PreviousRNTI *uint16  `json:"previous_rnti,omitempty"`
	DominantRNTI *uint16  `json:"dominant_rnti,omitempty"`
	Reason       string   `json:"reason"`

	Allocation *AllocationPayload `json:"allocation,omitempty"`
}

// AllocationPayload is the locked RNTI's uplink allocation over the scoring
// window.
type AllocationPayload struct {
	TTIs              int     `json:"ttis"`
	ULBytes           float64 `json:"ul_bytes"`
	ULPRB             uint64  `json:"ul_prb"`
	CellULPRB         uint64  `json:"cell_ul_prb"`
	PRBShare          float64 `json:"prb_share"`
	ActiveRNTIs       int     `json:"active_rntis"`
	BitPerPRB         float64 `json:"bit_per_prb"`
	BitPerPRBCoarse   bool    `json:"bit_per_prb_coarse"`
	FairShareBitPerMS float64 `json:"fair_share_bit_per_ms"`
}

// NewPayload converts a decision and the session's dominant binding.
func NewPayload(d matching.Decision, dominant sample.Key, hasDominant bool) Payload {
	p := Payload{
		Seq:         d.Seq,
		Epoch:       d.Epoch,
		TimestampMS: d.At.UnixMilli(),
		State:       d.Phase.String(),
		Confidence:  d.Confidence,
		Score:       d.Score,
		Margin:      d.Margin,
		Scored:      d.Scored,
		Reason:      d.Reason,
	}
	if d.Phase != matching.PhaseUnlocked {
		cell, rnti := d.Key.Cell, uint16(d.Key.RNTI)
		p.Cell, p.RNTI = &cell, &rnti
	}
	_, p.Matched = d.Matched()
	if d.HasBest {
		rnti, score := uint16(d.Best.RNTI), d.BestScore
		p.BestRNTI, p.BestScore = &rnti, &score
	}
	if d.HasPrev {
		rnti := uint16(d.Previous.RNTI)
		p.PreviousRNTI = &rnti
	}
	if hasDominant {
		rnti := uint16(dominant.RNTI)
		p.DominantRNTI = &rnti
	}
	if d.HasAllocation {
		a := d.Allocation
		p.Allocation = &AllocationPayload{
			TTIs:              a.TTIs,
			ULBytes:           a.ULBytes,
			ULPRB:             a.ULPRB,
			CellULPRB:         a.CellULPRB,
			PRBShare:          a.PRBShare,
			ActiveRNTIs:       a.ActiveRNTIs,
			BitPerPRB:         a.BitPerPRB,
			BitPerPRBCoarse:   a.Coarse,
			FairShareBitPerMS: a.FairShareBitPerMS,
		}
	}
	return p
}

// EncodeJSON renders the payload body.
func EncodeJSON(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

// EncodeFrame renders a UDP datagram.
func EncodeFrame(p Payload) ([]byte, error) {
	body, err := EncodeJSON(p)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, udpHeaderSize+len(body))
	frame = append(frame, udpMagic[:]...)
	frame = append(frame, udpVersion)
	return append(frame, body...), nil
}

// DecodeFrame parses a UDP datagram produced by EncodeFrame.
func DecodeFrame(frame []byte) (Payload, error) {
	if len(frame) < udpHeaderSize {
		return Payload{}, fmt.Errorf("%w: %d bytes", ErrBadFrame, len(frame))
	}
	if [4]byte(frame[:4]) != udpMagic {
		return Payload{}, fmt.Errorf("%w: magic % x", ErrBadFrame, frame[:4])
	}
	if frame[4] != udpVersion {
		return Payload{}, fmt.Errorf("%w: version %d", ErrBadFrame, frame[4])
	}
	var p Payload
	if err := json.Unmarshal(frame[udpHeaderSize:], &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return p, nil
}
