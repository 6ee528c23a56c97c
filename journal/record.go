package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"rntitrack/sample"
)

// Kind tags what a journal record carries.
type Kind uint8

const (
	KindRNTI Kind = iota + 1
	KindReference
	KindCellChanged
	KindDisconnected
)

func (k Kind) String() string {
	switch k {
	case KindRNTI:
		return "rnti"
	case KindReference:
		return "reference"
	case KindCellChanged:
		return "cell_changed"
	case KindDisconnected:
		return "device_disconnected"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Record is one ingested event. Control events carry only At and, for a cell
// change, Cell.
type Record struct {
	Kind  Kind
	At    time.Time
	Cell  uint32
	RNTI  sample.RNTI
	Value float64
	Grant sample.Grant // decoder records only
}

// FromRNTI wraps a decoder sample.
func FromRNTI(s sample.RntiSample) Record {
	return Record{Kind: KindRNTI, At: s.At, Cell: s.Cell, RNTI: s.RNTI, Value: s.Value, Grant: s.Grant}
}

// FromReference wraps a side-channel sample.
func FromReference(s sample.ReferenceSample) Record {
	return Record{Kind: KindReference, At: s.At, Value: s.ULBytes}
}

// RntiSample converts a KindRNTI record back into a sample.
func (r Record) RntiSample() sample.RntiSample {
	return sample.RntiSample{Cell: r.Cell, RNTI: r.RNTI, At: r.At, Value: r.Value, Grant: r.Grant}
}

// ReferenceSample converts a KindReference record back into a sample.
func (r Record) ReferenceSample() sample.ReferenceSample {
	return sample.ReferenceSample{At: r.At, ULBytes: r.Value}
}

// Key layout: 's' | unix nanos (8, big endian) | seq (8, big endian).
// Big endian keeps Pebble's bytewise order equal to time order.
// Value v1: kind | cell | rnti | value. v2 appends the grant: bytes (8) |
// prb (2) | cell bytes (8) | cell prb (2) | capacity (2). v1 is still read.
const (
	recordPrefix  = 's'
	keyLen        = 1 + 8 + 8
	valueLen      = 1 + 4 + 2 + 8
	grantLen      = 8 + 2 + 8 + 2 + 2
	valueVersion1 = 1
	valueVersion2 = 2
)

var errBadRecord = errors.New("journal: malformed record")

func encodeKey(at time.Time, seq uint64) []byte {
	buf := make([]byte, keyLen)
	buf[0] = recordPrefix
	binary.BigEndian.PutUint64(buf[1:9], uint64(at.UnixNano()))
	binary.BigEndian.PutUint64(buf[9:17], seq)
	return buf
}

// timeBound is the smallest key at or after t.
func timeBound(t time.Time) []byte {
	buf := make([]byte, 9)
	buf[0] = recordPrefix
	binary.BigEndian.PutUint64(buf[1:9], uint64(t.UnixNano()))
	return buf
}

func decodeKeyTime(key []byte) (time.Time, bool) {
	if len(key) != keyLen || key[0] != recordPrefix {
		return time.Time{}, false
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[1:9]))).UTC(), true
}

func encodeValue(r Record) []byte {
	buf := make([]byte, 1+valueLen+grantLen)
	buf[0] = valueVersion2
	buf[1] = byte(r.Kind)
	binary.BigEndian.PutUint32(buf[2:6], r.Cell)
	binary.BigEndian.PutUint16(buf[6:8], uint16(r.RNTI))
	binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(r.Value))
	g := buf[1+valueLen:]
	binary.BigEndian.PutUint64(g[0:8], math.Float64bits(r.Grant.Bytes))
	binary.BigEndian.PutUint16(g[8:10], r.Grant.PRB)
	binary.BigEndian.PutUint64(g[10:18], math.Float64bits(r.Grant.CellBytes))
	binary.BigEndian.PutUint16(g[18:20], r.Grant.CellPRB)
	binary.BigEndian.PutUint16(g[20:22], r.Grant.Capacity)
	return buf
}

func decodeRecord(key, value []byte) (Record, error) {
	at, ok := decodeKeyTime(key)
	if !ok {
		return Record{}, fmt.Errorf("%w: key length %d", errBadRecord, len(key))
	}
	switch {
	case len(value) == 1+valueLen && value[0] == valueVersion1:
	case len(value) == 1+valueLen+grantLen && value[0] == valueVersion2:
	default:
		return Record{}, fmt.Errorf("%w: value length %d", errBadRecord, len(value))
	}
	r := Record{
		Kind:  Kind(value[1]),
		At:    at,
		Cell:  binary.BigEndian.Uint32(value[2:6]),
		RNTI:  sample.RNTI(binary.BigEndian.Uint16(value[6:8])),
		Value: math.Float64frombits(binary.BigEndian.Uint64(value[8:16])),
	}
	if value[0] == valueVersion2 {
		g := value[1+valueLen:]
		r.Grant = sample.Grant{
			Bytes:     math.Float64frombits(binary.BigEndian.Uint64(g[0:8])),
			PRB:       binary.BigEndian.Uint16(g[8:10]),
			CellBytes: math.Float64frombits(binary.BigEndian.Uint64(g[10:18])),
			CellPRB:   binary.BigEndian.Uint16(g[18:20]),
			Capacity:  binary.BigEndian.Uint16(g[20:22]),
		}
	}
	return r, nil
}
