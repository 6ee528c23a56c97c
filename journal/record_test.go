package journal

import (
	"encoding/binary"
	"math"
	"testing"

	"rntitrack/sample"
)

func TestRecordKeepsGrant(t *testing.T) {
	in := FromRNTI(sample.RntiSample{
		Cell:  1,
		RNTI:  200,
		At:    t0,
		Value: 1000,
		Grant: sample.Grant{Bytes: 1000, PRB: 6, CellBytes: 1200, CellPRB: 8, Capacity: 50},
	})
	out, err := decodeRecord(encodeKey(in.At, 1), encodeValue(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.At.Equal(in.At) || out.Kind != in.Kind || out.Cell != in.Cell || out.RNTI != in.RNTI || out.Value != in.Value {
		t.Fatalf("record changed:\n%+v\n%+v", in, out)
	}
	if out.Grant != in.Grant {
		t.Fatalf("grant changed: %+v vs %+v", out.Grant, in.Grant)
	}
}

func TestDecodeReadsVersionOneValues(t *testing.T) {
	v1 := make([]byte, 1+valueLen)
	v1[0] = valueVersion1
	v1[1] = byte(KindRNTI)
	binary.BigEndian.PutUint32(v1[2:6], 2)
	binary.BigEndian.PutUint16(v1[6:8], 77)
	binary.BigEndian.PutUint64(v1[8:16], math.Float64bits(12))
	r, err := decodeRecord(encodeKey(t0, 1), v1)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.Kind != KindRNTI || r.Cell != 2 || r.RNTI != 77 || r.Value != 12 || r.Grant != (sample.Grant{}) {
		t.Fatalf("unexpected record %+v", r)
	}
	if _, err := decodeRecord(encodeKey(t0, 1), v1[:10]); err == nil {
		t.Fatalf("expected truncated value rejected")
	}
}
