package ngscope

import (
	"rntitrack/sample"
)

// Per-RNTI value extracted from a CellDci entry.
const (
	MetricULBytes = "ul_bytes"
	MetricULPRB   = "ul_prb"
)

// Samples expands a CellDci into one sample per listed RNTI. Entries with a
// retransmission are reported as zero when skipRetrans is set, so a resent
// transport block is not counted twice. The grant keeps the PRBs either way;
// a retransmission still occupies them.
func Samples(cd CellDci, metric string, skipRetrans bool) []sample.RntiSample {
	if len(cd.RNTIs) == 0 {
		return nil
	}
	at := cd.At()
	out := make([]sample.RntiSample, 0, len(cd.RNTIs))
	for _, e := range cd.RNTIs {
		resent := skipRetrans && e.ULReTx != 0
		var bytes, v float64
		if !resent {
			bytes = float64(e.ULTBS / 8)
			v = bytes
			if metric == MetricULPRB {
				v = float64(e.ULPRB)
			}
		}
		out = append(out, sample.RntiSample{
			Cell:  uint32(cd.CellID),
			RNTI:  sample.RNTI(e.RNTI),
			At:    at,
			Value: v,
			Grant: sample.Grant{
				Bytes:     bytes,
				PRB:       uint16(e.ULPRB),
				CellBytes: float64(cd.TotalULTBS / 8),
				CellPRB:   uint16(cd.TotalULPRB),
			},
		})
	}
	return out
}
