// Package sample defines the raw traffic observations fed into the matcher and
// the windows cut from them. Samples are immutable once recorded; windows are
// rebuilt on every scoring tick.
package sample

import (
	"fmt"
	"time"
)

// RNTI is a 16-bit temporary radio identifier assigned by the cell.
type RNTI uint16

// Key identifies one candidate series: an RNTI as observed on a specific cell.
// RNTIs are only unique within a cell, so the cell id is part of the key.
type Key struct {
	Cell uint32
	RNTI RNTI
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.Cell, k.RNTI)
}

// RntiSample is one decoder observation of UL activity attributed to an RNTI.
type RntiSample struct {
	Cell  uint32
	RNTI  RNTI
	At    time.Time
	Value float64 // UL bytes (or PRBs, depending on the decoder metric)
	Grant Grant
}

// Grant is the UL allocation behind a decoder sample. It is zero when the
// source does not report allocations.
type Grant struct {
	Bytes     float64 // UL transport bytes granted to the RNTI
	PRB       uint16  // UL PRBs granted to the RNTI
	CellBytes float64 // UL transport bytes granted to every RNTI in the same TTI
	CellPRB   uint16  // UL PRBs granted to every RNTI in the same TTI
	Capacity  uint16  // PRBs the cell offers per TTI, 0 when unknown
}

// Key returns the series key the sample belongs to.
func (s RntiSample) Key() Key {
	return Key{Cell: s.Cell, RNTI: s.RNTI}
}

// ReferenceSample is one side-channel observation of the tracked device's own
// UL traffic.
type ReferenceSample struct {
	At      time.Time
	ULBytes float64
}

// Point is a single timestamped value inside a series or window.
type Point struct {
	At    time.Time
	Value float64
}

// Window is an ordered slice of points covering [Start, End]. Points are sorted
// by At and never share a timestamp.
type Window struct {
	Start  time.Time
	End    time.Time
	Points []Point
}

// Len returns the number of points in the window.
func (w Window) Len() int {
	return len(w.Points)
}

// Values copies the point values in time order.
func (w Window) Values() []float64 {
	out := make([]float64, len(w.Points))
	for i, p := range w.Points {
		out[i] = p.Value
	}
	return out
}

// Sum returns the total of all point values.
func (w Window) Sum() float64 {
	var total float64
	for _, p := range w.Points {
		total += p.Value
	}
	return total
}

// Max returns the largest point value, or 0 for an empty window.
func (w Window) Max() float64 {
	var m float64
	for i, p := range w.Points {
		if i == 0 || p.Value > m {
			m = p.Value
		}
	}
	return m
}

// First returns the timestamp of the earliest point.
func (w Window) First() time.Time {
	if len(w.Points) == 0 {
		return time.Time{}
	}
	return w.Points[0].At
}

// Last returns the timestamp of the newest point.
func (w Window) Last() time.Time {
	if len(w.Points) == 0 {
		return time.Time{}
	}
	return w.Points[len(w.Points)-1].At
}

// Duration is the configured length of the window, not the span of its points.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}
