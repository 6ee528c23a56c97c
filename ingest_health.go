package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"rntitrack/ngscope"
	"rntitrack/sidechannel"
)

const (
	ingestHealthInterval  = 30 * time.Second
	ingestIdleThreshold   = 10 * time.Second
	ingestHealthLogPrefix = "Ingest Health: "
)

// ingestHealthSnapshot is the feed-independent view the monitor logs.
type ingestHealthSnapshot struct {
	Connected       bool
	LastMessageAt   time.Time
	LastSampleAt    time.Time
	LastParseErrAt  time.Time
	QueueLen        int
	QueueCap        int
	Drops           uint64
	PayloadTooLarge uint64
	ParseErrors     uint64
	Controls        uint64
	Exits           uint64
}

type ingestHealthSource struct {
	name     string
	snapshot func() ingestHealthSnapshot
}

type ingestHealthState struct {
	connected   bool
	idle        bool
	initialized bool
}

// Purpose: Periodically log feed health transitions with low noise.
// Key aspects: Reports only on connected/idle state changes.
// Upstream: main startup after the feeds are created.
// Downstream: log.Printf.
func startIngestHealthMonitor(ctx context.Context, sources []ingestHealthSource) {
	if len(sources) == 0 {
		return
	}
	ticker := time.NewTicker(ingestHealthInterval)
	go func() {
		defer ticker.Stop()
		states := make(map[string]ingestHealthState, len(sources))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checkIngestHealth(sources, states, time.Now().UTC())
			}
		}
	}()
}

func checkIngestHealth(sources []ingestHealthSource, states map[string]ingestHealthState, now time.Time) []string {
	var lines []string
	for _, source := range sources {
		if source.snapshot == nil {
			continue
		}
		snap := source.snapshot()
		idle := ingestIsIdle(snap, now)
		state := states[source.name]
		if state.initialized && state.connected == snap.Connected && state.idle == idle {
			continue
		}
		line := formatIngestHealthLine(source.name, snap, idle, now)
		log.Printf("%s%s", ingestHealthLogPrefix, line)
		lines = append(lines, line)
		states[source.name] = ingestHealthState{connected: snap.Connected, idle: idle, initialized: true}
	}
	return lines
}

func ingestIsIdle(snap ingestHealthSnapshot, now time.Time) bool {
	last := snap.LastSampleAt
	if last.IsZero() {
		last = snap.LastMessageAt
	}
	if last.IsZero() {
		return true
	}
	return now.Sub(last) > ingestIdleThreshold
}

func formatIngestHealthLine(name string, snap ingestHealthSnapshot, idle bool, now time.Time) string {
	status := "connected"
	if !snap.Connected {
		status = "disconnected"
	}
	state := "active"
	if idle {
		state = "idle"
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteString(" ")
	b.WriteString(status)
	b.WriteString(" ")
	b.WriteString(state)
	if !snap.LastMessageAt.IsZero() {
		b.WriteString(" last_msg=")
		b.WriteString(ageString(now, snap.LastMessageAt))
	}
	if !snap.LastSampleAt.IsZero() {
		b.WriteString(" last_sample=")
		b.WriteString(ageString(now, snap.LastSampleAt))
	}
	if snap.QueueCap > 0 {
		fmt.Fprintf(&b, " queue=%d/%d", snap.QueueLen, snap.QueueCap)
	}
	var dropParts []string
	if snap.Drops > 0 {
		dropParts = append(dropParts, fmt.Sprintf("queue=%d", snap.Drops))
	}
	if snap.PayloadTooLarge > 0 {
		dropParts = append(dropParts, fmt.Sprintf("oversize=%d", snap.PayloadTooLarge))
	}
	if snap.ParseErrors > 0 {
		dropParts = append(dropParts, fmt.Sprintf("parse=%d", snap.ParseErrors))
	}
	if len(dropParts) > 0 {
		b.WriteString(" drops=")
		b.WriteString(strings.Join(dropParts, ","))
	}
	if snap.Controls > 0 {
		fmt.Fprintf(&b, " controls=%d", snap.Controls)
	}
	if snap.Exits > 0 {
		fmt.Fprintf(&b, " decoder_exits=%d", snap.Exits)
	}
	if !snap.LastParseErrAt.IsZero() {
		b.WriteString(" last_parse_err=")
		b.WriteString(ageString(now, snap.LastParseErrAt))
	}
	return b.String()
}

func ageString(now time.Time, at time.Time) string {
	if at.IsZero() {
		return "never"
	}
	age := now.Sub(at)
	if age < time.Second {
		return "0s"
	}
	return age.Truncate(time.Second).String()
}

func decoderHealthSource(name string, l *ngscope.Listener) ingestHealthSource {
	return ingestHealthSource{
		name: name,
		snapshot: func() ingestHealthSnapshot {
			if l == nil {
				return ingestHealthSnapshot{}
			}
			snap := l.HealthSnapshot()
			return ingestHealthSnapshot{
				Connected:      snap.Bound,
				LastMessageAt:  snap.LastDatagramAt,
				LastSampleAt:   snap.LastSampleAt,
				LastParseErrAt: snap.LastParseErrAt,
				QueueLen:       snap.QueueLen,
				QueueCap:       snap.QueueCap,
				Drops:          snap.Drops,
				ParseErrors:    snap.ParseErrors,
				Exits:          snap.Exits,
			}
		},
	}
}

func sideChannelHealthSource(name string, c *sidechannel.Client) ingestHealthSource {
	return ingestHealthSource{
		name: name,
		snapshot: func() ingestHealthSnapshot {
			if c == nil {
				return ingestHealthSnapshot{}
			}
			snap := c.HealthSnapshot()
			return ingestHealthSnapshot{
				Connected:       snap.Connected,
				LastMessageAt:   snap.LastMessageAt,
				LastSampleAt:    snap.LastSampleAt,
				LastParseErrAt:  snap.LastParseErrAt,
				QueueLen:        snap.QueueLen,
				QueueCap:        snap.QueueCap,
				Drops:           snap.Drops,
				PayloadTooLarge: snap.PayloadTooLarge,
				ParseErrors:     snap.ParseErrors,
				Controls:        snap.Controls,
			}
		},
	}
}
