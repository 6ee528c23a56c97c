package main

import (
	"fmt"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
)

// gcPauses reports the worst GC pause since the previous call. displayStats
// owns it and calls it once per interval.
type gcPauses struct {
	lastNumGC uint32
	primed    bool
}

// since returns the longest pause among GCs completed after the previous call
// and how many were seen. Cycles that have already left the PauseNs ring are
// not counted.
func (g *gcPauses) since(mem *runtime.MemStats) (worst time.Duration, cycles int) {
	if !g.primed {
		g.lastNumGC = mem.NumGC
		g.primed = true
		return 0, 0
	}
	if mem.NumGC <= g.lastNumGC {
		return 0, 0
	}
	n := int(mem.NumGC - g.lastNumGC)
	g.lastNumGC = mem.NumGC
	if n > len(mem.PauseNs) {
		n = len(mem.PauseNs)
	}
	for i := 0; i < n; i++ {
		// the pause of cycle k lives at PauseNs[(k+255)%256]
		idx := (int(mem.NumGC) - 1 - i + len(mem.PauseNs)) % len(mem.PauseNs)
		if p := time.Duration(mem.PauseNs[idx]); p > worst {
			worst = p
		}
	}
	return worst, n
}

func runtimeLine(mem *runtime.MemStats, pauses *gcPauses) string {
	worst, cycles := pauses.since(mem)
	return fmt.Sprintf("Runtime: heap=%s sys=%s goroutines=%d gc=%d (+%d, max pause %s)",
		humanize.IBytes(mem.HeapAlloc), humanize.IBytes(mem.Sys), runtime.NumGoroutine(),
		mem.NumGC, cycles, worst)
}
