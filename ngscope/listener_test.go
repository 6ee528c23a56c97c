package ngscope

import (
	"context"
	"net"
	"testing"
	"time"
)

type countingSink struct {
	parse int
	drops int
}

func (c *countingSink) IncParseErrors(string) { c.parse++ }
func (c *countingSink) IncDrops(string)       { c.drops++ }

func TestListenerDeliversBatches(t *testing.T) {
	l := NewListener(Options{ListenAddr: "127.0.0.1:0", QueueSize: 4})
	if err := l.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	conn, err := net.DialUDP("udp", nil, l.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	raw := encodeCellDci(CellDci{CellID: 3, Timestamp: 1_700_000_000_000_000, RNTIs: []RntiDci{{RNTI: 77, ULTBS: 800}}})
	if _, err := conn.Write(raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case batch := <-l.Batches():
		if len(batch) != 1 || batch[0].RNTI != 77 || batch[0].Value != 100 || batch[0].Cell != 3 {
			t.Fatalf("unexpected batch %+v", batch)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for batch")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
	if _, ok := <-l.Batches(); ok {
		t.Fatalf("expected batch channel closed")
	}
	if snap := l.HealthSnapshot(); snap.Datagrams != 1 || snap.Bound {
		t.Fatalf("unexpected health %+v", snap)
	}
}

func TestHandleCountsErrorsAndDrops(t *testing.T) {
	sink := &countingSink{}
	l := NewListener(Options{QueueSize: 1, Counters: sink})
	now := time.Now().UTC()
	l.handle([]byte{1, 2, 3}, now)
	raw := encodeCellDci(CellDci{RNTIs: []RntiDci{{RNTI: 5, ULTBS: 80}}})
	l.handle(raw, now)
	l.handle(raw, now)
	snap := l.HealthSnapshot()
	if snap.ParseErrors != 1 || snap.Drops != 1 || snap.QueueLen != 1 {
		t.Fatalf("unexpected health %+v", snap)
	}
	if sink.parse != 1 || sink.drops != 1 {
		t.Fatalf("counters not forwarded: %+v", sink)
	}
	l.handle([]byte{0xFF, 0xFF, 0xFF, 0xFF}, now)
	if l.HealthSnapshot().Exits != 1 {
		t.Fatalf("expected exit counted")
	}
}

func TestHandleAppliesCellCapacity(t *testing.T) {
	l := NewListener(Options{QueueSize: 4})
	now := time.Now().UTC()
	l.handle([]byte{187, 187, 187, 187, 1, 1, 0, 50, 0, 0, 0, 0, 0, 0, 0, 71, 74}, now)
	l.handle(encodeCellDci(CellDci{CellID: 0, TotalULPRB: 10, RNTIs: []RntiDci{{RNTI: 9, ULTBS: 800, ULPRB: 4}}}), now)
	l.handle(encodeCellDci(CellDci{CellID: 1, RNTIs: []RntiDci{{RNTI: 9, ULTBS: 800, ULPRB: 4}}}), now)

	first := <-l.Batches()
	if g := first[0].Grant; g.Capacity != 50 || g.CellPRB != 10 || g.PRB != 4 {
		t.Fatalf("unexpected grant on configured cell %+v", g)
	}
	second := <-l.Batches()
	if second[0].Grant.Capacity != 0 {
		t.Fatalf("expected unknown capacity on unconfigured cell, got %d", second[0].Grant.Capacity)
	}
}
