package sink

import (
	"errors"
	"net"
	"testing"
	"time"

	"rntitrack/allocation"
	"rntitrack/matching"
	"rntitrack/sample"
)

type recordingPublisher struct {
	got []Payload
	err error
}

func (r *recordingPublisher) Name() string { return "recording" }
func (r *recordingPublisher) Close() error { return nil }
func (r *recordingPublisher) Publish(p Payload) error {
	r.got = append(r.got, p)
	return r.err
}

var at = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func locked(seq, epoch uint64, rnti sample.RNTI) matching.Decision {
	return matching.Decision{
		Seq:        seq,
		Epoch:      epoch,
		At:         at,
		Phase:      matching.PhaseLocked,
		Key:        sample.Key{Cell: 1, RNTI: rnti},
		Confidence: 0.9,
		Reason:     "held",
	}
}

func TestFrameRoundTrip(t *testing.T) {
	d := locked(4, 2, 200)
	d.HasBest, d.Best, d.BestScore = true, d.Key, 0.93
	p := NewPayload(d, sample.Key{Cell: 1, RNTI: 200}, true)
	frame, err := EncodeFrame(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if frame[0] != 0x11 || frame[1] != 0x21 || frame[2] != 0x12 || frame[3] != 0x22 || frame[4] != 1 {
		t.Fatalf("unexpected header % x", frame[:5])
	}
	back, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !back.Matched || back.RNTI == nil || *back.RNTI != 200 || back.State != "locked" {
		t.Fatalf("unexpected payload %+v", back)
	}
	if back.TimestampMS != at.UnixMilli() || back.BestScore == nil || *back.BestScore != 0.93 {
		t.Fatalf("unexpected payload details %+v", back)
	}
	if back.DominantRNTI == nil || *back.DominantRNTI != 200 {
		t.Fatalf("expected dominant rnti")
	}
}

func TestDecodeFrameRejectsBadHeader(t *testing.T) {
	if _, err := DecodeFrame([]byte{0x11, 0x21}); !errors.Is(err, ErrBadFrame) {
		t.Fatalf("expected short frame rejection, got %v", err)
	}
	if _, err := DecodeFrame([]byte{0, 0, 0, 0, 1, '{', '}'}); !errors.Is(err, ErrBadFrame) {
		t.Fatalf("expected magic rejection, got %v", err)
	}
	if _, err := DecodeFrame([]byte{0x11, 0x21, 0x12, 0x22, 9, '{', '}'}); !errors.Is(err, ErrBadFrame) {
		t.Fatalf("expected version rejection, got %v", err)
	}
}

func TestUnlockedPayloadOmitsRNTI(t *testing.T) {
	p := NewPayload(matching.Decision{Phase: matching.PhaseUnlocked, Reason: "no_candidates"}, sample.Key{}, false)
	if p.Matched || p.RNTI != nil || p.Cell != nil || p.DominantRNTI != nil {
		t.Fatalf("unexpected unlocked payload %+v", p)
	}
}

func TestFanoutDropsOlderEpochs(t *testing.T) {
	rec := &recordingPublisher{}
	f := NewFanout(false, rec)
	if !f.Publish(locked(1, 1, 100), sample.Key{}, false) {
		t.Fatalf("expected first decision forwarded")
	}
	if !f.Publish(locked(2, 2, 200), sample.Key{}, false) {
		t.Fatalf("expected newer epoch forwarded")
	}
	if f.Publish(locked(3, 1, 100), sample.Key{}, false) {
		t.Fatalf("expected stale epoch dropped")
	}
	if len(rec.got) != 2 || f.Stale() != 1 {
		t.Fatalf("expected 2 published and 1 stale, got %d/%d", len(rec.got), f.Stale())
	}
}

func TestFanoutOnlyChanges(t *testing.T) {
	rec := &recordingPublisher{}
	f := NewFanout(true, rec)
	f.Publish(locked(1, 1, 100), sample.Key{}, false)
	f.Publish(locked(2, 1, 100), sample.Key{}, false)
	f.Publish(locked(3, 1, 200), sample.Key{}, false)
	f.Publish(matching.Decision{Seq: 4, Epoch: 1, Phase: matching.PhaseUnlocked}, sample.Key{}, false)
	if len(rec.got) != 3 {
		t.Fatalf("expected 3 changes published, got %d", len(rec.got))
	}
	if rec.got[1].Seq != 3 || rec.got[2].State != "unlocked" {
		t.Fatalf("unexpected published sequence %+v", rec.got)
	}
}

func TestFanoutSurvivesPublisherError(t *testing.T) {
	bad := &recordingPublisher{err: errors.New("down")}
	good := &recordingPublisher{}
	f := NewFanout(false, bad, good)
	f.Publish(locked(1, 1, 100), sample.Key{}, false)
	if len(good.got) != 1 {
		t.Fatalf("expected healthy publisher to receive the decision")
	}
}

func TestUDPPublisherSendsFrame(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	pub, err := NewUDPPublisher(listener.LocalAddr().String())
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	defer pub.Close()
	if err := pub.Publish(NewPayload(locked(9, 3, 300), sample.Key{}, false)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	buf := make([]byte, 2048)
	_ = listener.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := listener.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	p, err := DecodeFrame(buf[:n])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Seq != 9 || p.Epoch != 3 || p.RNTI == nil || *p.RNTI != 300 {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestPayloadCarriesAllocation(t *testing.T) {
	d := locked(1, 0, 200)
	if p := NewPayload(d, sample.Key{}, false); p.Allocation != nil {
		t.Fatalf("expected no allocation block without metrics, got %+v", p.Allocation)
	}
	d.Allocation = allocation.Metrics{TTIs: 10, ULBytes: 4000, ULPRB: 40, CellULPRB: 100, PRBShare: 0.4, ActiveRNTIs: 3, BitPerPRB: 800, FairShareBitPerMS: 1600}
	d.HasAllocation = true
	body, err := EncodeJSON(NewPayload(d, sample.Key{}, false))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var back Payload
	if err := json.Unmarshal(body, &back); err != nil {
		t.Fatalf("decode: %v", err)
	}
	a := back.Allocation
	if a == nil || a.ULPRB != 40 || a.PRBShare != 0.4 || a.FairShareBitPerMS != 1600 || a.ActiveRNTIs != 3 {
		t.Fatalf("unexpected allocation %+v", a)
	}
}
