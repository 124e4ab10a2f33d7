package ssp

import (
	"testing"
	"time"

	"github.com/tsuna/mtun/wire"
)

func t0(ms int64) time.Time { return time.UnixMilli(ms) }

func TestMakeInstructionAdvancesSendNum(t *testing.T) {
	s := New()
	in, err := s.MakeInstruction([]byte("hi"), t0(0))
	if err != nil {
		t.Fatalf("MakeInstruction: %v", err)
	}
	if in.NewNum != 0 || in.OldNum != -1 || in.AckNum != -1 {
		t.Fatalf("unexpected first instruction: %+v", in)
	}
	if s.SendNum() != 1 {
		t.Fatalf("SendNum() = %d, want 1", s.SendNum())
	}
	if s.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, want 1", s.PendingCount())
	}
}

// P5: instructions 5, 3, 7, 5, 6 arriving in that order deliver only 5 then 7.
func TestInOrderDeliveryDropsStaleAndDuplicate(t *testing.T) {
	s := New()
	var delivered [][]byte
	for _, n := range []int64{5, 3, 7, 5, 6} {
		got, ok := s.Ingest(wire.Instruction{NewNum: n, AckNum: -1, Diff: []byte{byte(n)}}, t0(0))
		if ok {
			delivered = append(delivered, got)
		}
	}
	if len(delivered) != 2 {
		t.Fatalf("got %d deliveries, want 2: %v", len(delivered), delivered)
	}
	if delivered[0][0] != 5 || delivered[1][0] != 7 {
		t.Fatalf("delivered wrong instructions: %v", delivered)
	}
	if s.RecvNum() != 7 {
		t.Fatalf("RecvNum() = %d, want 7", s.RecvNum())
	}
}

// I6 / P8: an acked entry is pruned and never retransmitted again.
func TestPeerAckPrunesPending(t *testing.T) {
	s := New()
	s.MakeInstruction([]byte("a"), t0(0))
	s.MakeInstruction([]byte("b"), t0(0))
	if s.PendingCount() != 2 {
		t.Fatalf("PendingCount() = %d, want 2", s.PendingCount())
	}
	s.Ingest(wire.Instruction{NewNum: 100, AckNum: 0, Diff: []byte("x")}, t0(50))
	if s.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, want 1 after ack of instruction 0", s.PendingCount())
	}
}

// Scenario 2: srtt sample from an unretransmitted send equals now - send_time.
func TestRTTSampledOnFirstTryAck(t *testing.T) {
	s := New()
	s.MakeInstruction([]byte("a"), t0(1000))
	s.Ingest(wire.Instruction{NewNum: 0, AckNum: 0, Diff: nil}, t0(1100))
	stats := s.Stats()
	if stats.SRTTMs < 84 || stats.SRTTMs > 116 {
		t.Fatalf("SRTTMs = %v, want approximately 100", stats.SRTTMs)
	}
}

// Karn's algorithm: a retransmitted entry's eventual ack must not sample RTT.
func TestRetransmittedEntryDoesNotSampleRTT(t *testing.T) {
	s := New()
	s.MakeInstruction([]byte("a"), t0(0))
	// Force a retransmit well past the initial RTO.
	due := s.DueRetransmits(t0(2000))
	if len(due) != 1 {
		t.Fatalf("got %d due retransmits, want 1", len(due))
	}
	s.Ingest(wire.Instruction{NewNum: 100, AckNum: 0}, t0(2050))
	if s.Stats().SRTTMs != 0 {
		t.Fatalf("SRTTMs = %v, want 0 (no sample from a retransmitted entry)", s.Stats().SRTTMs)
	}
}

// P6: RTO always stays within [50ms, 1000ms] regardless of sample sequence.
func TestRTOStaysWithinBounds(t *testing.T) {
	s := New()
	samples := []int64{0, 1, 5000, 10, 2000, 1}
	for i, ms := range samples {
		s.MakeInstruction([]byte("x"), t0(int64(i)*10))
		s.Ingest(wire.Instruction{NewNum: int64(i) + 100, AckNum: int64(i)}, t0(int64(i)*10+ms))
		rto := s.Stats().RTOMs
		if rto < 50 || rto > 1000 {
			t.Fatalf("iteration %d: RTOMs = %d, out of bounds", i, rto)
		}
	}
}

// P7: after HeartbeatInterval of silence, exactly one heartbeat is due.
func TestHeartbeatAfterSilence(t *testing.T) {
	s := New()
	s.MakeInstruction([]byte("x"), t0(0))
	if s.NeedsHeartbeat(t0(2999)) {
		t.Fatalf("heartbeat fired too early")
	}
	if !s.NeedsHeartbeat(t0(3000)) {
		t.Fatalf("heartbeat did not fire at the interval boundary")
	}
	hb, err := s.Heartbeat(t0(3000))
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if len(hb.Diff) != 0 {
		t.Fatalf("heartbeat diff = %q, want empty", hb.Diff)
	}
}

func TestFreshSessionArmsHeartbeatWithoutFiring(t *testing.T) {
	s := New()
	if s.NeedsHeartbeat(t0(0)) {
		t.Fatalf("a session that has never sent anything should not heartbeat immediately")
	}
	if !s.NeedsHeartbeat(t0(3000)) {
		t.Fatalf("heartbeat should fire once armed and the interval elapses")
	}
}

// P8: due retransmits repeat until acked, then stop.
func TestDueRetransmitsStopOnceAcked(t *testing.T) {
	s := New()
	s.MakeInstruction([]byte("payload"), t0(0))
	rto := s.Stats().RTOMs

	due := s.DueRetransmits(t0(int64(rto)))
	if len(due) != 1 || due[0].NewNum != 0 {
		t.Fatalf("expected one retransmit of instruction 0, got %+v", due)
	}

	s.Ingest(wire.Instruction{NewNum: 50, AckNum: 0}, t0(int64(rto)+10))

	due = s.DueRetransmits(t0(int64(rto) * 10))
	if len(due) != 0 {
		t.Fatalf("expected no further retransmits once acked, got %+v", due)
	}
}

func TestOverflowErrorOnPendingCap(t *testing.T) {
	s := New()
	for i := 0; i < PendingCap; i++ {
		if _, err := s.MakeInstruction([]byte("x"), t0(0)); err != nil {
			t.Fatalf("unexpected error before cap: %v", err)
		}
	}
	_, err := s.MakeInstruction([]byte("x"), t0(0))
	if err == nil {
		t.Fatalf("expected OverflowError once pending_unacked reaches PendingCap")
	}
	if _, ok := err.(*OverflowError); !ok {
		t.Fatalf("got %T, want *OverflowError", err)
	}
}
