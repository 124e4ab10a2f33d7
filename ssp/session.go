// Package ssp implements the State Synchronization Protocol state machine:
// send/receive instruction numbering, the pending-unacked retransmit set,
// RTT-driven RTO, and the heartbeat timer. It knows nothing about crypto,
// fragmentation, or the UDP wire; it consumes and produces wire.Instruction
// values plus the caller-supplied clock.
package ssp

import (
	"time"

	"github.com/tsuna/mtun/rtt"
	"github.com/tsuna/mtun/wire"
)

const (
	// Window bounds how far behind recv_num a throwaway_num may lag.
	Window = 1024
	// InstructionMax is the largest diff payload a single instruction carries.
	InstructionMax = 16384
	// HeartbeatInterval is how long the session may stay silent before it
	// emits an empty-diff instruction to keep state alive.
	HeartbeatInterval = 3000 * time.Millisecond
	// PendingCap is the soft limit on outstanding unacked instructions past
	// which new sends should be back-pressured.
	PendingCap = 1024
)

// OverflowError reports that pending_unacked already holds PendingCap
// entries, so a new instruction was refused.
type OverflowError struct {
	PendingCount int
}

func (e *OverflowError) Error() string {
	return "ssp: pending-unacked overflow"
}

// pendingEntry is one not-yet-acked outbound instruction.
type pendingEntry struct {
	newNum   int64
	sendTime time.Time
	payload  []byte
	tries    int
}

// Stats is the subset of session state get_stats() reports.
type Stats struct {
	SRTTMs         float64
	RTOMs          uint32
	SendNum        int64
	RecvNum        int64
	PendingCount   int
	HeartbeatsSent uint64
}

// Session is the SSP protocol core: one active Established state, no
// handshake, pre-shared everything. There is no Terminated state here;
// teardown is the orchestrator dropping the Session.
type Session struct {
	sendNum    int64
	recvNum    int64
	peerAckNum int64
	pending    []*pendingEntry

	lastSendTime     time.Time
	haveLastSendTime bool

	estimator      *rtt.Estimator
	heartbeatsSent uint64
}

// New builds a session at its initial numbering: send_num=0, recv_num=-1,
// peer_ack_num=-1, unmeasured RTT.
func New() *Session {
	return &Session{
		recvNum:    -1,
		peerAckNum: -1,
		estimator:  rtt.New(),
	}
}

// MakeInstruction assembles a new outgoing instruction carrying payload,
// advances send_num, and records a pending entry for retransmission. It
// refuses to grow pending_unacked past PendingCap (§5 bounded memory).
func (s *Session) MakeInstruction(payload []byte, now time.Time) (wire.Instruction, error) {
	if len(s.pending) >= PendingCap {
		return wire.Instruction{}, &OverflowError{PendingCount: len(s.pending)}
	}
	in := wire.Instruction{
		OldNum:       s.peerAckNum,
		NewNum:       s.sendNum,
		AckNum:       s.recvNum,
		ThrowawayNum: max64(0, s.recvNum-Window),
		Diff:         payload,
	}
	s.pending = append(s.pending, &pendingEntry{
		newNum:   in.NewNum,
		sendTime: now,
		payload:  payload,
		tries:    1,
	})
	s.sendNum++
	s.lastSendTime = now
	s.haveLastSendTime = true
	return in, nil
}

// Heartbeat builds and records an empty-diff instruction (P7).
func (s *Session) Heartbeat(now time.Time) (wire.Instruction, error) {
	in, err := s.MakeInstruction(nil, now)
	if err != nil {
		return in, err
	}
	s.heartbeatsSent++
	return in, nil
}

// Ingest processes one successfully decrypted and reassembled instruction.
// It returns the bytes newly delivered to the rx buffer, if any (I4, I5).
func (s *Session) Ingest(in wire.Instruction, now time.Time) (delivered []byte, ok bool) {
	if in.NewNum > s.recvNum {
		s.recvNum = in.NewNum
		if len(in.Diff) > 0 {
			delivered, ok = in.Diff, true
		}
	}
	if in.AckNum > s.peerAckNum {
		s.peerAckNum = in.AckNum
	}
	s.prunePending(now)
	return delivered, ok
}

// prunePending drops pending entries the peer has now acknowledged (I6),
// sampling RTT via Karn's algorithm: only first-try (never retransmitted)
// entries contribute a sample, since a retransmitted entry's ack cannot be
// attributed to a specific send.
func (s *Session) prunePending(now time.Time) {
	kept := s.pending[:0]
	for _, e := range s.pending {
		if e.newNum <= s.peerAckNum {
			if e.tries == 1 {
				s.estimator.Sample(now.Sub(e.sendTime))
			}
			continue
		}
		kept = append(kept, e)
	}
	s.pending = kept
}

// DueRetransmits re-serializes and re-emits every pending entry whose
// send_time is at least rto old, refreshing old_num/ack_num/throwaway_num
// against current session state (P8). Exponential backoff is not applied;
// rto alone governs the pace.
func (s *Session) DueRetransmits(now time.Time) []wire.Instruction {
	rto := s.estimator.RTO()
	var due []wire.Instruction
	for _, e := range s.pending {
		if now.Sub(e.sendTime) < rto {
			continue
		}
		e.sendTime = now
		e.tries++
		due = append(due, wire.Instruction{
			OldNum:       s.peerAckNum,
			NewNum:       e.newNum,
			AckNum:       s.recvNum,
			ThrowawayNum: max64(0, s.recvNum-Window),
			Diff:         e.payload,
		})
	}
	if len(due) > 0 {
		s.lastSendTime = now
		s.haveLastSendTime = true
	}
	return due
}

// NeedsHeartbeat reports whether HeartbeatInterval has elapsed since the
// last emitted instruction. The very first call after construction arms
// the timer against now rather than firing immediately, since a session
// that has never sent anything has no "last send" to measure silence from.
func (s *Session) NeedsHeartbeat(now time.Time) bool {
	if !s.haveLastSendTime {
		s.lastSendTime = now
		s.haveLastSendTime = true
		return false
	}
	return now.Sub(s.lastSendTime) >= HeartbeatInterval
}

// PendingCount returns the current size of pending_unacked.
func (s *Session) PendingCount() int { return len(s.pending) }

// SendNum returns the next new_num that will be assigned.
func (s *Session) SendNum() int64 { return s.sendNum }

// RecvNum returns the highest new_num delivered so far.
func (s *Session) RecvNum() int64 { return s.recvNum }

// Stats snapshots the fields get_stats() exposes.
func (s *Session) Stats() Stats {
	return Stats{
		SRTTMs:         float64(s.estimator.SRTT()) / float64(time.Millisecond),
		RTOMs:          uint32(s.estimator.RTO() / time.Millisecond),
		SendNum:        s.sendNum,
		RecvNum:        s.recvNum,
		PendingCount:   len(s.pending),
		HeartbeatsSent: s.heartbeatsSent,
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
