// Package session wires crypto, wire framing, reassembly, the SSP state
// machine and the stream channel into the four externally-visible
// operations a host event loop drives: recv_udp, send_data, tick, and the
// rx-buffer accessors.
package session

import (
	"errors"
	"time"

	"github.com/tsuna/mtun/crypto"
	"github.com/tsuna/mtun/reassembly"
	"github.com/tsuna/mtun/ssp"
	"github.com/tsuna/mtun/stream"
	"github.com/tsuna/mtun/wire"
)

// DefaultMTU is used when New is called with mtu <= 0.
const DefaultMTU = 500

// ErrFreed is returned by any operation invoked on a Session after Free.
var ErrFreed = errors.New("session: used after free")

// LogFunc receives diagnostic lines the way the CLI's logger does.
type LogFunc func(format string, v ...interface{})

func noopLogf(string, ...interface{}) {}

// Stats is the structured view get_stats() exposes, including the
// supplemented fragment/heartbeat/eviction counters.
type Stats struct {
	SRTTMs              float64
	RTOMs               uint32
	SendNum             int64
	RecvNum             int64
	PendingCount        uint32
	TotalSentBytes      uint64
	TotalRecvBytes      uint64
	FragmentsSent       uint64
	FragmentsReceived   uint64
	ReassemblyEvictions uint64
	HeartbeatsSent      uint64
}

// Session is the client-role orchestrator: the only role this package
// exposes publicly. A symmetric server-role peer exists solely for tests,
// in internal/testpeer.
type Session struct {
	codec       *crypto.Codec
	fragmenter  wire.Fragmenter
	reassembler *reassembly.Reassembler
	ssp         *ssp.Session
	stream      *stream.Channel

	fragmentsSent     uint64
	fragmentsReceived uint64

	freed bool
	logf  LogFunc
}

// New constructs a client-role session from a base64 key and an optional
// MTU (DefaultMTU when mtu <= 0).
func New(keyB64 string, mtu int) (*Session, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	key, err := crypto.ParseKey(keyB64)
	if err != nil {
		return nil, err
	}
	codec, err := crypto.NewCodec(key, crypto.RoleClient)
	if err != nil {
		return nil, err
	}
	return &Session{
		codec:       codec,
		fragmenter:  wire.NewFragmenter(mtu),
		reassembler: reassembly.New(),
		ssp:         ssp.New(),
		stream:      stream.New(),
		logf:        noopLogf,
	}, nil
}

// SetLogFunc installs a logger; passing nil restores the no-op default.
func (s *Session) SetLogFunc(f LogFunc) {
	if f == nil {
		f = noopLogf
	}
	s.logf = f
}

// RecvUDP decrypts, reassembles, and ingests one UDP payload. It returns
// whatever rx bytes are pending for the host to consume once this packet's
// contribution (if any) has been applied. Decryption failure surfaces as a
// *crypto.CryptoError; a malformed fragment or instruction is dropped
// silently, matching the fail-open policy for a lossy, possibly hostile
// network.
func (s *Session) RecvUDP(packet []byte, nowMs uint64) ([]byte, error) {
	if s.freed {
		return nil, ErrFreed
	}
	plaintext, err := s.codec.Open(packet)
	if err != nil {
		s.logf("[Session] decrypt failed: %v", err)
		return nil, err
	}

	frag, err := wire.DecodeFragment(plaintext)
	if err != nil {
		s.logf("[Session] dropping malformed fragment: %v", err)
		return s.pendingRx(), nil
	}
	s.fragmentsReceived++

	instrBytes, complete := s.reassembler.Add(frag)
	if !complete {
		return s.pendingRx(), nil
	}

	instr, err := wire.Unmarshal(instrBytes)
	if err != nil {
		s.logf("[Session] dropping malformed instruction: %v", err)
		return s.pendingRx(), nil
	}

	now := time.UnixMilli(int64(nowMs))
	if delivered, ok := s.ssp.Ingest(instr, now); ok {
		s.stream.PushRx(delivered)
	}
	return s.pendingRx(), nil
}

func (s *Session) pendingRx() []byte {
	if !s.stream.HasPendingRx() {
		return nil
	}
	return s.stream.ReadRx()
}

// SendData appends payload to tx, immediately builds one instruction from
// what is available (up to ssp.InstructionMax), and returns its encrypted,
// fragmented UDP payloads.
func (s *Session) SendData(payload []byte, nowMs uint64) ([][]byte, error) {
	if s.freed {
		return nil, ErrFreed
	}
	s.stream.PushTx(payload)
	now := time.UnixMilli(int64(nowMs))
	return s.drainAndSend(now)
}

// Tick drives retransmission and heartbeat timing, and opportunistically
// sends any tx bytes accumulated since the last send.
func (s *Session) Tick(nowMs uint64) [][]byte {
	if s.freed {
		return nil
	}
	now := time.UnixMilli(int64(nowMs))
	var out [][]byte

	if packets, err := s.drainAndSend(now); err == nil {
		out = append(out, packets...)
	}

	for _, in := range s.ssp.DueRetransmits(now) {
		out = append(out, s.encryptAndFragment(in, now)...)
	}

	if s.ssp.NeedsHeartbeat(now) {
		if hb, err := s.ssp.Heartbeat(now); err != nil {
			s.logf("[Session] heartbeat suppressed: %v", err)
		} else {
			out = append(out, s.encryptAndFragment(hb, now)...)
		}
	}
	return out
}

// drainAndSend takes up to ssp.InstructionMax bytes off tx and, if any were
// available, wraps them in one instruction and returns its UDP payloads. On
// OverflowError the bytes are returned to tx for a later attempt (§5
// back-pressure).
func (s *Session) drainAndSend(now time.Time) ([][]byte, error) {
	if !s.stream.HasPendingTx() {
		return nil, nil
	}
	payload := s.stream.DrainTx(ssp.InstructionMax)
	if len(payload) == 0 {
		return nil, nil
	}
	in, err := s.ssp.MakeInstruction(payload, now)
	if err != nil {
		s.stream.PushTx(payload)
		s.logf("[Session] send back-pressured: %v", err)
		return nil, err
	}
	return s.encryptAndFragment(in, now), nil
}

func (s *Session) encryptAndFragment(in wire.Instruction, now time.Time) [][]byte {
	encoded := in.Marshal()
	frags := s.fragmenter.Split(uint16(uint64(in.NewNum)), encoded)
	packets := make([][]byte, 0, len(frags))
	for _, f := range frags {
		packet, err := s.codec.Seal(wire.EncodeFragment(f))
		if err != nil {
			s.logf("[Session] seal failed: %v", err)
			continue
		}
		packets = append(packets, packet)
		s.fragmentsSent++
	}
	return packets
}

// ReadPending drains the rx buffer independently of RecvUDP's return value.
func (s *Session) ReadPending() []byte {
	if s.freed {
		return nil
	}
	return s.stream.ReadRx()
}

// HasPendingRead reports whether rx has undelivered bytes.
func (s *Session) HasPendingRead() bool {
	if s.freed {
		return false
	}
	return s.stream.HasPendingRx()
}

// GetStats snapshots the session's counters.
func (s *Session) GetStats() Stats {
	st := s.ssp.Stats()
	return Stats{
		SRTTMs:              st.SRTTMs,
		RTOMs:               st.RTOMs,
		SendNum:             st.SendNum,
		RecvNum:             st.RecvNum,
		PendingCount:        uint32(st.PendingCount),
		TotalSentBytes:      s.stream.TotalSentBytes(),
		TotalRecvBytes:      s.stream.TotalRecvBytes(),
		FragmentsSent:       s.fragmentsSent,
		FragmentsReceived:   s.fragmentsReceived,
		ReassemblyEvictions: s.reassembler.Evictions(),
		HeartbeatsSent:      st.HeartbeatsSent,
	}
}

// Free releases the session. No further calls are permitted.
func (s *Session) Free() {
	s.freed = true
}
