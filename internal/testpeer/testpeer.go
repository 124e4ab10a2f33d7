// Package testpeer provides a minimal server-role counterpart to
// session.Session, existing only so tests can drive both ends of a
// session without a real mosh server. It is not part of the public API:
// the specification is explicit that this module has no server-side role
// (§1 Non-goals).
package testpeer

import (
	"time"

	"github.com/tsuna/mtun/crypto"
	"github.com/tsuna/mtun/reassembly"
	"github.com/tsuna/mtun/ssp"
	"github.com/tsuna/mtun/stream"
	"github.com/tsuna/mtun/wire"
)

// Peer mirrors session.Session's wiring with the opposite crypto role. It
// is deliberately a separate, simpler type rather than a shared base: the
// public Session never needs a server role, so nothing should tempt one
// into existing on that path.
type Peer struct {
	codec       *crypto.Codec
	fragmenter  wire.Fragmenter
	reassembler *reassembly.Reassembler
	ssp         *ssp.Session
	stream      *stream.Channel
}

// New builds a server-role peer sharing the given key.
func New(key []byte, mtu int) (*Peer, error) {
	codec, err := crypto.NewCodec(key, crypto.RoleServer)
	if err != nil {
		return nil, err
	}
	if mtu <= 0 {
		mtu = 500
	}
	return &Peer{
		codec:       codec,
		fragmenter:  wire.NewFragmenter(mtu),
		reassembler: reassembly.New(),
		ssp:         ssp.New(),
		stream:      stream.New(),
	}, nil
}

// RecvUDP mirrors session.Session.RecvUDP for the server role.
func (p *Peer) RecvUDP(packet []byte, nowMs uint64) ([]byte, error) {
	plaintext, err := p.codec.Open(packet)
	if err != nil {
		return nil, err
	}
	frag, err := wire.DecodeFragment(plaintext)
	if err != nil {
		return nil, nil
	}
	instrBytes, complete := p.reassembler.Add(frag)
	if !complete {
		return nil, nil
	}
	instr, err := wire.Unmarshal(instrBytes)
	if err != nil {
		return nil, nil
	}
	now := time.UnixMilli(int64(nowMs))
	if delivered, ok := p.ssp.Ingest(instr, now); ok {
		p.stream.PushRx(delivered)
	}
	if !p.stream.HasPendingRx() {
		return nil, nil
	}
	return p.stream.ReadRx(), nil
}

// SendData mirrors session.Session.SendData for the server role.
func (p *Peer) SendData(payload []byte, nowMs uint64) ([][]byte, error) {
	p.stream.PushTx(payload)
	now := time.UnixMilli(int64(nowMs))
	return p.drainAndSend(now)
}

// Ack sends a heartbeat-shaped instruction (empty diff) purely to carry an
// updated ack_num back to the peer, mirroring how mosh acknowledges without
// having new state of its own to push.
func (p *Peer) Ack(nowMs uint64) [][]byte {
	now := time.UnixMilli(int64(nowMs))
	in, err := p.ssp.Heartbeat(now)
	if err != nil {
		return nil
	}
	return p.encryptAndFragment(in, now)
}

func (p *Peer) drainAndSend(now time.Time) ([][]byte, error) {
	if !p.stream.HasPendingTx() {
		return nil, nil
	}
	payload := p.stream.DrainTx(ssp.InstructionMax)
	if len(payload) == 0 {
		return nil, nil
	}
	in, err := p.ssp.MakeInstruction(payload, now)
	if err != nil {
		p.stream.PushTx(payload)
		return nil, err
	}
	return p.encryptAndFragment(in, now), nil
}

func (p *Peer) encryptAndFragment(in wire.Instruction, now time.Time) [][]byte {
	encoded := in.Marshal()
	frags := p.fragmenter.Split(uint16(uint64(in.NewNum)), encoded)
	packets := make([][]byte, 0, len(frags))
	for _, f := range frags {
		packet, err := p.codec.Seal(wire.EncodeFragment(f))
		if err != nil {
			continue
		}
		packets = append(packets, packet)
	}
	return packets
}

// Stats exposes just enough of the peer's SSP state for assertions.
func (p *Peer) Stats() ssp.Stats { return p.ssp.Stats() }
