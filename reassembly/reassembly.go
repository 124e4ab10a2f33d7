// Package reassembly buffers incoming wire.Fragments keyed by their 16-bit
// instruction id and emits the concatenated instruction bytes once every
// fragment has arrived.
package reassembly

import "github.com/tsuna/mtun/wire"

// MaxInFlight bounds the number of concurrently-tracked instruction ids
// (spec §4.2's 32-entry cap), trading memory for tolerance of reordering.
const MaxInFlight = 32

type set struct {
	id         uint16
	fragments  map[uint16][]byte
	finalIndex int32 // -1 until the final fragment has arrived
}

func (s *set) complete() bool {
	return s.finalIndex >= 0 && len(s.fragments) == int(s.finalIndex)+1
}

func (s *set) assemble() []byte {
	var out []byte
	for i := uint16(0); i <= uint16(s.finalIndex); i++ {
		out = append(out, s.fragments[i]...)
	}
	return out
}

// Reassembler tracks up to MaxInFlight in-progress instructions.
type Reassembler struct {
	sets       map[uint16]*set
	order      []uint16 // insertion order, oldest first, for eviction bookkeeping
	newest     uint16
	haveNewest bool

	evictions uint64
}

// New builds an empty Reassembler.
func New() *Reassembler {
	return &Reassembler{sets: make(map[uint16]*set)}
}

// Evictions reports how many in-flight sets were discarded to respect
// MaxInFlight.
func (r *Reassembler) Evictions() uint64 { return r.evictions }

// Add absorbs one fragment. It returns the assembled instruction bytes and
// true once every fragment for that instruction id has arrived; duplicate
// fragments for an index already recorded are discarded silently (I3).
func (r *Reassembler) Add(f wire.Fragment) ([]byte, bool) {
	// Fast path: a lone final-and-first fragment needs no table entry.
	if _, exists := r.sets[f.InstructionID]; !exists && f.Final && f.FragmentIndex == 0 {
		r.recordSeen(f.InstructionID)
		return f.Payload, true
	}

	s, ok := r.sets[f.InstructionID]
	if !ok {
		r.evictIfFull(f.InstructionID)
		s = &set{id: f.InstructionID, fragments: make(map[uint16][]byte), finalIndex: -1}
		r.sets[f.InstructionID] = s
		r.order = append(r.order, f.InstructionID)
	}
	r.recordSeen(f.InstructionID)

	if _, dup := s.fragments[f.FragmentIndex]; dup {
		return nil, false
	}
	s.fragments[f.FragmentIndex] = f.Payload
	if f.Final {
		s.finalIndex = int32(f.FragmentIndex)
	}

	if !s.complete() {
		return nil, false
	}

	assembled := s.assemble()
	r.remove(f.InstructionID)
	return assembled, true
}

func (r *Reassembler) recordSeen(id uint16) {
	if !r.haveNewest || signedDistance16(id, r.newest) > 0 {
		r.newest = id
		r.haveNewest = true
	}
}

func (r *Reassembler) remove(id uint16) {
	delete(r.sets, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// evictIfFull drops the tracked set furthest behind the newest id seen, by
// signed 16-bit wrap-around distance, before inserting a new one.
func (r *Reassembler) evictIfFull(incoming uint16) {
	if len(r.sets) < MaxInFlight {
		return
	}
	reference := incoming
	if r.haveNewest {
		reference = r.newest
	}
	var victim uint16
	worst := int32(1<<31 - 1)
	for _, id := range r.order {
		d := signedDistance16(id, reference)
		if d < worst {
			worst = d
			victim = id
		}
	}
	r.remove(victim)
	r.evictions++
}

// signedDistance16 returns id - reference as a signed 16-bit wrap-around
// distance: negative means id trails reference on the circle of 2^16
// points, which is what "furthest behind" means for a monotonic id space.
func signedDistance16(id, reference uint16) int32 {
	return int32(int16(id - reference))
}
