package reassembly

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/tsuna/mtun/wire"
)

func TestSingleFragmentDeliversImmediately(t *testing.T) {
	r := New()
	got, ok := r.Add(wire.Fragment{InstructionID: 1, FragmentIndex: 0, Final: true, Payload: []byte("hi")})
	if !ok {
		t.Fatalf("expected immediate delivery")
	}
	if string(got) != "hi" {
		t.Fatalf("got %q, want %q", got, "hi")
	}
}

func TestMultiFragmentOutOfOrder(t *testing.T) {
	r := New()
	frags := []wire.Fragment{
		{InstructionID: 1, FragmentIndex: 1, Final: true, Payload: []byte("world")},
		{InstructionID: 1, FragmentIndex: 0, Final: false, Payload: []byte("hello ")},
	}
	if _, ok := r.Add(frags[0]); ok {
		t.Fatalf("should not complete before index 0 arrives")
	}
	got, ok := r.Add(frags[1])
	if !ok {
		t.Fatalf("expected completion once all fragments arrived")
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q, want %q", got, "hello world")
	}
}

// P4: delivering the same fragment set in any permutation, with duplicates
// interleaved, produces exactly one delivery of the original instruction.
func TestReassemblyIdempotentUnderPermutationAndDuplicates(t *testing.T) {
	original := make([]byte, 257)
	for i := range original {
		original[i] = byte(i)
	}
	fr := wire.NewFragmenter(64)
	frags := fr.Split(9, original)
	if len(frags) < 3 {
		t.Fatalf("test setup produced too few fragments: %d", len(frags))
	}

	// Build an input stream with duplicates interleaved, then shuffle.
	input := append([]wire.Fragment{}, frags...)
	input = append(input, frags[0], frags[len(frags)-1], frags[0])
	rand.New(rand.NewSource(1)).Shuffle(len(input), func(i, j int) {
		input[i], input[j] = input[j], input[i]
	})

	r := New()
	deliveries := 0
	var delivered []byte
	for _, f := range input {
		if got, ok := r.Add(f); ok {
			deliveries++
			delivered = got
		}
	}
	if deliveries != 1 {
		t.Fatalf("got %d deliveries, want exactly 1", deliveries)
	}
	if !bytes.Equal(delivered, original) {
		t.Fatalf("reassembled bytes do not match original")
	}
}

func TestEvictsFurthestBehindWhenFull(t *testing.T) {
	r := New()
	// Fill the table with MaxInFlight partial (never-completing) sets.
	for i := 0; i < MaxInFlight; i++ {
		r.Add(wire.Fragment{InstructionID: uint16(i), FragmentIndex: 1, Final: false, Payload: []byte("x")})
	}
	if len(r.sets) != MaxInFlight {
		t.Fatalf("got %d in-flight sets, want %d", len(r.sets), MaxInFlight)
	}
	// One more distinct id should evict, not grow past the cap.
	r.Add(wire.Fragment{InstructionID: uint16(MaxInFlight), FragmentIndex: 1, Final: false, Payload: []byte("x")})
	if len(r.sets) != MaxInFlight {
		t.Fatalf("table grew past cap: %d entries", len(r.sets))
	}
	if r.Evictions() != 1 {
		t.Fatalf("Evictions() = %d, want 1", r.Evictions())
	}
	// id 0 is furthest behind the newest id (MaxInFlight) and should be gone.
	if _, ok := r.sets[0]; ok {
		t.Fatalf("expected id 0 to have been evicted")
	}
}

func TestWrapAroundDistance(t *testing.T) {
	// id 1 is "ahead of" reference 65535 by 2 on the wrap-around circle.
	if d := signedDistance16(1, 65535); d != 2 {
		t.Errorf("signedDistance16(1, 65535) = %d, want 2", d)
	}
	// id 65000 trails reference 1 (a large negative distance).
	if d := signedDistance16(65000, 1); d >= 0 {
		t.Errorf("signedDistance16(65000, 1) = %d, want negative", d)
	}
}
