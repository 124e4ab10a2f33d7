// Package wire implements the two wire codecs the session speaks: the
// per-datagram fragment header and the protobuf-wire-compatible Instruction
// record carried by the State Synchronization Protocol.
package wire

import (
	"encoding/binary"
	"fmt"
)

// FragmentHeaderSize is the size, in bytes, of the fixed fragment header
// (instruction_id + fragment_index/final word).
const FragmentHeaderSize = 4

// finalBit marks fragment_index's high bit as "this is the last fragment".
const finalBit = uint16(1) << 15

// indexMask isolates the 15-bit fragment index.
const indexMask = finalBit - 1

// DecodeError is returned for malformed wire data (a fragment shorter than
// its header, or an instruction record that is not valid protobuf wire). Per the transport's error taxonomy this is
// never surfaced to a caller of the session's public API: it is dropped
// silently, exactly like any other corrupt UDP payload.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("mtun: decode error: %s", e.Reason)
}

// Fragment is one MTU-sized piece of an encoded Instruction.
type Fragment struct {
	InstructionID uint16
	FragmentIndex uint16
	Final         bool
	Payload       []byte
}

// EncodeFragment serializes a Fragment to its wire form.
func EncodeFragment(f Fragment) []byte {
	out := make([]byte, FragmentHeaderSize+len(f.Payload))
	binary.BigEndian.PutUint16(out[0:2], f.InstructionID)
	word := f.FragmentIndex & indexMask
	if f.Final {
		word |= finalBit
	}
	binary.BigEndian.PutUint16(out[2:4], word)
	copy(out[FragmentHeaderSize:], f.Payload)
	return out
}

// DecodeFragment parses a Fragment from its wire form.
func DecodeFragment(b []byte) (Fragment, error) {
	if len(b) < FragmentHeaderSize {
		return Fragment{}, &DecodeError{Reason: "fragment shorter than header"}
	}
	id := binary.BigEndian.Uint16(b[0:2])
	word := binary.BigEndian.Uint16(b[2:4])
	payload := b[FragmentHeaderSize:]
	// Own the payload; callers may reuse the backing buffer of b.
	owned := make([]byte, len(payload))
	copy(owned, payload)
	return Fragment{
		InstructionID: id,
		FragmentIndex: word & indexMask,
		Final:         word&finalBit != 0,
		Payload:       owned,
	}, nil
}

// FragmentPayloadCap returns the per-fragment payload budget for a given
// UDP MTU, accounting for the nonce, AEAD tag, and fragment header.
func FragmentPayloadCap(mtu int) int {
	c := mtu - 12 /* nonce */ - 16 /* tag */ - FragmentHeaderSize
	if c < 1 {
		c = 1
	}
	return c
}

// Fragmenter splits an encoded instruction into MTU-sized fragments.
type Fragmenter struct {
	PayloadCap int
}

// NewFragmenter builds a Fragmenter for the given UDP MTU.
func NewFragmenter(mtu int) Fragmenter {
	return Fragmenter{PayloadCap: FragmentPayloadCap(mtu)}
}

// Split breaks instructionBytes into fragments carrying instructionID,
// which is expected to be the low 16 bits of the instruction's new_num.
func (fr Fragmenter) Split(instructionID uint16, instructionBytes []byte) []Fragment {
	if len(instructionBytes) == 0 {
		return []Fragment{{InstructionID: instructionID, FragmentIndex: 0, Final: true}}
	}
	n := (len(instructionBytes) + fr.PayloadCap - 1) / fr.PayloadCap
	frags := make([]Fragment, 0, n)
	for i := 0; i < n; i++ {
		start := i * fr.PayloadCap
		end := start + fr.PayloadCap
		if end > len(instructionBytes) {
			end = len(instructionBytes)
		}
		frags = append(frags, Fragment{
			InstructionID: instructionID,
			FragmentIndex: uint16(i),
			Final:         i == n-1,
			Payload:       instructionBytes[start:end],
		})
	}
	return frags
}
