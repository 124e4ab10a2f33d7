package wire

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers match the upstream mosh TransportBuffers.Instruction
// message exactly, so a byte-exact wire encoding interoperates with a
// reference mosh server.
const (
	fieldOldNum       protowire.Number = 1
	fieldNewNum       protowire.Number = 2
	fieldAckNum       protowire.Number = 3
	fieldThrowawayNum protowire.Number = 4
	fieldDiff         protowire.Number = 5
	fieldChaff        protowire.Number = 6
)

// Instruction is the SSP wire record: a diff-from/diff-to pair of sequence
// numbers, a peer ack, a throwaway watermark, and the opaque payload.
type Instruction struct {
	OldNum       int64
	NewNum       int64
	AckNum       int64
	ThrowawayNum int64
	Diff         []byte
	Chaff        []byte
}

// Marshal encodes the instruction using the protobuf wire format.
func (in Instruction) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldOldNum, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(in.OldNum))
	b = protowire.AppendTag(b, fieldNewNum, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(in.NewNum))
	b = protowire.AppendTag(b, fieldAckNum, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(in.AckNum))
	b = protowire.AppendTag(b, fieldThrowawayNum, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(in.ThrowawayNum))
	if len(in.Diff) > 0 {
		b = protowire.AppendTag(b, fieldDiff, protowire.BytesType)
		b = protowire.AppendBytes(b, in.Diff)
	}
	if len(in.Chaff) > 0 {
		b = protowire.AppendTag(b, fieldChaff, protowire.BytesType)
		b = protowire.AppendBytes(b, in.Chaff)
	}
	return b
}

// Unmarshal decodes bytes previously produced by Marshal (or by a
// compatible peer implementation). Unknown fields are skipped, matching
// protobuf's forward-compatibility rules.
func Unmarshal(b []byte) (Instruction, error) {
	var in Instruction
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Instruction{}, &DecodeError{Reason: "malformed instruction tag"}
		}
		b = b[n:]

		switch num {
		case fieldOldNum, fieldNewNum, fieldAckNum, fieldThrowawayNum:
			if typ != protowire.VarintType {
				return Instruction{}, &DecodeError{Reason: "unexpected wire type for varint field"}
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Instruction{}, &DecodeError{Reason: "malformed varint"}
			}
			b = b[n:]
			switch num {
			case fieldOldNum:
				in.OldNum = int64(v)
			case fieldNewNum:
				in.NewNum = int64(v)
			case fieldAckNum:
				in.AckNum = int64(v)
			case fieldThrowawayNum:
				in.ThrowawayNum = int64(v)
			}
		case fieldDiff, fieldChaff:
			if typ != protowire.BytesType {
				return Instruction{}, &DecodeError{Reason: "unexpected wire type for bytes field"}
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Instruction{}, &DecodeError{Reason: "malformed length-delimited field"}
			}
			b = b[n:]
			owned := make([]byte, len(v))
			copy(owned, v)
			if num == fieldDiff {
				in.Diff = owned
			} else {
				in.Chaff = owned
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Instruction{}, &DecodeError{Reason: "malformed unknown field"}
			}
			b = b[n:]
		}
	}
	return in, nil
}
