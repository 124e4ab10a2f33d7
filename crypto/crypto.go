// Package crypto implements the AES-128-OCB3 authenticated encryption and
// nonce/replay bookkeeping used to protect every UDP datagram of a session.
package crypto

import (
	"crypto/aes"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/cloudflare/circl/cipher/ocb"
)

// KeySize is the raw AES-128 key length in bytes.
const KeySize = 16

// NonceSize is the wire size of the nonce prefix on every UDP datagram.
const NonceSize = 12

// TagSize is the OCB3 authentication tag length.
const TagSize = 16

// counterMask keeps the role bit (bit 63 of the leading 8-byte field) clear.
const counterMask = uint64(1)<<63 - 1

// Role distinguishes the two directions of a session; it is carried as the
// high bit of the nonce's leading 8-byte field.
type Role uint8

const (
	// RoleClient marks packets travelling client to server.
	RoleClient Role = 0
	// RoleServer marks packets travelling server to client.
	RoleServer Role = 1
)

// KeyError is returned by ParseKey when the supplied session key is not a
// well-formed 16-byte key. It is a construction-time, fail-closed error.
type KeyError struct {
	Reason string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("mtun: invalid session key: %s", e.Reason)
}

// CryptoError covers everything recv_udp can fail on: tag mismatch, a role
// bit that doesn't match the expected peer, or a replayed/out-of-order
// nonce. All of these are fail-open: the caller drops the packet and keeps
// the session running.
type CryptoError struct {
	Reason string
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("mtun: crypto error: %s", e.Reason)
}

// ParseKey decodes a mosh-style 22-character unpadded base64 session key
// into the 16 raw AES-128 key bytes.
func ParseKey(keyB64 string) ([]byte, error) {
	key, err := base64.RawURLEncoding.DecodeString(keyB64)
	if err != nil {
		// mosh-server also emits standard (non-URL) base64 alphabets in the
		// wild; fall back before giving up.
		key, err = base64.RawStdEncoding.DecodeString(keyB64)
		if err != nil {
			return nil, &KeyError{Reason: "not valid base64: " + err.Error()}
		}
	}
	if len(key) != KeySize {
		return nil, &KeyError{Reason: fmt.Sprintf("decoded key is %d bytes, want %d", len(key), KeySize)}
	}
	return key, nil
}

// EncodeNonce lays out the 12-byte nonce: an 8-byte big-endian field whose
// top bit (the high bit of the wire's first byte) is the role and whose
// low 63 bits are the monotonic counter, followed by 4 zero bytes.
func EncodeNonce(role Role, counter uint64) [NonceSize]byte {
	var n [NonceSize]byte
	v := uint64(role)<<63 | (counter & counterMask)
	binary.BigEndian.PutUint64(n[0:8], v)
	return n
}

// DecodeNonce is the inverse of EncodeNonce. It rejects anything whose
// trailing 4 bytes are not zero, since that can't be a nonce we produced.
func DecodeNonce(b []byte) (role Role, counter uint64, ok bool) {
	if len(b) != NonceSize {
		return 0, 0, false
	}
	for _, z := range b[8:12] {
		if z != 0 {
			return 0, 0, false
		}
	}
	v := binary.BigEndian.Uint64(b[0:8])
	return Role(v >> 63), v & counterMask, true
}

// Codec seals and opens datagrams for one direction pair: it sends with
// selfRole and only accepts datagrams whose nonce carries peerRole.
type Codec struct {
	aead ocbAEAD

	selfRole Role
	peerRole Role

	sendCounter uint64

	haveRecv    bool
	recvHighest uint64
}

// ocbAEAD is the subset of cipher.AEAD that circl's OCB implementation
// satisfies; naming it keeps this file's surface obvious without importing
// crypto/cipher just for the interface literal.
type ocbAEAD interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// NewCodec builds a Codec from a raw 16-byte key. selfRole is the role this
// side uses when sealing; the peer is assumed to use the other role.
func NewCodec(key []byte, selfRole Role) (*Codec, error) {
	if len(key) != KeySize {
		return nil, &KeyError{Reason: fmt.Sprintf("key is %d bytes, want %d", len(key), KeySize)}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &KeyError{Reason: err.Error()}
	}
	aead, err := ocb.NewOCB(block)
	if err != nil {
		return nil, &KeyError{Reason: err.Error()}
	}
	peerRole := RoleServer
	if selfRole == RoleServer {
		peerRole = RoleClient
	}
	return &Codec{aead: aead, selfRole: selfRole, peerRole: peerRole}, nil
}

// Seal advances the send counter and produces nonce||ciphertext||tag.
func (c *Codec) Seal(plaintext []byte) ([]byte, error) {
	nonce := EncodeNonce(c.selfRole, c.sendCounter)
	c.sendCounter++

	out := make([]byte, 0, NonceSize+len(plaintext)+TagSize)
	out = append(out, nonce[:]...)
	out = c.aead.Seal(out, nonce[:], plaintext, nil)
	return out, nil
}

// Open validates the role bit and strict nonce monotonicity, then verifies
// and decrypts. On any failure it returns a CryptoError and leaves the
// codec's replay state untouched.
func (c *Codec) Open(packet []byte) ([]byte, error) {
	if len(packet) < NonceSize+TagSize {
		return nil, &CryptoError{Reason: "packet shorter than nonce+tag"}
	}
	nonceBytes := packet[:NonceSize]
	role, counter, ok := DecodeNonce(nonceBytes)
	if !ok {
		return nil, &CryptoError{Reason: "malformed nonce"}
	}
	if role != c.peerRole {
		return nil, &CryptoError{Reason: "nonce role bit does not match expected peer"}
	}
	if c.haveRecv && counter <= c.recvHighest {
		return nil, &CryptoError{Reason: "nonce replay or reorder"}
	}

	plaintext, err := c.aead.Open(nil, nonceBytes, packet[NonceSize:], nil)
	if err != nil {
		return nil, &CryptoError{Reason: "authentication tag mismatch"}
	}

	c.haveRecv = true
	c.recvHighest = counter
	return plaintext, nil
}
