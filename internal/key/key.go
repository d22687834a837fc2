// Package key implements 160-bit identifiers of the DHT key space.
package key

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"math/bits"
)

// Length of a key in bytes.
const Length = 20

// Bits is the number of bits in a key.
const Bits = Length * 8

// ErrInvalidLength is returned when decoding a key of wrong size.
var ErrInvalidLength = errors.New("invalid key length")

// Key is a node identifier or an info hash. Keys are compared as unsigned big-endian integers.
type Key [Length]byte

// Zero is the all-zero key.
var Zero Key

// Random returns a uniformly distributed key.
func Random() Key {
	var k Key
	_, _ = rand.Read(k[:])
	return k
}

// FromBytes copies b into a Key. b must be exactly Length bytes long.
func FromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != Length {
		return k, ErrInvalidLength
	}
	copy(k[:], b)
	return k, nil
}

// FromString is FromBytes for binary strings as found in KRPC messages.
func FromString(s string) (Key, error) {
	return FromBytes([]byte(s))
}

// Decode parses a hex encoded key.
func Decode(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, err
	}
	return FromBytes(b)
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Binary returns the key as a binary string.
func (k Key) Binary() string {
	return string(k[:])
}

func (k Key) IsZero() bool {
	return k == Zero
}

// Compare returns -1, 0 or +1.
func (k Key) Compare(o Key) int {
	return bytes.Compare(k[:], o[:])
}

func (k Key) Less(o Key) bool {
	return k.Compare(o) < 0
}

// Distance returns the XOR metric between two keys.
func (k Key) Distance(o Key) Key {
	var d Key
	for i := range k {
		d[i] = k[i] ^ o[i]
	}
	return d
}

// Closer reports whether a is closer to k than b.
func (k Key) Closer(a, b Key) bool {
	for i := range k {
		da, db := a[i]^k[i], b[i]^k[i]
		if da != db {
			return da < db
		}
	}
	return false
}

// CommonPrefixLen returns the number of leading bits shared by a and b.
func CommonPrefixLen(a, b Key) int {
	for i := range a {
		if x := a[i] ^ b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return Bits
}

// Derive returns a sibling of root that differs only in its last byte.
// Derive(root, 0) == root.
func Derive(root Key, n int) Key {
	d := root
	d[Length-1] ^= byte(n)
	return d
}

// WithPrefix returns a random key sharing the first n bits with k.
func (k Key) WithPrefix(n int) Key {
	if n >= Bits {
		return k
	}
	r := Random()
	full := n / 8
	copy(r[:full], k[:full])
	if rem := n % 8; rem > 0 {
		mask := byte(0xff) << (8 - rem)
		r[full] = k[full]&mask | r[full]&^mask
	}
	return r
}

// Sibling returns a random key whose common prefix with k is exactly n bits long.
func (k Key) Sibling(n int) Key {
	if n >= Bits {
		return k
	}
	r := k.WithPrefix(n)
	mask := byte(0x80) >> (n % 8)
	r[n/8] = r[n/8]&^mask | ^k[n/8]&mask
	return r
}
