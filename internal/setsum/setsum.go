/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package setsum implements a commutative checksum over an unordered
// multiset of byte strings: Add and Sub are both associative and
// commutative, so Sum(a, b) == Sum(b, a) and Sum(whole) - Sum(part) ==
// Sum(whole minus part). This lets manifest rewrites that drop records
// be verified without re-reading the dropped bytes in order.
package setsum

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/xxh3"
)

// Size is the width of a Setsum in bytes: three independent 64-bit lanes
// summed mod 2^64, wide enough that an adversarial multiset collision is
// not a practical concern for a storage integrity check.
const Size = 24

// T is a commutative checksum. The zero value is the checksum of the
// empty multiset.
type T [3]uint64

// Empty is the checksum of the empty multiset.
var Empty T

// Of hashes a single byte string into a Setsum lane triple using three
// independently-seeded xxh3 hashes.
func Of(b []byte) T {
	return T{
		xxh3.HashSeed(b, 0),
		xxh3.HashSeed(b, 0x9e3779b97f4a7c15),
		xxh3.HashSeed(b, 0xc2b2ae3d27d4eb4f),
	}
}

// Add folds b's checksum into the running total. Order of calls does not
// matter, matching the "commutative sum of per-record setsums" invariant
// manifests rely on.
func (s T) Add(other T) T {
	return T{s[0] + other[0], s[1] + other[1], s[2] + other[2]}
}

// Sub removes other's contribution from s. Used to verify a rewrite that
// drops records: whole.Sub(dropped) must equal the new manifest's setsum.
func (s T) Sub(other T) T {
	return T{s[0] - other[0], s[1] - other[1], s[2] - other[2]}
}

// Fold sums a sequence of per-record checksums; order-independent.
func Fold(parts ...T) T {
	var acc T
	for _, p := range parts {
		acc = acc.Add(p)
	}
	return acc
}

// Equal reports whether two checksums match exactly.
func (s T) Equal(other T) bool {
	return s == other
}

// IsEmpty reports whether s is the checksum of the empty multiset.
func (s T) IsEmpty() bool {
	return s == Empty
}

func (s T) String() string {
	var buf [Size]byte
	for i, lane := range s {
		buf[i*8+0] = byte(lane >> 56)
		buf[i*8+1] = byte(lane >> 48)
		buf[i*8+2] = byte(lane >> 40)
		buf[i*8+3] = byte(lane >> 32)
		buf[i*8+4] = byte(lane >> 24)
		buf[i*8+5] = byte(lane >> 16)
		buf[i*8+6] = byte(lane >> 8)
		buf[i*8+7] = byte(lane)
	}
	return hex.EncodeToString(buf[:])
}

// Parse reconstructs a Setsum from its String() form.
func Parse(s string) (T, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return T{}, fmt.Errorf("setsum: %w", err)
	}
	if len(raw) != Size {
		return T{}, fmt.Errorf("setsum: expected %d bytes, got %d", Size, len(raw))
	}
	var t T
	for i := range t {
		var v uint64
		for j := 0; j < 8; j++ {
			v = v<<8 | uint64(raw[i*8+j])
		}
		t[i] = v
	}
	return t, nil
}

// MarshalJSON encodes the Setsum as its hex string so manifests stay
// human-readable JSON, matching how the rest of the core persists state.
func (s T) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes the hex string form produced by MarshalJSON.
func (s *T) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("setsum: invalid json %q", data)
	}
	parsed, err := Parse(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
