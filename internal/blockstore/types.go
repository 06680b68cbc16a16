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

/*
Package blockstore implements the columnar, content-addressed block
format (C8-C12): immutable sorted-run blocks, the delta builders that
produce them, the sparse index that maps key ranges to blocks, the
transactional blockfile abstraction built on top, and the multi-tier
block cache.

Dynamic dispatch is modeled as two small closed type families per §9 of
the spec rather than an open ColumnStorage interface: KeyType picks how
a row's key compares and serializes, ValueType picks how a row's value
is sized, serialized, and appended into a delta.
*/
package blockstore

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// BlockID content-addresses an immutable block.
type BlockID = uuid.UUID

// KeyType is the fixed set of key encodings a blockfile can use.
type KeyType uint8

const (
	// KeyText sorts keys as raw bytes (e.g. user-visible record ids).
	KeyText KeyType = iota
	// KeyNumeric sorts keys as big-endian fixed-width integers (e.g.
	// HNSW graph page offsets).
	KeyNumeric
	// KeyComposite sorts keys as a tuple of sub-keys (e.g. metadata
	// posting lists keyed by (attribute, value)).
	KeyComposite
)

func (k KeyType) String() string {
	switch k {
	case KeyText:
		return "text"
	case KeyNumeric:
		return "numeric"
	case KeyComposite:
		return "composite"
	default:
		return fmt.Sprintf("keytype(%d)", uint8(k))
	}
}

// ValueType is the fixed set of value encodings a blockfile can use.
type ValueType uint8

const (
	// ValueBytes stores an opaque payload (record segment documents).
	ValueBytes ValueType = iota
	// ValueVector stores a fixed-dimension float32 embedding (vector
	// segment payload).
	ValueVector
	// ValuePostings stores a sorted list of record-id postings
	// (metadata segment inverted index).
	ValuePostings
	// ValueCluster stores a quantized cluster centroid + assignment
	// (SPANN-style index pages).
	ValueCluster
)

func (v ValueType) String() string {
	switch v {
	case ValueBytes:
		return "bytes"
	case ValueVector:
		return "vector"
	case ValuePostings:
		return "postings"
	case ValueCluster:
		return "cluster"
	default:
		return fmt.Sprintf("valuetype(%d)", uint8(v))
	}
}

// Key is a single key value: its bytes plus a discriminant so
// comparisons dispatch to the right ordering.
type Key struct {
	Type   KeyType
	Bytes  []byte   // KeyText, KeyNumeric
	Tuple  []Key    // KeyComposite
}

// TextKey builds a text key.
func TextKey(s string) Key { return Key{Type: KeyText, Bytes: []byte(s)} }

// NumericKey builds a big-endian 8-byte numeric key.
func NumericKey(n uint64) Key {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(n)
		n >>= 8
	}
	return Key{Type: KeyNumeric, Bytes: b}
}

// CompositeKeyOf builds a composite key from sub-keys.
func CompositeKeyOf(parts ...Key) Key { return Key{Type: KeyComposite, Tuple: parts} }

// Compare orders two keys of the same Type. Composite keys compare
// element-wise, shorter-tuple-is-smaller on a common prefix.
func (k Key) Compare(other Key) int {
	if k.Type != other.Type {
		if k.Type < other.Type {
			return -1
		}
		return 1
	}
	switch k.Type {
	case KeyComposite:
		for i := 0; i < len(k.Tuple) && i < len(other.Tuple); i++ {
			if c := k.Tuple[i].Compare(other.Tuple[i]); c != 0 {
				return c
			}
		}
		return len(k.Tuple) - len(other.Tuple)
	default:
		return bytes.Compare(k.Bytes, other.Bytes)
	}
}

// CompositeKey is the sort key of a row: (prefix, key). Rows sort
// lexicographically by prefix first, then key, matching §3's Block
// invariant.
type CompositeKey struct {
	Prefix string
	Key    Key
}

// Compare orders two composite keys.
func (c CompositeKey) Compare(other CompositeKey) int {
	if c.Prefix != other.Prefix {
		if c.Prefix < other.Prefix {
			return -1
		}
		return 1
	}
	return c.Key.Compare(other.Key)
}

// MinSentinel is smaller than every real composite key; it is the
// minimum key of the sparse index's first entry.
var MinSentinel = CompositeKey{Prefix: "", Key: Key{Type: KeyText, Bytes: nil}}

// Value is a type-erased, value-type-tagged payload.
type Value struct {
	Type  ValueType
	Bytes []byte    // ValueBytes, or serialized form of the other kinds
	Null  bool      // true if this row's value is absent (validity bitmap bit)
}

// Row is one (prefix, key, value) tuple, the unit blocks are built from.
type Row struct {
	Key   CompositeKey
	Value Value
}
