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

// Package codec provides the compression codecs used when serializing
// fragment bodies and cold blocks. Two codecs are offered, the same way
// the storage layer the rest of this core is modeled on keeps two
// interchangeable wire compressors available: lz4 for the common case
// (cheap, fast, used on every fragment write) and xz, which trades
// latency for ratio. Nothing in this module selects xz; snapshot and
// GC-rewrite objects are written uncompressed.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Kind identifies which codec was used to compress a block, so a reader
// never has to guess.
type Kind uint8

const (
	// None stores bytes uncompressed: used for already-dense payloads
	// (quantized vectors) where compression would not pay for itself.
	None Kind = iota
	// LZ4 is the default codec for fragments and hot blocks.
	LZ4
	// XZ trades CPU time for ratio.
	XZ
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case XZ:
		return "xz"
	default:
		return fmt.Sprintf("codec(%d)", uint8(k))
	}
}

// Compress encodes src using the given codec.
func Compress(kind Kind, src []byte) ([]byte, error) {
	switch kind {
	case None:
		return src, nil
	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(src); err != nil {
			return nil, fmt.Errorf("codec: lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("codec: lz4 compress: %w", err)
		}
		return buf.Bytes(), nil
	case XZ:
		var buf bytes.Buffer
		w, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("codec: xz compress: %w", err)
		}
		if _, err := w.Write(src); err != nil {
			return nil, fmt.Errorf("codec: xz compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("codec: xz compress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("codec: unknown kind %d", kind)
	}
}

// Decompress reverses Compress.
func Decompress(kind Kind, src []byte) ([]byte, error) {
	switch kind {
	case None:
		return src, nil
	case LZ4:
		r := lz4.NewReader(bytes.NewReader(src))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("codec: lz4 decompress: %w", err)
		}
		return out, nil
	case XZ:
		r, err := xz.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("codec: xz decompress: %w", err)
		}
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("codec: xz decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("codec: unknown kind %d", kind)
	}
}
