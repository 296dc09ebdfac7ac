// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

package dedupe

// TransposeDir selects the direction of the index byte transpose.
type TransposeDir int

const (
	// Row groups bytes by position within each element (done before
	// index compression: the high-order bytes of index words cluster,
	// improving entropy coding).
	Row TransposeDir = iota

	// Col reverses a Row transpose (done after index decompression).
	Col
)

// Transpose rearranges src into dst, treating src as a sequence of
// elemSize-byte elements. In Row direction, all byte-0s come first,
// then all byte-1s, and so on; Col inverts it. Trailing bytes beyond
// the last whole element are copied unchanged. dst must be at least
// len(src) bytes; src and dst must not overlap.
func Transpose(src, dst []byte, elemSize int, dir TransposeDir) {
	count := len(src) / elemSize

	switch dir {
	case Row:
		for i := 0; i < count; i++ {
			for b := 0; b < elemSize; b++ {
				dst[b*count+i] = src[i*elemSize+b]
			}
		}
	case Col:
		for i := 0; i < count; i++ {
			for b := 0; b < elemSize; b++ {
				dst[i*elemSize+b] = src[b*count+i]
			}
		}
	}

	copy(dst[count*elemSize:len(src)], src[count*elemSize:])
}
