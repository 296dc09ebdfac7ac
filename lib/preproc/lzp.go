// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

// Package preproc implements the two reversible pre-compression
// transforms that can run ahead of the backend codec: LZP (context
// prediction) and Delta2 (arithmetic-progression delta). Both are
// keep-if-smaller transforms — the pipeline applies a transform only
// when it reduced the buffer (LZP) or succeeded at all (Delta2), and
// records which ones ran in the chunk's preprocess-type byte.
package preproc

import (
	"errors"
	"fmt"
)

// ErrNoGain reports that a transform ran correctly but did not shrink
// the input. The pipeline falls back to the untransformed buffer.
var ErrNoGain = errors.New("preprocessing produced no reduction")

// IsNoGain returns true when err is the no-reduction sentinel, which is
// a fallback condition rather than a failure.
func IsNoGain(err error) bool {
	return errors.Is(err, ErrNoGain)
}

// lzpEscape introduces a match token or an escaped literal in the LZP
// output stream. A protocol constant.
const lzpEscape = 0xF8

// lzpMinMatch is the shortest prediction worth encoding. Matches
// shorter than this cost more than the literals they replace.
const lzpMinMatch = 4

// lzpMaxMatch is the longest match a single token can encode:
// lzpMinMatch + 252. Token length bytes 1..253 map onto this range;
// 0 marks an escaped literal.
const lzpMaxMatch = lzpMinMatch + 252

// lzpHashBits returns the prediction table size for a compression
// level. Higher levels afford more memory for context slots.
func lzpHashBits(level int) uint {
	bits := 16 + uint(level)
	if bits > 22 {
		bits = 22
	}
	return bits
}

func lzpHash(context uint32, bits uint) uint32 {
	return (context * 2654435761) >> (32 - bits)
}

// LZPCompress applies LZP prediction to src. Returns ErrNoGain when the
// output would not be smaller than the input.
func LZPCompress(src []byte, level int) ([]byte, error) {
	if len(src) < lzpMinMatch+3 {
		return nil, ErrNoGain
	}

	bits := lzpHashBits(level)
	table := make([]int32, 1<<bits)
	for i := range table {
		table[i] = -1
	}

	output := make([]byte, 0, len(src))
	var context uint32
	position := 0

	// The first three bytes prime the context and are always literal.
	for ; position < 3; position++ {
		output = append(output, src[position])
		context = context<<8 | uint32(src[position])
	}

	for position < len(src) {
		slot := lzpHash(context, bits)
		predicted := table[slot]
		table[slot] = int32(position)

		if predicted >= 0 {
			length := 0
			for position+length < len(src) &&
				int(predicted)+length < position &&
				length < lzpMaxMatch &&
				src[int(predicted)+length] == src[position+length] {
				length++
			}
			if length >= lzpMinMatch {
				output = append(output, lzpEscape, byte(length-lzpMinMatch+1))
				for i := 0; i < length; i++ {
					context = context<<8 | uint32(src[position])
					position++
				}
				continue
			}
		}

		literal := src[position]
		if literal == lzpEscape {
			output = append(output, lzpEscape, 0)
		} else {
			output = append(output, literal)
		}
		context = context<<8 | uint32(literal)
		position++

		if len(output) >= len(src) {
			return nil, ErrNoGain
		}
	}

	if len(output) >= len(src) {
		return nil, ErrNoGain
	}
	return output, nil
}

// LZPDecompress reverses LZPCompress. maxSize bounds the decoded output
// (the chunk size); exceeding it means the stream is corrupt.
func LZPDecompress(src []byte, level int, maxSize int) ([]byte, error) {
	bits := lzpHashBits(level)
	table := make([]int32, 1<<bits)
	for i := range table {
		table[i] = -1
	}

	output := make([]byte, 0, maxSize)
	var context uint32
	position := 0

	for ; position < 3 && position < len(src); position++ {
		output = append(output, src[position])
		context = context<<8 | uint32(src[position])
	}

	for position < len(src) {
		slot := lzpHash(context, bits)
		predicted := table[slot]
		table[slot] = int32(len(output))

		if src[position] == lzpEscape {
			if position+1 >= len(src) {
				return nil, fmt.Errorf("lzp: truncated escape sequence")
			}
			token := src[position+1]
			position += 2

			if token == 0 {
				// Escaped literal.
				if len(output)+1 > maxSize {
					return nil, fmt.Errorf("lzp: output exceeds declared size")
				}
				output = append(output, lzpEscape)
				context = context<<8 | uint32(lzpEscape)
				continue
			}

			length := int(token) + lzpMinMatch - 1
			if predicted < 0 {
				return nil, fmt.Errorf("lzp: match token with no prediction in context")
			}
			if len(output)+length > maxSize {
				return nil, fmt.Errorf("lzp: output exceeds declared size")
			}
			for i := 0; i < length; i++ {
				if int(predicted)+i >= len(output) {
					return nil, fmt.Errorf("lzp: match overruns decoded data")
				}
				b := output[int(predicted)+i]
				output = append(output, b)
				context = context<<8 | uint32(b)
			}
			continue
		}

		if len(output)+1 > maxSize {
			return nil, fmt.Errorf("lzp: output exceeds declared size")
		}
		literal := src[position]
		position++
		output = append(output, literal)
		context = context<<8 | uint32(literal)
	}

	return output, nil
}
