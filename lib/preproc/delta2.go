// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

package preproc

import (
	"encoding/binary"
	"fmt"
)

// Delta2 turns runs of fixed-stride big-endian integers in arithmetic
// progression into (first value, common difference, count) records.
// Tables of sequence numbers, timestamps, and sampled measurements
// collapse to a few bytes; the backend codec then squeezes what
// remains. The transform is exact and reversible for any input.
//
// Encoded stream layout, repeated to end of input:
//
//	literal segment: 0x00, length u32, raw bytes
//	delta segment:   0x01, span u8, count u32, first u64, diff u64
//
// Values narrower than 8 bytes are zero-extended into the u64 fields.

const (
	delta2Literal = 0x00
	delta2Run     = 0x01
)

// delta2MinRunBytes is the smallest run worth encoding. A run record
// costs 22 bytes, so runs must cover comfortably more than that.
const delta2MinRunBytes = 48

// Delta2Encode scans src with the given span (2, 4 or 8 bytes) and
// encodes arithmetic runs. Returns ErrNoGain when no qualifying run
// exists or the encoded form is not smaller.
func Delta2Encode(src []byte, span int) ([]byte, error) {
	if span != 2 && span != 4 && span != 8 {
		return nil, fmt.Errorf("delta2: span must be 2, 4 or 8, got %d", span)
	}
	minRun := delta2MinRunBytes / span
	if len(src) < delta2MinRunBytes {
		return nil, ErrNoGain
	}

	output := make([]byte, 0, len(src))
	literalStart := 0
	position := 0
	sawRun := false

	flushLiteral := func(end int) {
		if literalStart >= end {
			return
		}
		output = append(output, delta2Literal)
		output = binary.BigEndian.AppendUint32(output, uint32(end-literalStart))
		output = append(output, src[literalStart:end]...)
		literalStart = end
	}

	readValue := func(offset int) uint64 {
		switch span {
		case 2:
			return uint64(binary.BigEndian.Uint16(src[offset:]))
		case 4:
			return uint64(binary.BigEndian.Uint32(src[offset:]))
		default:
			return binary.BigEndian.Uint64(src[offset:])
		}
	}

	for position+2*span <= len(src) {
		first := readValue(position)
		second := readValue(position + span)
		diff := second - first

		count := 2
		for {
			next := position + count*span
			if next+span > len(src) {
				break
			}
			if readValue(next)-readValue(next-span) != diff {
				break
			}
			count++
		}

		if count >= minRun {
			flushLiteral(position)
			output = append(output, delta2Run, byte(span))
			output = binary.BigEndian.AppendUint32(output, uint32(count))
			output = binary.BigEndian.AppendUint64(output, first)
			output = binary.BigEndian.AppendUint64(output, diff)
			position += count * span
			literalStart = position
			sawRun = true
		} else {
			position += span
		}
	}

	if !sawRun {
		return nil, ErrNoGain
	}
	flushLiteral(len(src))

	if len(output) >= len(src) {
		return nil, ErrNoGain
	}
	return output, nil
}

// Delta2Decode reverses Delta2Encode. maxSize bounds the decoded
// output; exceeding it means the stream is corrupt.
func Delta2Decode(src []byte, maxSize int) ([]byte, error) {
	output := make([]byte, 0, maxSize)
	position := 0

	for position < len(src) {
		marker := src[position]
		position++

		switch marker {
		case delta2Literal:
			if position+4 > len(src) {
				return nil, fmt.Errorf("delta2: truncated literal header")
			}
			length := int(binary.BigEndian.Uint32(src[position:]))
			position += 4
			if position+length > len(src) {
				return nil, fmt.Errorf("delta2: literal overruns input")
			}
			if len(output)+length > maxSize {
				return nil, fmt.Errorf("delta2: output exceeds declared size")
			}
			output = append(output, src[position:position+length]...)
			position += length

		case delta2Run:
			if position+1+4+8+8 > len(src) {
				return nil, fmt.Errorf("delta2: truncated run header")
			}
			span := int(src[position])
			position++
			count := int(binary.BigEndian.Uint32(src[position:]))
			position += 4
			value := binary.BigEndian.Uint64(src[position:])
			position += 8
			diff := binary.BigEndian.Uint64(src[position:])
			position += 8

			if span != 2 && span != 4 && span != 8 {
				return nil, fmt.Errorf("delta2: invalid span %d", span)
			}
			if len(output)+count*span > maxSize {
				return nil, fmt.Errorf("delta2: output exceeds declared size")
			}
			for i := 0; i < count; i++ {
				switch span {
				case 2:
					output = binary.BigEndian.AppendUint16(output, uint16(value))
				case 4:
					output = binary.BigEndian.AppendUint32(output, uint32(value))
				default:
					output = binary.BigEndian.AppendUint64(output, value)
				}
				value += diff
			}

		default:
			return nil, fmt.Errorf("delta2: invalid segment marker %d", marker)
		}
	}

	return output, nil
}
