// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

// Package dedupe implements block-level deduplication within a chunk
// (content-defined or fixed blocks), optional delta encoding of
// similar blocks, and the file-wide global index shared by all
// pipeline workers.
//
// A deduplicated chunk payload is laid out as
//
//	[header 44 bytes][index: 8 bytes per block][unique block data]
//
// with all integers big-endian. The index and the data region are
// compressed separately by the pipeline (the index through the
// index codec after a byte transpose, the data through the configured
// backend); the header records both the uncompressed and compressed
// sizes of each region so the decoder can split the payload.
package dedupe

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

// Mode selects the deduplication strategy.
type Mode int

const (
	// ModeNone disables deduplication.
	ModeNone Mode = iota

	// ModeSegmented deduplicates content-defined blocks within each
	// chunk independently.
	ModeSegmented

	// ModeFixed deduplicates fixed-size blocks within each chunk.
	ModeFixed

	// ModeGlobal deduplicates content-defined blocks against a
	// file-wide index. Index access is serialized across workers by
	// the ring token.
	ModeGlobal
)

// DeltaLevel selects similarity-based delta encoding of blocks that
// are not identical but close.
type DeltaLevel int

const (
	// DeltaOff disables delta encoding.
	DeltaOff DeltaLevel = iota

	// DeltaNormal delta-encodes blocks with at least 60% sketch
	// similarity.
	DeltaNormal

	// DeltaExtra delta-encodes blocks with at least 40% sketch
	// similarity.
	DeltaExtra
)

// Wire format constants. Protocol constants: changing any of them
// breaks decoding of existing deduplicated archives.
const (
	// HeaderSize is the fixed dedupe header ahead of the index.
	HeaderSize = 44

	// IndexEntrySize is the serialized size of one block entry.
	IndexEntrySize = 8

	// IndexElemSize is the transpose element width for the index.
	IndexElemSize = 4

	// MinIndexCompressSize is the smallest index worth running
	// through the index codec. Below this the index is stored
	// verbatim, and the decoder infers that from equal sizes.
	MinIndexCompressSize = 90
)

// Index entry tags (bits 31-30 of the first word).
const (
	tagLiteral = 0
	tagRef     = 1
	tagDelta   = 2
)

const lengthMask = (1 << 30) - 1

// Header is the parsed dedupe header.
type Header struct {
	BlockCount   uint32
	IndexSize    uint64
	IndexSizeCmp uint64
	DataSize     uint64
	DataSizeCmp  uint64
	OriginalSize uint64
}

// ParseHeader decodes the dedupe header at the front of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("dedupe header truncated: %d bytes", len(buf))
	}
	header := Header{
		BlockCount:   binary.BigEndian.Uint32(buf[0:]),
		IndexSize:    binary.BigEndian.Uint64(buf[4:]),
		IndexSizeCmp: binary.BigEndian.Uint64(buf[12:]),
		DataSize:     binary.BigEndian.Uint64(buf[20:]),
		DataSizeCmp:  binary.BigEndian.Uint64(buf[28:]),
		OriginalSize: binary.BigEndian.Uint64(buf[36:]),
	}
	if header.IndexSize != uint64(header.BlockCount)*IndexEntrySize {
		return Header{}, fmt.Errorf("dedupe header inconsistent: %d blocks but %d index bytes",
			header.BlockCount, header.IndexSize)
	}
	if header.IndexSizeCmp > header.IndexSize || header.DataSizeCmp > header.DataSize {
		return Header{}, fmt.Errorf("dedupe header inconsistent: compressed region larger than plain")
	}
	return header, nil
}

// writeHeader serializes a header into buf.
func writeHeader(buf []byte, header Header) {
	binary.BigEndian.PutUint32(buf[0:], header.BlockCount)
	binary.BigEndian.PutUint64(buf[4:], header.IndexSize)
	binary.BigEndian.PutUint64(buf[12:], header.IndexSizeCmp)
	binary.BigEndian.PutUint64(buf[20:], header.DataSize)
	binary.BigEndian.PutUint64(buf[28:], header.DataSizeCmp)
	binary.BigEndian.PutUint64(buf[36:], header.OriginalSize)
}

// UpdateHeader rewrites the compressed-size fields after the pipeline
// has compressed the index and data regions separately.
func UpdateHeader(buf []byte, indexSizeCmp, dataSizeCmp uint64) {
	binary.BigEndian.PutUint64(buf[12:], indexSizeCmp)
	binary.BigEndian.PutUint64(buf[28:], dataSizeCmp)
}

// ExtraSpace is the scratch headroom deduplication needs in the
// compressed buffer beyond the chunk size: header plus a worst-case
// index (every block at the minimum size).
func ExtraSpace(chunkSize int64, blockIndex int) int64 {
	minBlock := int64(newSplitter(blockIndex).minimum)
	if minBlock == 0 {
		minBlock = 1
	}
	return HeaderSize + (chunkSize/minBlock+2)*IndexEntrySize + 4096
}

// Context is the per-worker deduplication state. The Valid flag
// reports whether the last Compress achieved a reduction; when false
// the pipeline falls back to the original buffer.
type Context struct {
	// Mode and delta level are fixed at creation.
	Mode  Mode
	Delta DeltaLevel

	split splitter

	// Valid reports whether the last Compress call produced a payload
	// worth keeping.
	Valid bool

	// FileOffset is the chunk's offset in the uncompressed stream.
	// The producer sets it before handing the chunk over; global mode
	// registers block positions relative to it.
	FileOffset int64

	// Global state (ModeGlobal only).
	Global *GlobalIndex

	// IndexToken and NextToken carry the ring token that serializes
	// global index access across workers (ModeGlobal only). The
	// compressor takes the token before touching the index and passes
	// it on as soon as the index update is complete; during
	// decompression the writer passes the token after the chunk is on
	// disk, because reconstruction reads earlier chunks back from the
	// output file.
	IndexToken <-chan struct{}
	NextToken  chan<- struct{}

	// OutFile lets global-mode reconstruction read blocks of earlier
	// chunks from the already-written output file.
	OutFile io.ReaderAt

	hasher *blake3.Hasher
}

// NewContext creates a dedupe context. blockIndex is the -B argument
// (1..5). Delta encoding is only meaningful in segmented mode.
func NewContext(mode Mode, blockIndex int, delta DeltaLevel) (*Context, error) {
	if mode == ModeNone {
		return nil, fmt.Errorf("dedupe: context requested with dedupe disabled")
	}
	if blockIndex < MinBlockIndex || blockIndex > MaxBlockIndex {
		return nil, fmt.Errorf("dedupe: block size index %d out of range [%d, %d]",
			blockIndex, MinBlockIndex, MaxBlockIndex)
	}
	if delta != DeltaOff && mode != ModeSegmented {
		return nil, fmt.Errorf("dedupe: delta encoding requires segmented (rabin) deduplication")
	}
	return &Context{
		Mode:   mode,
		Delta:  delta,
		split:  newSplitter(blockIndex),
		hasher: blake3.New(),
	}, nil
}

// Reset clears the per-chunk state before reuse.
func (c *Context) Reset() {
	c.Valid = false
}

// hashBlock computes the 32-byte block hash used for identity checks.
func (c *Context) hashBlock(block []byte) [32]byte {
	c.hasher.Reset()
	c.hasher.Write(block)
	var sum [32]byte
	c.hasher.Sum(sum[:0])
	return sum
}

// blockSpan is one split block of the source chunk.
type blockSpan struct {
	offset int
	length int
}

// splitBlocks cuts src into blocks per the context's mode.
func (c *Context) splitBlocks(src []byte) []blockSpan {
	var blocks []blockSpan
	position := 0

	if c.Mode == ModeFixed {
		size := c.split.average
		for position < len(src) {
			length := size
			if position+length > len(src) {
				length = len(src) - position
			}
			blocks = append(blocks, blockSpan{offset: position, length: length})
			position += length
		}
		return blocks
	}

	for position < len(src) {
		length := c.split.nextBoundary(src[position:])
		blocks = append(blocks, blockSpan{offset: position, length: length})
		position += length
	}
	return blocks
}

// Compress deduplicates src into dst and returns the total payload
// length and the index size (excluding the header). When no reduction
// is achieved the context's Valid flag is false and the return values
// are meaningless; the caller keeps the original buffer.
func (c *Context) Compress(src, dst []byte) (total int, indexSize int, err error) {
	c.Valid = false
	blocks := c.splitBlocks(src)

	indexSize = len(blocks) * IndexEntrySize
	indexStart := HeaderSize
	dataStart := indexStart + indexSize
	if dataStart+len(src) > len(dst) {
		return 0, 0, fmt.Errorf("dedupe: destination buffer too small: %d blocks into %d bytes",
			len(blocks), len(dst))
	}

	data := dst[dataStart:dataStart] // grows into dst
	refSavings := 0
	deltaCount := 0

	if c.Mode == ModeGlobal {
		// Take the ring token: the global index is ours until we pass
		// the token on. Every chunk takes and passes the token exactly
		// once, even when deduplication achieves nothing, so the ring
		// keeps turning and block registration stays in chunk order.
		<-c.IndexToken
	}

	byHash := make(map[[32]byte]int, len(blocks))
	var sketches [][]uint64
	var sketchOwners map[uint64][]int
	if c.Delta != DeltaOff {
		sketches = make([][]uint64, len(blocks))
		sketchOwners = make(map[uint64][]int, len(blocks)*sketchEntries)
	}

	for number, span := range blocks {
		block := src[span.offset : span.offset+span.length]
		hash := c.hashBlock(block)
		word0 := uint32(span.length)
		word1 := uint32(0)
		matched := false

		if c.Mode == ModeGlobal {
			if globalNumber, ok := c.Global.lookup(hash); ok {
				word0 |= tagRef << 30
				word1 = globalNumber
				refSavings += span.length
				matched = true
			} else {
				c.Global.register(hash, c.FileOffset+int64(span.offset), uint32(span.length))
			}
		} else {
			if previous, ok := byHash[hash]; ok {
				previousSpan := blocks[previous]
				if bytes.Equal(block, src[previousSpan.offset:previousSpan.offset+previousSpan.length]) {
					word0 |= tagRef << 30
					word1 = uint32(previous)
					refSavings += span.length
					matched = true
				}
			} else {
				byHash[hash] = number
			}

			if !matched && c.Delta != DeltaOff {
				sketch := blockSketch(block)
				sketches[number] = sketch
				if candidate, ok := findSimilar(sketch, sketchOwners, sketches, c.Delta); ok {
					word0 = tagDelta<<30 | uint32(span.length)
					word1 = uint32(candidate)
					candidateSpan := blocks[candidate]
					data = appendXor(data, block, src[candidateSpan.offset:candidateSpan.offset+candidateSpan.length])
					deltaCount++
					matched = true
				} else {
					for _, entry := range sketch {
						sketchOwners[entry] = append(sketchOwners[entry], number)
					}
				}
			}
		}

		if !matched && word0>>30 == tagLiteral {
			data = append(data, block...)
		}

		binary.BigEndian.PutUint32(dst[indexStart+number*IndexEntrySize:], word0)
		binary.BigEndian.PutUint32(dst[indexStart+number*IndexEntrySize+4:], word1)
	}

	if c.Mode == ModeGlobal {
		// Index update complete: pass the token to the next worker.
		// Non-blocking: a cancel cascade may already have filled the
		// slot to unwedge the ring.
		select {
		case c.NextToken <- struct{}{}:
		default:
		}
	}

	overhead := HeaderSize + indexSize
	if refSavings <= overhead && deltaCount == 0 {
		return 0, 0, nil
	}

	dataSize := len(data)
	total = HeaderSize + indexSize + dataSize
	writeHeader(dst, Header{
		BlockCount:   uint32(len(blocks)),
		IndexSize:    uint64(indexSize),
		IndexSizeCmp: uint64(indexSize),
		DataSize:     uint64(dataSize),
		DataSizeCmp:  uint64(dataSize),
		OriginalSize: uint64(len(src)),
	})

	c.Valid = true
	return total, indexSize, nil
}

// Decompress reconstructs the original chunk from a payload whose
// index and data regions have already been decompressed back to their
// plain form: buf is [header][plain index][plain data]. The result is
// written to dst and its length returned.
func (c *Context) Decompress(buf []byte, dst []byte) (int, error) {
	header, err := ParseHeader(buf)
	if err != nil {
		return 0, err
	}
	indexEnd := HeaderSize + int(header.IndexSize)
	dataEnd := indexEnd + int(header.DataSize)
	if dataEnd > len(buf) {
		return 0, fmt.Errorf("dedupe payload truncated: need %d bytes, have %d", dataEnd, len(buf))
	}
	if header.OriginalSize > uint64(len(dst)) {
		return 0, fmt.Errorf("dedupe original size %d exceeds chunk capacity %d", header.OriginalSize, len(dst))
	}

	index := buf[HeaderSize:indexEnd]
	data := buf[indexEnd:dataEnd]
	dataCursor := 0
	output := 0

	// Block start offsets within dst, for in-chunk references.
	offsets := make([]blockSpan, header.BlockCount)

	for number := uint32(0); number < header.BlockCount; number++ {
		word0 := binary.BigEndian.Uint32(index[number*IndexEntrySize:])
		word1 := binary.BigEndian.Uint32(index[number*IndexEntrySize+4:])
		tag := word0 >> 30
		length := int(word0 & lengthMask)

		if output+length > len(dst) {
			return 0, fmt.Errorf("dedupe block %d overruns chunk: %d+%d bytes", number, output, length)
		}

		switch tag {
		case tagLiteral:
			if dataCursor+length > len(data) {
				return 0, fmt.Errorf("dedupe block %d literal overruns data region", number)
			}
			copy(dst[output:], data[dataCursor:dataCursor+length])
			dataCursor += length

			if c.Mode == ModeGlobal {
				// Mirror the encoder's registration so global block
				// numbers line up.
				block := dst[output : output+length]
				c.Global.register(c.hashBlock(block), c.FileOffset+int64(output), uint32(length))
			}

		case tagRef:
			if c.Mode == ModeGlobal {
				if err := c.copyGlobalBlock(dst, output, length, word1); err != nil {
					return 0, err
				}
			} else {
				if word1 >= number {
					return 0, fmt.Errorf("dedupe block %d references later block %d", number, word1)
				}
				ref := offsets[word1]
				if ref.length != length {
					return 0, fmt.Errorf("dedupe block %d length %d does not match referenced block (%d)",
						number, length, ref.length)
				}
				copy(dst[output:output+length], dst[ref.offset:ref.offset+length])
			}

		case tagDelta:
			if dataCursor+length > len(data) {
				return 0, fmt.Errorf("dedupe block %d delta overruns data region", number)
			}
			if word1 >= number {
				return 0, fmt.Errorf("dedupe block %d delta references later block %d", number, word1)
			}
			ref := offsets[word1]
			stored := data[dataCursor : dataCursor+length]
			reference := dst[ref.offset : ref.offset+ref.length]
			xorInto(dst[output:output+length], stored, reference)
			dataCursor += length

		default:
			return 0, fmt.Errorf("dedupe block %d has invalid tag %d", number, tag)
		}

		offsets[number] = blockSpan{offset: output, length: length}
		output += length
	}

	if uint64(output) != header.OriginalSize {
		return 0, fmt.Errorf("dedupe reconstruction produced %d bytes, header says %d", output, header.OriginalSize)
	}
	return output, nil
}

// RegisterPlainChunk mirrors the encoder's index registration for a
// chunk that was NOT deduplicated (the encoder still registered its
// novel blocks while scanning). Global-mode decompression must call
// this for every non-deduped chunk, while holding the ring token, so
// that global block numbers stay aligned between encoder and decoder.
func (c *Context) RegisterPlainChunk(chunk []byte) {
	for _, span := range c.splitBlocks(chunk) {
		block := chunk[span.offset : span.offset+span.length]
		hash := c.hashBlock(block)
		if _, ok := c.Global.lookup(hash); !ok {
			c.Global.register(hash, c.FileOffset+int64(span.offset), uint32(span.length))
		}
	}
}

// copyGlobalBlock resolves a global block reference during
// reconstruction. Blocks of earlier chunks are read back from the
// output file (the ring token guarantees they are on disk); blocks of
// the current chunk are still in dst.
func (c *Context) copyGlobalBlock(dst []byte, output, length int, number uint32) error {
	block, ok := c.Global.resolve(number)
	if !ok {
		return fmt.Errorf("dedupe references unknown global block %d", number)
	}
	if int(block.length) != length {
		return fmt.Errorf("dedupe global block %d length %d does not match reference (%d)",
			number, block.length, length)
	}

	if block.offset >= c.FileOffset {
		local := int(block.offset - c.FileOffset)
		copy(dst[output:output+length], dst[local:local+length])
		return nil
	}

	if c.OutFile == nil {
		return fmt.Errorf("dedupe global reconstruction requires a readable output file")
	}
	if _, err := c.OutFile.ReadAt(dst[output:output+length], block.offset); err != nil {
		return fmt.Errorf("reading global block %d at offset %d: %w", number, block.offset, err)
	}
	return nil
}

// appendXor appends block XOR reference (prefix) to data; bytes of
// block beyond the reference length are appended unchanged.
func appendXor(data, block, reference []byte) []byte {
	n := len(block)
	if len(reference) < n {
		n = len(reference)
	}
	for i := 0; i < n; i++ {
		data = append(data, block[i]^reference[i])
	}
	return append(data, block[n:]...)
}

// xorInto reverses appendXor: out = stored XOR reference (prefix),
// raw tail beyond the reference length.
func xorInto(out, stored, reference []byte) {
	n := len(stored)
	if len(reference) < n {
		n = len(reference)
	}
	for i := 0; i < n; i++ {
		out[i] = stored[i] ^ reference[i]
	}
	copy(out[n:], stored[n:])
}

// Block similarity sketching for delta encoding.

// sketchEntries is the number of sample hashes per block sketch.
const sketchEntries = 8

// sketchThreshold maps a delta level to the minimum number of matching
// sketch entries: 5/8 approximates the 60% tier, 4/8 the 40% tier.
func sketchThreshold(level DeltaLevel) int {
	if level == DeltaExtra {
		return 4
	}
	return 5
}

// blockSketch computes a cheap minhash-style sketch: the XXH64 of
// 32-byte shingles sampled through the block, keeping the
// sketchEntries smallest values.
func blockSketch(block []byte) []uint64 {
	const shingle = 32
	const stride = 16

	sketch := make([]uint64, 0, sketchEntries)
	insert := func(value uint64) {
		// Keep the smallest sketchEntries values, sorted ascending.
		position := len(sketch)
		for position > 0 && sketch[position-1] > value {
			position--
		}
		if position < len(sketch) && sketch[position] == value {
			return
		}
		if len(sketch) < sketchEntries {
			sketch = append(sketch, 0)
		} else if position == len(sketch) {
			return
		}
		copy(sketch[position+1:], sketch[position:])
		sketch[position] = value
	}

	for offset := 0; offset+shingle <= len(block); offset += stride {
		insert(xxhash.Sum64(block[offset : offset+shingle]))
	}
	if len(block) < shingle {
		insert(xxhash.Sum64(block))
	}
	return sketch
}

// findSimilar looks for an earlier block whose sketch shares at least
// the threshold number of entries with this one.
func findSimilar(sketch []uint64, owners map[uint64][]int, sketches [][]uint64, level DeltaLevel) (int, bool) {
	threshold := sketchThreshold(level)
	seen := make(map[int]bool)

	for _, entry := range sketch {
		for _, candidate := range owners[entry] {
			if seen[candidate] {
				continue
			}
			seen[candidate] = true
			if sketchOverlap(sketch, sketches[candidate]) >= threshold {
				return candidate, true
			}
		}
	}
	return 0, false
}

// sketchOverlap counts common entries of two ascending-sorted sketches.
func sketchOverlap(a, b []uint64) int {
	count := 0
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			count++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return count
}
