// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

package dedupe

// GlobalIndex maps block hashes to their first occurrence in the
// uncompressed stream. It spans the whole file and is shared by all
// pipeline workers.
//
// The index carries no lock: the ring token serializes every access.
// Exactly one worker holds the token at any time, and token handoff
// through a channel gives the necessary happens-before edge between
// consecutive holders.
type GlobalIndex struct {
	byHash map[[32]byte]uint32
	blocks []globalBlock

	// streamOffset is the decompression-side cursor: the offset in
	// the reconstructed stream of the chunk currently holding the
	// ring token. Read and advanced only while holding the token.
	streamOffset int64
}

// globalBlock records where a registered block lives in the
// uncompressed stream.
type globalBlock struct {
	offset int64
	length uint32
}

// NewGlobalIndex creates an empty file-wide block index.
func NewGlobalIndex() *GlobalIndex {
	return &GlobalIndex{byHash: make(map[[32]byte]uint32)}
}

// lookup returns the block number registered for a hash.
func (g *GlobalIndex) lookup(hash [32]byte) (uint32, bool) {
	number, ok := g.byHash[hash]
	return number, ok
}

// register records a new block and returns its number. Numbers are
// assigned densely in registration order, which the ring token pins to
// chunk order.
func (g *GlobalIndex) register(hash [32]byte, offset int64, length uint32) uint32 {
	number := uint32(len(g.blocks))
	g.blocks = append(g.blocks, globalBlock{offset: offset, length: length})
	g.byHash[hash] = number
	return number
}

// resolve returns the stream location of a block number.
func (g *GlobalIndex) resolve(number uint32) (globalBlock, bool) {
	if int(number) >= len(g.blocks) {
		return globalBlock{}, false
	}
	return g.blocks[number], true
}

// BlockCount reports how many unique blocks the index holds.
func (g *GlobalIndex) BlockCount() int {
	return len(g.blocks)
}

// StreamOffset returns the reconstruction cursor. Token holders only.
func (g *GlobalIndex) StreamOffset() int64 {
	return g.streamOffset
}

// AdvanceStream moves the reconstruction cursor past a finished
// chunk. Token holders only.
func (g *GlobalIndex) AdvanceStream(n int64) {
	g.streamOffset += n
}
