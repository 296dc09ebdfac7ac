// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec resolves algorithm names to compression backends and
// owns the adaptive-mode dispatch.
//
// Every backend implements the same narrow contract: compress src into
// dst reporting the bytes written, or report that the data did not
// shrink. The pipeline treats "did not shrink" and "backend error" the
// same way — the chunk is stored verbatim — so backends never need to
// guarantee success, only correctness of what they do emit.
package codec

import (
	"errors"
	"fmt"
	"strings"
)

// Direction tells a backend whether its per-worker state will be used
// for compression or decompression. Some backends size dictionaries
// differently per direction.
type Direction int

const (
	// Compress direction.
	Compress Direction = iota
	// Decompress direction.
	Decompress
)

// SubAlgo identifies which sub-codec an adaptive backend chose for a
// chunk. The values are protocol constants stored in bits 6-4 of the
// chunk flag byte.
type SubAlgo int

const (
	// SubNone marks a chunk from a non-adaptive backend.
	SubNone SubAlgo = 0
	// SubBzip2 marks an adaptive chunk compressed with bzip2.
	SubBzip2 SubAlgo = 1
	// SubLzma marks an adaptive chunk compressed with lzma.
	SubLzma SubAlgo = 2
	// SubPPMd marks an adaptive chunk compressed with the ppmd-slot
	// backend.
	SubPPMd SubAlgo = 3
)

// ErrIncompressible reports that the backend could not make the data
// smaller. The pipeline stores the chunk verbatim. Backends also
// return this when their output would overflow the destination buffer,
// which is the same condition seen through a fixed-size buffer.
var ErrIncompressible = errors.New("data is incompressible")

// IsIncompressible returns true when err is the did-not-shrink
// sentinel.
func IsIncompressible(err error) bool {
	return errors.Is(err, ErrIncompressible)
}

// Props describes backend requirements the pipeline must honor.
type Props struct {
	// BufExtra is scratch headroom the backend wants in the
	// compressed buffer beyond the chunk size.
	BufExtra int64

	// NThreads is the backend's internal thread appetite per chunk.
	// The controller divides the total thread budget by this to size
	// the worker pool.
	NThreads int

	// Delta2Span is the integer stride handed to the Delta2
	// preprocessor when -P is given. Zero disables Delta2 for this
	// backend.
	Delta2Span int
}

// Config carries the per-worker construction parameters for a backend.
type Config struct {
	// Level is the archive compression level (0-14). Backends map it
	// onto their native ranges.
	Level int

	// ChunkSize is the configured chunk size; used to bound decode
	// output and size dictionaries.
	ChunkSize int64

	// NThreads is the backend-internal thread budget (Props.NThreads
	// after the controller's partitioning).
	NThreads int

	// Version is the archive format version being read or written.
	Version int

	// Direction selects compression or decompression state.
	Direction Direction
}

// Codec is the per-worker backend state. Instances are not safe for
// concurrent use; the pipeline gives each worker its own.
type Codec interface {
	// Compress writes the compressed form of src into dst and returns
	// the byte count, plus the chosen sub-codec for adaptive
	// backends. Returns ErrIncompressible when the result would not
	// be smaller than src (or would overflow dst).
	Compress(src, dst []byte) (int, SubAlgo, error)

	// Decompress writes the decompressed form of src into dst and
	// returns the byte count. subAlgo is the sub-codec recorded in
	// the chunk flags (SubNone for non-adaptive backends).
	Decompress(src, dst []byte, subAlgo SubAlgo) (int, error)
}

// StatsReporter is implemented by codecs that track per-run statistics
// (the adaptive backends report per-sub-codec selection counts).
type StatsReporter interface {
	Stats() string
}

// Entry is a registry entry: everything the pipeline needs to know
// about a backend before creating per-worker state.
type Entry struct {
	// Name is the canonical algorithm name stored in the file header.
	Name string

	// Adaptive marks backends that choose a sub-codec per chunk and
	// record it in the chunk flag bits.
	Adaptive bool

	// New creates per-worker backend state.
	New func(config Config) (Codec, error)

	// Props reports the backend's requirements for the given level
	// and chunk size.
	Props func(level int, chunkSize int64) Props
}

// resolution order matters: longer names that share a prefix with a
// shorter one must be checked first (lzmaMt before lzma, adapt2 before
// adapt). The minimum match lengths mirror the header tag comparison:
// the 8-byte algo tag is zero-padded, so a prefix match on the known
// name length is exact.
var registry = []Entry{
	{Name: "zlib", New: newZlib, Props: zlibProps},
	{Name: "lzmaMt", New: newLzmaMt, Props: lzmaMtProps},
	{Name: "lzma", New: newLzma, Props: lzmaProps},
	{Name: "bzip2", New: newBzip2, Props: bzip2Props},
	{Name: "ppmd", New: newPPMd, Props: ppmdProps},
	{Name: "lzfx", New: newLzfx, Props: lzfxProps},
	{Name: "lz4", New: newLz4, Props: lz4Props},
	{Name: "none", New: newNone, Props: noneProps},
	{Name: "adapt2", Adaptive: true, New: newAdapt2, Props: adapt2Props},
	{Name: "adapt", Adaptive: true, New: newAdapt, Props: adaptProps},
	{Name: "libbsc", New: newLibbsc, Props: libbscProps},
}

// Resolve maps an algorithm name (or the zero-padded 8-byte header
// tag) to its registry entry.
func Resolve(name string) (Entry, error) {
	trimmed := strings.TrimRight(name, "\x00")
	for _, entry := range registry {
		if strings.HasPrefix(trimmed, entry.Name) {
			return entry, nil
		}
	}
	return Entry{}, fmt.Errorf("unknown compression algorithm %q", trimmed)
}

// Names returns the canonical algorithm names for usage text.
func Names() []string {
	names := make([]string, len(registry))
	for i, entry := range registry {
		names[i] = entry.Name
	}
	return names
}

// MaxLevel is the highest archive compression level.
const MaxLevel = 14

// scaleLevel maps the archive level 0..14 onto a backend's native
// range 1..max.
func scaleLevel(level, max int) int {
	scaled := 1 + level*(max-1)/MaxLevel
	if scaled < 1 {
		scaled = 1
	}
	if scaled > max {
		scaled = max
	}
	return scaled
}
