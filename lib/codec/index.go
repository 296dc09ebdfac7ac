// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"fmt"

	"github.com/ulikunitz/xz/lzma"
)

// IndexLevel is the sentinel level number that names index-codec
// mode. No backend reads it: CompressIndex and DecompressIndex below
// implement that mode directly, with a small lzma dictionary tuned for
// dedupe index tables rather than data chunks.
const IndexLevel = 255

// indexDictCap sizes the lzma dictionary for index compression. Index
// tables are small (eight bytes per dedupe block), so a large
// dictionary buys nothing.
const indexDictCap = 1 << 20

// CompressIndex compresses a dedupe index table with lzma in
// index-codec mode. Returns ErrIncompressible when the result would
// not be smaller, in which case the caller stores the index verbatim.
func CompressIndex(src, dst []byte) (int, error) {
	sink := &limitWriter{dst: dst}
	writer, err := lzma.WriterConfig{DictCap: indexDictCap}.NewWriter(sink)
	if err != nil {
		return 0, err
	}
	if _, err := writer.Write(src); err != nil {
		return 0, err
	}
	if err := writer.Close(); err != nil {
		return 0, err
	}
	if sink.n >= len(src) {
		return 0, ErrIncompressible
	}
	return sink.n, nil
}

// DecompressIndex reverses CompressIndex. dst must be sized to the
// uncompressed index length recorded in the dedupe header.
func DecompressIndex(src, dst []byte) (int, error) {
	reader, err := lzma.ReaderConfig{DictCap: indexDictCap}.NewReader(bytes.NewReader(src))
	if err != nil {
		return 0, fmt.Errorf("index decompress: %w", err)
	}
	n, err := decodeInto(dst, reader)
	if err != nil {
		return 0, fmt.Errorf("index decompress: %w", err)
	}
	return n, nil
}
