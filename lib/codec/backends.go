// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz/lzma"
)

// Backend library mapping. The algorithm names are the archive's
// protocol vocabulary; the Go libraries serving each slot are:
//
//	zlib   - klauspost/compress/zlib (raw zlib format, not gzip)
//	lzma   - ulikunitz/xz/lzma
//	lzmaMt - same codec as lzma with the thread budget tilted toward
//	         the backend (larger dictionaries, fewer pipeline workers)
//	bzip2  - dsnet/compress/bzip2
//	ppmd   - klauspost/compress/zstd at its two strongest levels
//	         (better below archive level 10, best from 10). There is
//	         no PPMd implementation in the Go ecosystem; this slot
//	         keeps the "slow, strong, text-oriented" role.
//	lzfx   - klauspost/compress/s2 (the fast small-LZ role)
//	lz4    - pierrec/lz4 block format
//	libbsc - andybalholm/brotli (the block-sorting-class high-ratio
//	         role)
//	none   - verbatim copy

// limitWriter writes into a fixed destination slice and reports
// ErrIncompressible on overflow. Streaming backends compress through
// it so that output larger than the source is cut off early instead of
// allocated.
type limitWriter struct {
	dst []byte
	n   int
}

func (w *limitWriter) Write(p []byte) (int, error) {
	if w.n+len(p) > len(w.dst) {
		return 0, ErrIncompressible
	}
	copy(w.dst[w.n:], p)
	w.n += len(p)
	return len(p), nil
}

// decodeInto copies the full decoded stream from r into dst and
// returns the byte count. Overflow of dst means the frame is corrupt
// (the caller sized dst from the declared chunk size).
func decodeInto(dst []byte, r io.Reader) (int, error) {
	total := 0
	for {
		if total == len(dst) {
			// Probe for unexpected trailing data.
			var probe [1]byte
			n, err := r.Read(probe[:])
			if n > 0 {
				return 0, fmt.Errorf("decoded data exceeds declared chunk size")
			}
			if err == io.EOF {
				return total, nil
			}
			if err != nil {
				return 0, err
			}
			continue
		}
		n, err := r.Read(dst[total:])
		total += n
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return 0, err
		}
	}
}

// zlib

type zlibCodec struct {
	level int
}

func newZlib(config Config) (Codec, error) {
	return &zlibCodec{level: scaleLevel(config.Level, zlib.BestCompression)}, nil
}

func zlibProps(level int, chunkSize int64) Props {
	// Worst case zlib expansion plus stream header, rounded up.
	return Props{BufExtra: chunkSize/1000 + 128, NThreads: 1, Delta2Span: 8}
}

func (c *zlibCodec) Compress(src, dst []byte) (int, SubAlgo, error) {
	sink := &limitWriter{dst: dst}
	writer, err := zlib.NewWriterLevel(sink, c.level)
	if err != nil {
		return 0, SubNone, err
	}
	if _, err := writer.Write(src); err != nil {
		return 0, SubNone, err
	}
	if err := writer.Close(); err != nil {
		return 0, SubNone, err
	}
	if sink.n >= len(src) {
		return 0, SubNone, ErrIncompressible
	}
	return sink.n, SubNone, nil
}

func (c *zlibCodec) Decompress(src, dst []byte, _ SubAlgo) (int, error) {
	reader, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return 0, fmt.Errorf("zlib: %w", err)
	}
	defer reader.Close()
	n, err := decodeInto(dst, reader)
	if err != nil {
		return 0, fmt.Errorf("zlib: %w", err)
	}
	return n, nil
}

// lzma / lzmaMt

type lzmaCodec struct {
	dictCap int
}

func newLzma(config Config) (Codec, error) {
	return &lzmaCodec{dictCap: lzmaDictCap(config.Level, config.ChunkSize)}, nil
}

func newLzmaMt(config Config) (Codec, error) {
	// Same codec; the Mt variant's thread budget buys a larger
	// dictionary per worker instead of more workers.
	return &lzmaCodec{dictCap: lzmaDictCap(config.Level+2, config.ChunkSize)}, nil
}

func lzmaDictCap(level int, chunkSize int64) int {
	capacity := int64(1) << (20 + uint(scaleLevel(level, 6)))
	if capacity > chunkSize && chunkSize >= lzma.MinDictCap {
		capacity = chunkSize
	}
	if capacity < lzma.MinDictCap {
		capacity = lzma.MinDictCap
	}
	return int(capacity)
}

func lzmaProps(level int, chunkSize int64) Props {
	return Props{BufExtra: chunkSize/100 + 1024, NThreads: 1, Delta2Span: 8}
}

func lzmaMtProps(level int, chunkSize int64) Props {
	return Props{BufExtra: chunkSize/100 + 1024, NThreads: 2, Delta2Span: 8}
}

func (c *lzmaCodec) Compress(src, dst []byte) (int, SubAlgo, error) {
	sink := &limitWriter{dst: dst}
	writer, err := lzma.WriterConfig{DictCap: c.dictCap}.NewWriter(sink)
	if err != nil {
		return 0, SubNone, err
	}
	if _, err := writer.Write(src); err != nil {
		return 0, SubNone, err
	}
	if err := writer.Close(); err != nil {
		return 0, SubNone, err
	}
	if sink.n >= len(src) {
		return 0, SubNone, ErrIncompressible
	}
	return sink.n, SubNone, nil
}

func (c *lzmaCodec) Decompress(src, dst []byte, _ SubAlgo) (int, error) {
	reader, err := lzma.ReaderConfig{DictCap: c.dictCap}.NewReader(bytes.NewReader(src))
	if err != nil {
		return 0, fmt.Errorf("lzma: %w", err)
	}
	n, err := decodeInto(dst, reader)
	if err != nil {
		return 0, fmt.Errorf("lzma: %w", err)
	}
	return n, nil
}

// bzip2

type bzip2Codec struct {
	level int
}

func newBzip2(config Config) (Codec, error) {
	return &bzip2Codec{level: scaleLevel(config.Level, bzip2.BestCompression)}, nil
}

func bzip2Props(level int, chunkSize int64) Props {
	return Props{BufExtra: chunkSize/100 + 1024, NThreads: 1, Delta2Span: 8}
}

func (c *bzip2Codec) Compress(src, dst []byte) (int, SubAlgo, error) {
	sink := &limitWriter{dst: dst}
	writer, err := bzip2.NewWriter(sink, &bzip2.WriterConfig{Level: c.level})
	if err != nil {
		return 0, SubNone, err
	}
	if _, err := writer.Write(src); err != nil {
		return 0, SubNone, err
	}
	if err := writer.Close(); err != nil {
		return 0, SubNone, err
	}
	if sink.n >= len(src) {
		return 0, SubNone, ErrIncompressible
	}
	return sink.n, SubNone, nil
}

func (c *bzip2Codec) Decompress(src, dst []byte, _ SubAlgo) (int, error) {
	reader, err := bzip2.NewReader(bytes.NewReader(src), nil)
	if err != nil {
		return 0, fmt.Errorf("bzip2: %w", err)
	}
	defer reader.Close()
	n, err := decodeInto(dst, reader)
	if err != nil {
		return 0, fmt.Errorf("bzip2: %w", err)
	}
	return n, nil
}

// ppmd slot (zstd)

type ppmdCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newPPMd(config Config) (Codec, error) {
	level := zstd.SpeedBestCompression
	if config.Level < 10 {
		level = zstd.SpeedBetterCompression
	}

	var codec ppmdCodec
	var err error
	if config.Direction == Compress {
		codec.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(level),
			zstd.WithEncoderConcurrency(config.NThreads),
		)
	} else {
		codec.decoder, err = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(config.NThreads),
		)
	}
	if err != nil {
		return nil, err
	}
	return &codec, nil
}

func ppmdProps(level int, chunkSize int64) Props {
	return Props{BufExtra: chunkSize/100 + 1024, NThreads: 1, Delta2Span: 8}
}

func (c *ppmdCodec) Compress(src, dst []byte) (int, SubAlgo, error) {
	compressed := c.encoder.EncodeAll(src, dst[:0])
	if len(compressed) >= len(src) || len(compressed) > len(dst) {
		return 0, SubNone, ErrIncompressible
	}
	// EncodeAll appends into dst; copy back in case it had to grow a
	// fresh slice along the way.
	if &compressed[0] != &dst[0] {
		copy(dst, compressed)
	}
	return len(compressed), SubNone, nil
}

func (c *ppmdCodec) Decompress(src, dst []byte, _ SubAlgo) (int, error) {
	decompressed, err := c.decoder.DecodeAll(src, dst[:0])
	if err != nil {
		return 0, fmt.Errorf("ppmd slot: %w", err)
	}
	if len(decompressed) > len(dst) {
		return 0, fmt.Errorf("ppmd slot: decoded data exceeds declared chunk size")
	}
	if len(decompressed) > 0 && &decompressed[0] != &dst[0] {
		copy(dst, decompressed)
	}
	return len(decompressed), nil
}

// lzfx slot (s2)

type lzfxCodec struct{}

func newLzfx(config Config) (Codec, error) {
	return &lzfxCodec{}, nil
}

func lzfxProps(level int, chunkSize int64) Props {
	extra := int64(s2.MaxEncodedLen(int(chunkSize))) - chunkSize
	return Props{BufExtra: extra, NThreads: 1, Delta2Span: 8}
}

func (c *lzfxCodec) Compress(src, dst []byte) (int, SubAlgo, error) {
	if s2.MaxEncodedLen(len(src)) > len(dst) {
		return 0, SubNone, ErrIncompressible
	}
	compressed := s2.Encode(dst, src)
	if len(compressed) >= len(src) {
		return 0, SubNone, ErrIncompressible
	}
	return len(compressed), SubNone, nil
}

func (c *lzfxCodec) Decompress(src, dst []byte, _ SubAlgo) (int, error) {
	decompressed, err := s2.Decode(dst, src)
	if err != nil {
		return 0, fmt.Errorf("lzfx slot: %w", err)
	}
	if len(decompressed) > len(dst) {
		return 0, fmt.Errorf("lzfx slot: decoded data exceeds declared chunk size")
	}
	return len(decompressed), nil
}

// lz4

type lz4Codec struct {
	level int
}

func newLz4(config Config) (Codec, error) {
	return &lz4Codec{level: config.Level}, nil
}

func lz4Props(level int, chunkSize int64) Props {
	extra := int64(lz4.CompressBlockBound(int(chunkSize))) - chunkSize
	return Props{BufExtra: extra, NThreads: 1, Delta2Span: 8}
}

func (c *lz4Codec) Compress(src, dst []byte) (int, SubAlgo, error) {
	if lz4.CompressBlockBound(len(src)) > len(dst) {
		return 0, SubNone, ErrIncompressible
	}

	var written int
	var err error
	if c.level >= 9 {
		// High-compression mode for the top levels.
		var compressor lz4.CompressorHC
		compressor.Level = lz4.CompressionLevel(1 << uint(8+scaleLevel(c.level, 9)))
		written, err = compressor.CompressBlock(src, dst)
	} else {
		var compressor lz4.Compressor
		written, err = compressor.CompressBlock(src, dst)
	}
	if err != nil {
		return 0, SubNone, err
	}
	// CompressBlock reports 0 for incompressible input.
	if written == 0 || written >= len(src) {
		return 0, SubNone, ErrIncompressible
	}
	return written, SubNone, nil
}

func (c *lz4Codec) Decompress(src, dst []byte, _ SubAlgo) (int, error) {
	read, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return 0, fmt.Errorf("lz4: %w", err)
	}
	return read, nil
}

// libbsc slot (brotli)

type libbscCodec struct {
	level int
}

func newLibbsc(config Config) (Codec, error) {
	return &libbscCodec{level: scaleLevel(config.Level, brotli.BestCompression)}, nil
}

func libbscProps(level int, chunkSize int64) Props {
	return Props{BufExtra: chunkSize/100 + 1024, NThreads: 1, Delta2Span: 8}
}

func (c *libbscCodec) Compress(src, dst []byte) (int, SubAlgo, error) {
	sink := &limitWriter{dst: dst}
	writer := brotli.NewWriterLevel(sink, c.level)
	if _, err := writer.Write(src); err != nil {
		return 0, SubNone, err
	}
	if err := writer.Close(); err != nil {
		return 0, SubNone, err
	}
	if sink.n >= len(src) {
		return 0, SubNone, ErrIncompressible
	}
	return sink.n, SubNone, nil
}

func (c *libbscCodec) Decompress(src, dst []byte, _ SubAlgo) (int, error) {
	n, err := decodeInto(dst, brotli.NewReader(bytes.NewReader(src)))
	if err != nil {
		return 0, fmt.Errorf("libbsc slot: %w", err)
	}
	return n, nil
}

// none

type noneCodec struct{}

func newNone(config Config) (Codec, error) {
	return &noneCodec{}, nil
}

func noneProps(level int, chunkSize int64) Props {
	return Props{BufExtra: 0, NThreads: 1, Delta2Span: 8}
}

func (c *noneCodec) Compress(src, dst []byte) (int, SubAlgo, error) {
	// The none backend never shrinks data; the pipeline stores the
	// chunk verbatim. This keeps -c none useful for dedup-only runs.
	return 0, SubNone, ErrIncompressible
}

func (c *noneCodec) Decompress(src, dst []byte, _ SubAlgo) (int, error) {
	if len(src) > len(dst) {
		return 0, fmt.Errorf("none: data exceeds declared chunk size")
	}
	copy(dst, src)
	return len(src), nil
}
