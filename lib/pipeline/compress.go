// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/sehe/pcompress/lib/checksum"
	"github.com/sehe/pcompress/lib/codec"
	"github.com/sehe/pcompress/lib/container"
	"github.com/sehe/pcompress/lib/dedupe"
)

// Compress runs the full compression pipeline: writes the archive
// header, streams chunks from input through the worker ring, writes
// the framed chunks in order, and finishes with the zero trailer.
// inputSize is the input length when known, or negative in pipe mode.
func Compress(cfg *Config, input io.Reader, output *os.File, inputSize int64) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := cfg.deriveAuthWidths(); err != nil {
		return err
	}

	header := &container.FileHeader{
		Algo:         cfg.Entry.Name,
		Version:      container.Version,
		ChecksumKind: cfg.ChecksumKind,
		Dedup:        cfg.DedupeMode == dedupe.ModeSegmented || cfg.DedupeMode == dedupe.ModeGlobal,
		DedupFixed:   cfg.DedupeMode == dedupe.ModeFixed || cfg.DedupeMode == dedupe.ModeGlobal,
		SingleChunk:  cfg.SingleChunk,
		ChunkSize:    uint64(cfg.ChunkSize),
		Level:        uint32(cfg.Level),
	}
	if cfg.Crypto != nil {
		header.CryptoAlg = cfg.Crypto.Alg()
		header.Salt = cfg.Crypto.Salt()
		header.Nonce = cfg.Crypto.Nonce()
		header.KeyLen = uint32(cfg.Crypto.KeyLen())
	}

	if cfg.Crypto != nil {
		mac, err := cfg.Crypto.NewMAC()
		if err != nil {
			return err
		}
		if err := container.WriteHeader(output, header, mac); err != nil {
			return err
		}
	} else if err := container.WriteHeader(output, header, nil); err != nil {
		return err
	}

	var global *dedupe.GlobalIndex
	if cfg.DedupeMode == dedupe.ModeGlobal {
		global = dedupe.NewGlobalIndex()
	}
	workers, err := newWorkers(cfg, codec.Compress, global)
	if err != nil {
		return err
	}

	cfg.Logger.Info("scaling pipeline", "workers", cfg.Workers, "backend_threads", cfg.BackendThreads)

	stats := newStats(cfg)
	var group sync.WaitGroup

	for _, w := range workers {
		group.Add(1)
		go func(w *worker) {
			defer group.Done()
			compressWorker(cfg, w)
		}(w)
	}

	writerDone := make(chan error, 1)
	group.Add(1)
	go func() {
		defer group.Done()
		writerDone <- runWriter(cfg, workers, output, stats, false)
	}()

	producerErr := produceChunks(cfg, workers, input)

	// Shut the ring down: every worker gets a cancel start, which it
	// answers with a zero-length done, and the writer exits when it
	// meets the first of those at its current ring position.
	for _, w := range workers {
		w.cancel.Store(true)
		select {
		case w.start <- struct{}{}:
		default:
		}
	}
	group.Wait()
	writerErr := <-writerDone

	if producerErr != nil {
		return producerErr
	}
	if writerErr != nil {
		return writerErr
	}
	for _, w := range workers {
		if w.errored {
			return fmt.Errorf("compression aborted")
		}
	}

	if err := container.WriteTrailer(output); err != nil {
		return err
	}

	stats.report(os.Stderr, workers)
	return nil
}

// produceChunks is the producer loop: read ahead into a double
// buffer, swap it into the next free worker, and keep chunk boundaries
// on content-defined block cut points when rabin splitting is on.
func produceChunks(cfg *Config, workers []*worker, input io.Reader) error {
	capacity := cfg.compressedCap()
	readBuf := make([]byte, capacity)

	pending := 0 // carryover bytes already at the front of readBuf
	var fileOffset int64
	var chunkID uint64

	readChunk := func() (int, int, error) {
		n, err := io.ReadFull(input, readBuf[pending:cfg.ChunkSize])
		total := pending + n
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return 0, 0, fmt.Errorf("read: %w", err)
		}
		if total == 0 {
			return 0, 0, nil
		}
		cut := total
		if cfg.RabinSplit && int64(total) == cfg.ChunkSize {
			cut = dedupe.SplitBoundary(readBuf[:total], cfg.BlockIndex)
		}
		return total, cut, nil
	}

	total, cut, err := readChunk()
	if err != nil {
		return err
	}

	for {
		if cfg.Cancel.Load() {
			return nil
		}
		for _, w := range workers {
			<-w.writeDone
			if cfg.Cancel.Load() {
				return nil
			}
			if total == 0 {
				// EOF: collect the remaining writeDone tokens so all
				// in-flight chunks are on disk before shutdown.
				for _, other := range workers {
					if other == w {
						continue
					}
					if cfg.Cancel.Load() {
						return nil
					}
					<-other.writeDone
				}
				return nil
			}

			if w.in == nil {
				w.in = make([]byte, capacity)
			}
			if w.frame == nil {
				w.frame = make([]byte, capacity)
			}
			if w.scratch == nil && cfg.DedupeMode != dedupe.ModeNone {
				w.scratch = make([]byte, capacity)
			}

			// Zero-copy handoff: the read-ahead buffer becomes the
			// worker's input and the worker's old input becomes the
			// next read-ahead buffer.
			readBuf, w.in = w.in, readBuf
			w.chunkID = chunkID
			w.rbytes = cut
			w.fileOffset = fileOffset
			if w.dctx != nil {
				w.dctx.FileOffset = fileOffset
			}

			// Bytes past the boundary carry over to the next chunk.
			pending = total - cut
			if pending > 0 {
				copy(readBuf[:pending], w.in[cut:total])
			}
			fileOffset += int64(cut)
			chunkID++

			w.start <- struct{}{}

			total, cut, err = readChunk()
			if err != nil {
				cfg.Cancel.Store(true)
				return err
			}
		}
	}
}

// compressWorker is one worker's loop: wait for a loaded chunk, run
// the transform pipeline, hand the framed chunk to the writer.
func compressWorker(cfg *Config, w *worker) {
	for {
		<-w.start
		if w.cancel.Load() || cfg.Cancel.Load() {
			w.frameLen = 0
			w.done <- struct{}{}
			return
		}

		if err := compressChunk(cfg, w); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: chunk %d, %v\n", w.chunkID, err)
			cfg.Cancel.Store(true)
			w.frameLen = 0
			w.errored = true
			w.done <- struct{}{}
			return
		}

		w.done <- struct{}{}
	}
}

// compressChunk runs the per-chunk transform sequence for one loaded
// chunk: checksum, dedupe, preprocess, backend, encrypt, frame,
// authenticate.
func compressChunk(cfg *Config, w *worker) error {
	raw := w.in[:w.rbytes]
	headerSize := cfg.chunkHeaderSize()
	payload := w.frame[headerSize:]

	// Plaintext digest (plain archives only; encrypted archives are
	// authenticated by the HMAC alone).
	var sum []byte
	if cfg.Crypto == nil {
		var err error
		sum, err = checksum.Compute(cfg.ChecksumKind, raw, cfg.SingleChunk)
		if err != nil {
			return fmt.Errorf("checksum: %v", err)
		}
	}

	deduped := false
	compressed := false
	preprocessed := false
	sub := codec.SubNone
	payloadLen := 0

	if w.dctx != nil {
		w.dctx.Reset()
		total, indexSize, err := w.dctx.Compress(raw, w.scratch)
		if err != nil {
			return fmt.Errorf("dedup: %v", err)
		}
		if w.dctx.Valid {
			payloadLen, compressed, preprocessed, sub = assembleDedupePayload(cfg, w, total, indexSize, payload)
			deduped = true
		}
	}

	if !deduped {
		n, subAlgo, wasPreproc, ok := compressData(cfg, w, raw, payload)
		if ok && n < w.rbytes {
			payloadLen = n
			compressed = true
			preprocessed = wasPreproc
			sub = subAlgo
		} else {
			copy(payload[:w.rbytes], raw)
			payloadLen = w.rbytes
		}
	} else if payloadLen >= w.rbytes {
		// Deduplication plus compression ended up larger than the raw
		// chunk: scrap the whole assembly and store the chunk
		// verbatim. (Global mode keeps its registrations; the decoder
		// mirrors them from the plain chunk.)
		copy(payload[:w.rbytes], raw)
		payloadLen = w.rbytes
		deduped = false
		compressed = false
		preprocessed = false
		sub = codec.SubNone
	}

	// Encrypt the payload in place. Length-preserving by contract.
	if cfg.Crypto != nil {
		if err := cfg.Crypto.Apply(payload[:payloadLen], w.chunkID); err != nil {
			return fmt.Errorf("encrypt: %v", err)
		}
	}

	// Frame the chunk.
	flags := container.BuildChunkFlags(compressed, deduped, preprocessed,
		int64(w.rbytes) < cfg.ChunkSize, sub)

	lenCmp := uint64(payloadLen)
	frameLen := headerSize + payloadLen

	if int64(w.rbytes) < cfg.ChunkSize {
		binary.BigEndian.PutUint64(w.frame[frameLen:], uint64(w.rbytes))
		frameLen += container.OriginalSizeBytes
		lenCmp += container.OriginalSizeBytes
	}

	binary.BigEndian.PutUint64(w.frame[0:8], lenCmp)
	if cfg.Crypto == nil {
		copy(w.frame[8:8+cfg.SumBytes], sum)
	}
	macSlot := w.frame[8+cfg.SumBytes : 8+cfg.SumBytes+cfg.MacBytes]
	for i := range macSlot {
		macSlot[i] = 0
	}
	w.frame[8+cfg.SumBytes+cfg.MacBytes] = flags

	// Authenticate the full frame with the MAC slot zeroed.
	if cfg.Crypto != nil {
		w.mac.Reset()
		w.mac.Write(w.frame[:frameLen])
		copy(macSlot, w.mac.Sum(nil))
	} else {
		crc := crc32.ChecksumIEEE(w.frame[:frameLen])
		binary.BigEndian.PutUint32(macSlot, crc)
	}

	w.frameLen = frameLen
	return nil
}

// assembleDedupePayload builds the framed dedupe payload from the
// staging buffer: header, transposed (and possibly index-codec
// compressed) index, then the separately compressed data region.
func assembleDedupePayload(cfg *Config, w *worker, total, indexSize int, payload []byte) (payloadLen int, compressed, preprocessed bool, sub codec.SubAlgo) {
	indexRegion := w.scratch[dedupe.HeaderSize : dedupe.HeaderSize+indexSize]
	dataRegion := w.scratch[dedupe.HeaderSize+indexSize : total]

	copy(payload[:dedupe.HeaderSize], w.scratch[:dedupe.HeaderSize])

	// Transpose the index in place via the payload area: the strided
	// byte layout clusters the index words' high bytes, which the
	// index codec then exploits.
	transposed := payload[dedupe.HeaderSize : dedupe.HeaderSize+indexSize]
	dedupe.Transpose(indexRegion, transposed, dedupe.IndexElemSize, dedupe.Row)
	copy(indexRegion, transposed)

	indexCmp := indexSize
	if indexSize >= dedupe.MinIndexCompressSize {
		if n, err := codec.CompressIndex(indexRegion, transposed); err == nil && n < indexSize {
			indexCmp = n
		} else {
			// Retain the transposed index verbatim; equal sizes tell
			// the decoder it was not compressed.
			copy(transposed, indexRegion)
		}
	}

	dataDst := payload[dedupe.HeaderSize+indexCmp:]
	n, subAlgo, wasPreproc, ok := compressData(cfg, w, dataRegion, dataDst)
	dataStored := n
	if !ok {
		copy(dataDst[:len(dataRegion)], dataRegion)
		dataStored = len(dataRegion)
	}

	dedupe.UpdateHeader(payload, uint64(indexCmp), uint64(dataStored))
	return dedupe.HeaderSize + indexCmp + dataStored, ok, ok && wasPreproc, subAlgo
}

// runWriter is the writer loop shared by both directions: collect
// completed chunks in ring order and write them out. A zero frame
// length is the cancel cascade.
func runWriter(cfg *Config, workers []*worker, output *os.File, stats *runStats, decompressing bool) error {
	for {
		for _, w := range workers {
			<-w.done
			if w.frameLen == 0 {
				cascadeCancel(cfg, workers)
				if w.errored {
					return fmt.Errorf("pipeline errored")
				}
				return nil
			}

			if _, err := output.Write(w.frame[:w.frameLen]); err != nil {
				fmt.Fprintf(os.Stderr, "ERROR: chunk %d, write failed: %v\n", w.chunkID, err)
				cascadeCancel(cfg, workers)
				return fmt.Errorf("chunk write: %w", err)
			}
			stats.record(int64(w.frameLen))

			if decompressing && cfg.DedupeMode == dedupe.ModeGlobal {
				// The chunk is on disk: the next worker may now
				// resolve global references against the output file.
				// Non-blocking: under a cancel cascade the slot may
				// already hold the unwedging token.
				select {
				case w.dctx.NextToken <- struct{}{}:
				default:
				}
			}

			w.writeDone <- struct{}{}
		}
	}
}
