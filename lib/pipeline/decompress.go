// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"bytes"
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
	"github.com/sehe/pcompress/lib/crypto"
	"github.com/sehe/pcompress/lib/dedupe"
)

// DecompressOptions carries the caller-side parameters for
// decompression; everything else comes from the archive header.
type DecompressOptions struct {
	// Threads is the requested thread count (0 = one per core).
	Threads int

	// Password supplies the archive password for encrypted archives.
	Password PasswordSource

	// Logger receives pipeline-level events.
	Logger *slog.Logger

	// ShowCmpStats and ShowMemStats enable the -C / -M reports.
	ShowCmpStats bool
	ShowMemStats bool
}

// Decompress reads an archive from input and reconstructs the
// original stream into output. The archive header is read and
// authenticated before any chunk payload is touched; with encryption,
// header HMAC verification happens right after key derivation, before
// the first chunk is scheduled.
func Decompress(opts DecompressOptions, input io.Reader, output *os.File) error {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	header, auth, err := container.ReadHeader(input)
	if err != nil {
		return err
	}

	entry, err := codec.Resolve(header.Algo)
	if err != nil {
		return err
	}

	cfg := &Config{
		Entry:        entry,
		Level:        int(header.Level),
		ChunkSize:    int64(header.ChunkSize),
		ChecksumKind: header.ChecksumKind,
		SingleChunk:  header.SingleChunk,
		BlockIndex:   dedupe.DefaultBlockIndex,
		Logger:       opts.Logger,
		ShowCmpStats: opts.ShowCmpStats,
		ShowMemStats: opts.ShowMemStats,
	}
	cfg.Props = entry.Props(cfg.Level, cfg.ChunkSize)

	switch {
	case header.GlobalDedup():
		cfg.DedupeMode = dedupe.ModeGlobal
	case header.Dedup:
		cfg.DedupeMode = dedupe.ModeSegmented
	case header.DedupFixed:
		cfg.DedupeMode = dedupe.ModeFixed
	}

	if cfg.DedupeMode == dedupe.ModeGlobal {
		// Reconstruction reads resolved blocks back out of the output
		// file, so the target must be a real file.
		if info, err := output.Stat(); err != nil || !info.Mode().IsRegular() {
			return fmt.Errorf("global deduplication is not supported with pipe mode")
		}
	}

	if header.Encrypted() {
		if opts.Password == nil {
			return fmt.Errorf("archive is encrypted and no password source is available")
		}
		password, err := opts.Password(false)
		if err != nil {
			return fmt.Errorf("failed to get password: %w", err)
		}
		cryptoContext, err := crypto.NewForDecrypt(header.CryptoAlg, password,
			int(header.KeyLen), header.Salt, header.Nonce, header.ChecksumKind)
		password.Close()
		if err != nil {
			return fmt.Errorf("failed to initialize crypto: %w", err)
		}
		defer cryptoContext.Close()
		cfg.Crypto = cryptoContext

		// Verify the header HMAC before touching any payload.
		mac, err := cryptoContext.NewMAC()
		if err != nil {
			return err
		}
		if err := auth.VerifyMAC(mac); err != nil {
			return err
		}
	}

	if err := cfg.deriveAuthWidths(); err != nil {
		return err
	}
	if err := cfg.PartitionThreads(opts.Threads, -1); err != nil {
		return err
	}

	var global *dedupe.GlobalIndex
	if cfg.DedupeMode == dedupe.ModeGlobal {
		global = dedupe.NewGlobalIndex()
	}
	workers, err := newWorkers(cfg, codec.Decompress, global)
	if err != nil {
		return err
	}
	if cfg.DedupeMode == dedupe.ModeGlobal {
		for _, w := range workers {
			w.dctx.OutFile = output
		}
	}

	cfg.Logger.Info("scaling pipeline", "workers", cfg.Workers, "backend_threads", cfg.BackendThreads)

	stats := newStats(cfg)
	var group sync.WaitGroup

	for _, w := range workers {
		group.Add(1)
		go func(w *worker) {
			defer group.Done()
			decompressWorker(cfg, w, global)
		}(w)
	}

	writerDone := make(chan error, 1)
	group.Add(1)
	go func() {
		defer group.Done()
		writerDone <- runWriter(cfg, workers, output, stats, true)
	}()

	producerErr := consumeChunks(cfg, workers, input)

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
			return fmt.Errorf("decompression aborted")
		}
	}

	stats.report(os.Stderr, workers)
	return nil
}

// consumeChunks is the decompression-side producer: read each chunk
// header and frame in ring order and hand them to the workers. The
// zero-length trailer ends the stream.
func consumeChunks(cfg *Config, workers []*worker, input io.Reader) error {
	capacity := cfg.compressedCap()
	headerExtra := cfg.SumBytes + cfg.MacBytes + container.ChunkFlagSize
	var chunkID uint64

	for {
		if cfg.Cancel.Load() {
			return nil
		}
		for _, w := range workers {
			<-w.writeDone
			if cfg.Cancel.Load() {
				return nil
			}

			if _, err := io.ReadFull(input, w.lenCmpWire[:]); err != nil {
				cfg.Cancel.Store(true)
				return fmt.Errorf("%w: incomplete chunk %d header: %v", container.ErrCorruptFrame, chunkID, err)
			}
			lenCmp := binary.BigEndian.Uint64(w.lenCmpWire[:])

			if lenCmp == 0 {
				// Trailer: collect the remaining tokens so every
				// in-flight chunk is written before shutdown.
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

			if lenCmp > uint64(cfg.ChunkSize)+container.LenCmpSlack {
				cfg.Cancel.Store(true)
				return fmt.Errorf("%w: chunk %d claims %d bytes", container.ErrOversizeChunk, chunkID, lenCmp)
			}

			if w.frame == nil {
				w.frame = make([]byte, capacity)
			}
			if w.in == nil {
				w.in = make([]byte, capacity)
			}
			if w.scratch == nil && cfg.DedupeMode != dedupe.ModeNone {
				w.scratch = make([]byte, capacity)
			}

			total := int(lenCmp) + headerExtra
			if _, err := io.ReadFull(input, w.frame[:total]); err != nil {
				cfg.Cancel.Store(true)
				return fmt.Errorf("%w: incomplete chunk %d: %v", container.ErrCorruptFrame, chunkID, err)
			}

			w.chunkID = chunkID
			w.rbytes = total
			w.payloadLen = int(lenCmp)
			chunkID++

			w.start <- struct{}{}
		}
	}
}

// decompressWorker is one worker's loop on the decode side.
func decompressWorker(cfg *Config, w *worker, global *dedupe.GlobalIndex) {
	for {
		<-w.start
		if w.cancel.Load() || cfg.Cancel.Load() {
			w.frameLen = 0
			w.done <- struct{}{}
			return
		}

		if err := decompressChunk(cfg, w, global); err != nil {
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

// decompressChunk inverts the compression transform sequence for one
// chunk: authenticate, decrypt, un-dedupe/decompress, verify the
// plaintext digest.
func decompressChunk(cfg *Config, w *worker, global *dedupe.GlobalIndex) error {
	sumBytes := cfg.SumBytes
	macBytes := cfg.MacBytes
	headerExtra := sumBytes + macBytes + container.ChunkFlagSize
	total := w.rbytes

	flags := w.frame[sumBytes+macBytes]
	payloadLen := w.payloadLen
	origSize := cfg.ChunkSize

	if flags&container.ChunkFlagChunkSizeMask != 0 {
		if payloadLen < container.OriginalSizeBytes {
			return fmt.Errorf("frame too short for original size field")
		}
		payloadLen -= container.OriginalSizeBytes
		origSize = int64(binary.BigEndian.Uint64(w.frame[total-container.OriginalSizeBytes:]))
		if origSize <= 0 || origSize > cfg.ChunkSize {
			return fmt.Errorf("%w: original size %d out of range", container.ErrCorruptFrame, origSize)
		}
	}

	// Verify authentication before touching the payload.
	macSlot := w.frame[sumBytes : sumBytes+macBytes]
	stored := append([]byte(nil), macSlot...)
	for i := range macSlot {
		macSlot[i] = 0
	}

	if cfg.Crypto != nil {
		w.mac.Reset()
		w.mac.Write(w.lenCmpWire[:])
		w.mac.Write(w.frame[:total])
		if !checksum.MACEqual(stored, w.mac.Sum(nil)) {
			return fmt.Errorf("HMAC verification failed: %w", container.ErrAuthMismatch)
		}
	} else {
		crc := crc32.NewIEEE()
		crc.Write(w.lenCmpWire[:])
		crc.Write(w.frame[:total])
		if binary.BigEndian.Uint32(stored) != crc.Sum32() {
			return fmt.Errorf("CRC verification failed: %w", container.ErrAuthMismatch)
		}
	}

	payload := w.frame[headerExtra : headerExtra+payloadLen]

	// Decrypt in place. Length-preserving by contract.
	if cfg.Crypto != nil {
		if err := cfg.Crypto.Apply(payload, w.chunkID); err != nil {
			return fmt.Errorf("decrypt failed: %v", err)
		}
	}

	compressed := container.ChunkCompressed(flags)
	preprocessed := flags&container.ChunkFlagPreproc != 0
	sub := container.ChunkSubAlgo(flags)
	deduped := flags&container.ChunkFlagDedup != 0

	out := w.in[:origSize]
	var produced int

	if deduped {
		if w.dctx == nil {
			return fmt.Errorf("%w: chunk is deduplicated but archive header has no dedupe flags", container.ErrCorruptFrame)
		}
		n, err := reassembleDeduped(cfg, w, global, payload, out, compressed, preprocessed, sub)
		if err != nil {
			return err
		}
		produced = n
	} else {
		if compressed {
			n, err := decompressData(cfg, w, payload, out, sub, preprocessed, int(origSize))
			if err != nil {
				return fmt.Errorf("decompression failed: %v", err)
			}
			produced = n
		} else {
			if payloadLen != int(origSize) {
				return fmt.Errorf("%w: raw chunk is %d bytes, expected %d", container.ErrCorruptFrame, payloadLen, origSize)
			}
			copy(out, payload)
			produced = payloadLen
		}

		if cfg.DedupeMode == dedupe.ModeGlobal {
			// Mirror the encoder's registrations for a chunk it chose
			// to store plain. Ordering still matters, so take the
			// ring token after decompression like any other chunk.
			<-w.indexToken
			if cfg.Cancel.Load() {
				return fmt.Errorf("cancelled")
			}
			w.dctx.FileOffset = global.StreamOffset()
			w.fileOffset = w.dctx.FileOffset
			w.dctx.RegisterPlainChunk(out[:produced])
			global.AdvanceStream(int64(produced))
		}
	}

	if produced != int(origSize) {
		return fmt.Errorf("%w: chunk decoded to %d bytes, expected %d", container.ErrCorruptFrame, produced, origSize)
	}

	// Verify the plaintext digest (plain archives; in encrypted
	// archives the HMAC already authenticated everything).
	if cfg.Crypto == nil {
		sum, err := checksum.Compute(cfg.ChecksumKind, out[:produced], cfg.SingleChunk)
		if err != nil {
			return err
		}
		if !bytes.Equal(sum, w.frame[:sumBytes]) {
			return fmt.Errorf("checksums do not match")
		}
	}

	// Hand the reconstructed buffer to the writer by pointer swap;
	// the old frame buffer becomes the next read target.
	w.in, w.frame = w.frame, w.in
	w.frameLen = produced
	return nil
}

// reassembleDeduped splits a deduplicated payload, decompresses the
// data region first and then the index, each into its own place in the
// staging buffer, undoes the index transpose, and reconstructs the chunk.
func reassembleDeduped(cfg *Config, w *worker, global *dedupe.GlobalIndex, payload, out []byte, compressed, preprocessed bool, sub codec.SubAlgo) (int, error) {
	header, err := dedupe.ParseHeader(payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", container.ErrCorruptFrame, err)
	}
	indexSize := int(header.IndexSize)
	indexCmp := int(header.IndexSizeCmp)
	dataSize := int(header.DataSize)
	dataCmp := int(header.DataSizeCmp)

	if dedupe.HeaderSize+indexCmp+dataCmp > len(payload) {
		return 0, fmt.Errorf("%w: dedupe regions exceed payload", container.ErrCorruptFrame)
	}
	if dedupe.HeaderSize+indexSize+dataSize > len(w.scratch) {
		return 0, fmt.Errorf("%w: dedupe regions exceed chunk capacity", container.ErrCorruptFrame)
	}

	copy(w.scratch[:dedupe.HeaderSize], payload[:dedupe.HeaderSize])

	// Data region first.
	dataSrc := payload[dedupe.HeaderSize+indexCmp : dedupe.HeaderSize+indexCmp+dataCmp]
	dataDst := w.scratch[dedupe.HeaderSize+indexSize : dedupe.HeaderSize+indexSize+dataSize]
	if compressed {
		n, err := decompressData(cfg, w, dataSrc, dataDst, sub, preprocessed, dataSize)
		if err != nil {
			return 0, fmt.Errorf("decompression failed: %v", err)
		}
		if n != dataSize {
			return 0, fmt.Errorf("%w: dedupe data decoded to %d bytes, header says %d", container.ErrCorruptFrame, n, dataSize)
		}
	} else {
		if dataCmp != dataSize {
			return 0, fmt.Errorf("%w: raw dedupe data region size mismatch", container.ErrCorruptFrame)
		}
		copy(dataDst, dataSrc)
	}

	// Then the index.
	indexSrc := payload[dedupe.HeaderSize : dedupe.HeaderSize+indexCmp]
	indexDst := w.scratch[dedupe.HeaderSize : dedupe.HeaderSize+indexSize]
	if indexSize >= dedupe.MinIndexCompressSize && indexCmp < indexSize {
		n, err := codec.DecompressIndex(indexSrc, indexDst)
		if err != nil {
			return 0, fmt.Errorf("dedup index: %v", err)
		}
		if n != indexSize {
			return 0, fmt.Errorf("%w: dedupe index decoded to %d bytes, header says %d", container.ErrCorruptFrame, n, indexSize)
		}
	} else {
		if indexCmp != indexSize {
			return 0, fmt.Errorf("%w: dedupe index region size mismatch", container.ErrCorruptFrame)
		}
		copy(indexDst, indexSrc)
	}

	// Undo the byte transpose.
	tmp := make([]byte, indexSize)
	dedupe.Transpose(indexDst, tmp, dedupe.IndexElemSize, dedupe.Col)
	copy(indexDst, tmp)

	if cfg.DedupeMode == dedupe.ModeGlobal {
		// Global references read earlier chunks back from the output
		// file; the ring token guarantees they are on disk.
		<-w.indexToken
		if cfg.Cancel.Load() {
			return 0, fmt.Errorf("cancelled")
		}
		w.dctx.FileOffset = global.StreamOffset()
		w.fileOffset = w.dctx.FileOffset
	}

	n, err := w.dctx.Decompress(w.scratch[:dedupe.HeaderSize+indexSize+dataSize], out)
	if err != nil {
		return 0, fmt.Errorf("dedup recovery failed: %v", err)
	}

	if cfg.DedupeMode == dedupe.ModeGlobal {
		global.AdvanceStream(int64(n))
	}
	return n, nil
}
