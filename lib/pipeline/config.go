// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline implements the parallel chunk pipeline: a producer
// that reads boundary-aligned chunks into a double buffer, a ring of
// worker slots that run the per-chunk transform sequence, and a writer
// that serializes completed chunks in submission order.
//
// Coordination is the three-phase token handshake from the reference
// design, rendered as per-worker capacity-1 channels: the producer
// takes a worker's writeDone token before loading it, the worker posts
// done after processing, and the writer returns the writeDone token
// after the chunk is on disk. The producer and writer walk the worker
// ring with the same index, which is the whole ordering argument:
// output chunk order equals input chunk order no matter how long any
// individual chunk takes.
package pipeline

import (
	"fmt"
	"hash"
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/sehe/pcompress/lib/checksum"
	"github.com/sehe/pcompress/lib/codec"
	"github.com/sehe/pcompress/lib/container"
	"github.com/sehe/pcompress/lib/crypto"
	"github.com/sehe/pcompress/lib/dedupe"
	"github.com/sehe/pcompress/lib/secret"
)

// DefaultChunkSize is used when -s is not given.
const DefaultChunkSize = 5 * 1024 * 1024

// MaxThreads bounds the -t argument.
const MaxThreads = 256

// Config is the immutable-after-init pipeline configuration shared by
// every worker. The only mutable field is the Cancel flag.
type Config struct {
	// Entry is the resolved codec registry entry.
	Entry codec.Entry

	// Level is the compression level (0..14).
	Level int

	// ChunkSize is the chunk size in bytes.
	ChunkSize int64

	// Workers is the pipeline worker count after partitioning the
	// thread budget with the backend.
	Workers int

	// BackendThreads is the per-worker backend-internal thread
	// budget.
	BackendThreads int

	// ChecksumKind selects the chunk digest.
	ChecksumKind checksum.Kind

	// DedupeMode and its parameters; ModeNone disables dedupe.
	DedupeMode dedupe.Mode
	Delta      dedupe.DeltaLevel
	BlockIndex int

	// RabinSplit aligns chunk boundaries with content-defined block
	// boundaries during compression.
	RabinSplit bool

	// LZP and Delta2 enable the preprocessing stages.
	LZP    bool
	Delta2 bool

	// Crypto is non-nil when chunks are encrypted.
	Crypto *crypto.Context

	// SingleChunk marks a whole-input-in-one-chunk run: one worker,
	// tree-mode checksums.
	SingleChunk bool

	// Props are the backend requirements for this level/chunk size.
	Props codec.Props

	// SumBytes and MacBytes are the chunk header slot widths derived
	// from the checksum kind and crypto mode.
	SumBytes int
	MacBytes int

	// Logger receives pipeline-level events.
	Logger *slog.Logger

	// ShowCmpStats and ShowMemStats enable the -C / -M reports.
	ShowCmpStats bool
	ShowMemStats bool

	// Cancel is the process-wide cooperative cancellation flag. Any
	// fatal error sets it; workers check it at every token receive.
	Cancel atomic.Bool
}

// PasswordSource produces the archive password on demand: from the -w
// file when given, otherwise by prompting the terminal.
type PasswordSource func(confirm bool) (*secret.Buffer, error)

// FilePassword returns a PasswordSource reading (and zeroing) a
// password file.
func FilePassword(path string) PasswordSource {
	return func(bool) (*secret.Buffer, error) {
		return secret.ReadPasswordFile(path)
	}
}

// PromptPassword returns a PasswordSource prompting the terminal.
func PromptPassword(prompt string) PasswordSource {
	return func(confirm bool) (*secret.Buffer, error) {
		return secret.PromptPassword(prompt, confirm)
	}
}

// deriveAuthWidths sets SumBytes and MacBytes from the checksum kind
// and crypto mode: encrypted archives drop the plain digest entirely
// (the HMAC authenticates everything), plain archives carry the digest
// plus a 4-byte CRC32.
func (cfg *Config) deriveAuthWidths() error {
	props, err := checksum.Lookup(cfg.ChecksumKind)
	if err != nil {
		return err
	}
	if cfg.Crypto != nil {
		cfg.SumBytes = 0
		cfg.MacBytes = props.MacBytes
	} else {
		cfg.SumBytes = props.SumBytes
		cfg.MacBytes = 4
	}
	return nil
}

// chunkHeaderSize is the fixed chunk header ahead of the payload:
// compressed length, digest slot, MAC slot, flag byte.
func (cfg *Config) chunkHeaderSize() int {
	return container.CompressedLenBytes + cfg.SumBytes + cfg.MacBytes + container.ChunkFlagSize
}

// compressedCap sizes the per-worker buffers: chunk size plus chunk
// header, backend scratch, dedupe scratch, the preprocess frame, and
// the trailing original-size field.
func (cfg *Config) compressedCap() int {
	capacity := cfg.ChunkSize + int64(cfg.chunkHeaderSize()) + cfg.Props.BufExtra +
		container.OriginalSizeBytes + 16
	if cfg.DedupeMode != dedupe.ModeNone {
		capacity += dedupe.ExtraSpace(cfg.ChunkSize, cfg.BlockIndex)
	}
	return int(capacity)
}

// PartitionThreads computes the worker count and backend thread
// budget from the requested thread count, the machine, and the input
// size (when known; pass a negative size for pipes).
func (cfg *Config) PartitionThreads(requested int, inputSize int64) error {
	threads := requested
	if threads == 0 {
		threads = runtime.NumCPU()
	}
	if threads < 1 || threads > MaxThreads {
		return fmt.Errorf("thread count should be in range 1 - %d", MaxThreads)
	}
	if threads > runtime.NumCPU() {
		threads = runtime.NumCPU()
	}

	if inputSize >= 0 && !cfg.SingleChunk {
		chunks := inputSize / cfg.ChunkSize
		if inputSize%cfg.ChunkSize != 0 {
			chunks++
		}
		if chunks > 0 && int64(threads) > chunks {
			threads = int(chunks)
		}
	}
	if cfg.SingleChunk {
		threads = 1
	}

	backend := cfg.Props.NThreads
	if backend < 1 {
		backend = 1
	}
	workers := threads / backend
	if workers < 1 {
		workers = 1
	}

	cfg.Workers = workers
	cfg.BackendThreads = backend
	return nil
}

// worker is one slot of the pipeline ring. Buffers are allocated on
// first use (delayed allocation: in pipe mode the chunk count is
// unknown, and slots beyond the chunk count must stay cheap).
type worker struct {
	id int

	// chunkID is the ascending chunk number loaded by the producer.
	chunkID uint64

	// in receives the raw chunk (compression) by pointer swap with
	// the producer's read buffer.
	in []byte

	// frame is where the framed chunk is assembled (compression) or
	// read into and reconstructed (decompression).
	frame []byte

	// scratch is the dedupe staging buffer.
	scratch []byte

	// rbytes is the valid input length for this cycle.
	rbytes int

	// frameLen is the completed frame length handed to the writer;
	// zero signals cancellation or error.
	frameLen int

	// lenCmpWire holds the chunk's compressed-length field exactly as
	// read off the wire (decompression), for authentication.
	lenCmpWire [8]byte

	// payloadLen is the payload length after removing the trailing
	// original-size field (decompression).
	payloadLen int

	// fileOffset is the chunk's offset in the uncompressed stream.
	fileOffset int64

	start     chan struct{}
	done      chan struct{}
	writeDone chan struct{}

	// indexToken is this worker's slot in the global-dedupe ring.
	indexToken chan struct{}

	codec codec.Codec
	dctx  *dedupe.Context
	mac   hash.Hash

	cancel  atomic.Bool
	errored bool
}

// newWorkers creates the worker ring, wiring the three-phase channels
// and, under global dedupe, the index token ring. Every writeDone
// starts pre-posted so the first producer cycle is unblocked; worker
// zero's index token is pre-posted so the first chunk can take it.
func newWorkers(cfg *Config, direction codec.Direction, global *dedupe.GlobalIndex) ([]*worker, error) {
	workers := make([]*worker, cfg.Workers)
	for i := range workers {
		w := &worker{
			id:         i,
			start:      make(chan struct{}, 1),
			done:       make(chan struct{}, 1),
			writeDone:  make(chan struct{}, 1),
			indexToken: make(chan struct{}, 1),
		}
		w.writeDone <- struct{}{}

		level := cfg.Level
		instance, err := cfg.Entry.New(codec.Config{
			Level:     level,
			ChunkSize: cfg.ChunkSize,
			NThreads:  cfg.BackendThreads,
			Version:   container.Version,
			Direction: direction,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing %s backend for worker %d: %w", cfg.Entry.Name, i, err)
		}
		w.codec = instance

		if cfg.DedupeMode != dedupe.ModeNone {
			dctx, err := dedupe.NewContext(cfg.DedupeMode, cfg.BlockIndex, cfg.Delta)
			if err != nil {
				return nil, err
			}
			dctx.Global = global
			dctx.IndexToken = w.indexToken
			w.dctx = dctx
		}

		if cfg.Crypto != nil {
			mac, err := cfg.Crypto.NewMAC()
			if err != nil {
				return nil, fmt.Errorf("initializing chunk hmac: %w", err)
			}
			w.mac = mac
		}

		workers[i] = w
	}

	// Close the token ring: worker i posts to worker i+1 mod N.
	if cfg.DedupeMode == dedupe.ModeGlobal {
		for i, w := range workers {
			w.dctx.NextToken = workers[(i+1)%len(workers)].indexToken
		}
	}
	workers[0].indexToken <- struct{}{}

	return workers, nil
}

// cascadeCancel is the writer's bail-out: set the global flag and feed
// every token a peer might be blocked on, then let everyone observe
// the flag and unwind.
func cascadeCancel(cfg *Config, workers []*worker) {
	cfg.Cancel.Store(true)
	for _, w := range workers {
		select {
		case w.writeDone <- struct{}{}:
		default:
		}
		select {
		case w.indexToken <- struct{}{}:
		default:
		}
	}
}
