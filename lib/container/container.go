// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

// Package container defines the pcompress archive format: the file
// header, the per-chunk flag byte, the end-of-stream trailer, and the
// header authentication scheme. All multi-byte integers are big-endian
// on the wire.
//
// File layout:
//
//	algo[8]      ASCII algorithm tag, zero-padded
//	version      u16
//	flags        u16 (checksum kind, dedupe flags, single-chunk,
//	             crypto algorithm)
//	chunksize    u64
//	level        u32
//	-- encrypted archives only --
//	saltlen      u32
//	salt         [saltlen]
//	nonce        [8 or 24, by crypto algorithm]
//	keylen       u32
//	headerMAC    [mac bytes]    HMAC over all preceding header bytes
//	-- plain archives --
//	headerCRC    u32            CRC32 over all preceding header bytes
//	-- then chunks, then --
//	trailer      u64 zero
package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/sehe/pcompress/lib/bytesize"
	"github.com/sehe/pcompress/lib/checksum"
	"github.com/sehe/pcompress/lib/codec"
	"github.com/sehe/pcompress/lib/crypto"
)

// Format constants. Protocol constants: changing them breaks archive
// compatibility.
const (
	// Version is the archive format version written by this build.
	Version = 10

	// MinVersion is the oldest version this build decodes
	// (Version - 3).
	MinVersion = Version - 3

	// AlgoSize is the fixed size of the algorithm tag.
	AlgoSize = 8

	// MinChunkSize is the smallest accepted chunk size.
	MinChunkSize = 4096

	// LenCmpSlack is the allowance above the chunk size for a stored
	// compressed length. Anything larger marks a corrupt frame.
	LenCmpSlack = 256

	// ChunkFlagSize is the chunk flag byte.
	ChunkFlagSize = 1

	// OriginalSizeBytes is the trailing original-size field appended
	// to short chunks.
	OriginalSizeBytes = 8

	// CompressedLenBytes is the leading compressed-length field of a
	// chunk header.
	CompressedLenBytes = 8
)

// File header flag bits (u16).
const (
	// CryptoMask holds the crypto algorithm code (crypto.Algorithm).
	CryptoMask = 0x0007

	// FlagDedup marks content-defined (rabin) deduplication. Together
	// with FlagDedupFixed it means global deduplication.
	FlagDedup = 0x0008

	// FlagDedupFixed marks fixed-block deduplication (alone) or
	// global deduplication (with FlagDedup).
	FlagDedupFixed = 0x0010

	// FlagSingleChunk marks an archive holding the whole input in one
	// chunk.
	FlagSingleChunk = 0x0020

	// ChecksumMask holds the checksum kind code.
	ChecksumShift = 8
	ChecksumMask  = 0x0F00
)

// Chunk flag byte layout (MSB first): bit 7 original-size-appended,
// bits 6-4 adaptive sub-codec id, bit 3 preprocessed, bit 2 deduped,
// bits 1-0 compressed (00 raw, 01 compressed).
const (
	ChunkFlagChunkSizeMask = 0x80
	ChunkFlagAdaptiveMask  = 0x70
	chunkFlagAdaptiveShift = 4
	ChunkFlagPreproc       = 0x08
	ChunkFlagDedup         = 0x04
	ChunkFlagCompressedBit = 0x01
	chunkFlagCompressMask  = 0x03
)

// Preprocess-type byte bits, prepended to preprocessed payloads.
const (
	PreprocLZP        = 0x01
	PreprocDelta2     = 0x02
	PreprocCompressed = 0x80
)

// Sentinel errors for conditions callers and tests distinguish.
var (
	// ErrNotPcompress reports a header whose algorithm tag matches no
	// known codec.
	ErrNotPcompress = errors.New("not a pcompress archive")

	// ErrVersionUnsupported reports a version outside the accepted
	// window.
	ErrVersionUnsupported = errors.New("unsupported archive version")

	// ErrAuthMismatch reports HMAC or CRC32 verification failure on a
	// header or chunk.
	ErrAuthMismatch = errors.New("authentication verification failed")

	// ErrCorruptFrame reports structurally invalid framing.
	ErrCorruptFrame = errors.New("corrupt chunk frame")

	// ErrOversizeChunk reports a stored compressed length beyond the
	// permitted slack.
	ErrOversizeChunk = errors.New("compressed length too big for chunk")
)

// FileHeader is the decoded archive header.
type FileHeader struct {
	// Algo is the canonical algorithm name.
	Algo string

	// Version is the archive format version.
	Version uint16

	// ChecksumKind is the chunk digest algorithm.
	ChecksumKind checksum.Kind

	// CryptoAlg is the chunk cipher, or zero for plain archives.
	CryptoAlg crypto.Algorithm

	// Dedup, DedupFixed and SingleChunk mirror the header flag bits.
	// Dedup && DedupFixed together mean global deduplication.
	Dedup       bool
	DedupFixed  bool
	SingleChunk bool

	// ChunkSize is the configured chunk size.
	ChunkSize uint64

	// Level is the compression level the archive was written with.
	Level uint32

	// Salt, Nonce and KeyLen are present for encrypted archives.
	Salt   []byte
	Nonce  []byte
	KeyLen uint32
}

// Encrypted reports whether the archive's chunks are encrypted.
func (h *FileHeader) Encrypted() bool {
	return h.CryptoAlg != 0
}

// GlobalDedup reports whether the archive uses the file-wide dedupe
// index (both dedupe flag bits set).
func (h *FileHeader) GlobalDedup() bool {
	return h.Dedup && h.DedupFixed
}

// flags assembles the u16 flag field.
func (h *FileHeader) flags() uint16 {
	flags := uint16(h.ChecksumKind) << ChecksumShift
	flags |= uint16(h.CryptoAlg) & CryptoMask
	if h.Dedup {
		flags |= FlagDedup
	}
	if h.DedupFixed {
		flags |= FlagDedupFixed
	}
	if h.SingleChunk {
		flags |= FlagSingleChunk
	}
	return flags
}

// Encode serializes the header into one contiguous buffer (without
// the trailing authenticator), so the HMAC or CRC32 can be computed in
// a single pass over exactly the bytes on the wire.
func (h *FileHeader) Encode() []byte {
	buf := make([]byte, 0, AlgoSize+2+2+8+4+4+len(h.Salt)+len(h.Nonce)+4)

	var algo [AlgoSize]byte
	copy(algo[:], h.Algo)
	buf = append(buf, algo[:]...)

	buf = binary.BigEndian.AppendUint16(buf, h.Version)
	buf = binary.BigEndian.AppendUint16(buf, h.flags())
	buf = binary.BigEndian.AppendUint64(buf, h.ChunkSize)
	buf = binary.BigEndian.AppendUint32(buf, h.Level)

	if h.Encrypted() {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(h.Salt)))
		buf = append(buf, h.Salt...)
		buf = append(buf, h.Nonce...)
		buf = binary.BigEndian.AppendUint32(buf, h.KeyLen)
	}
	return buf
}

// WriteHeader writes the header and its authenticator. For encrypted
// archives mac must be the archive HMAC (it is reset, fed the header
// bytes, and its sum written); for plain archives mac is nil and a
// CRC32 is written instead.
func WriteHeader(w io.Writer, h *FileHeader, mac hash.Hash) error {
	raw := h.Encode()
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("writing archive header: %w", err)
	}

	if mac != nil {
		mac.Reset()
		mac.Write(raw)
		if _, err := w.Write(mac.Sum(nil)); err != nil {
			return fmt.Errorf("writing header HMAC: %w", err)
		}
		return nil
	}

	var crcBytes [4]byte
	binary.BigEndian.PutUint32(crcBytes[:], crc32.ChecksumIEEE(raw))
	if _, err := w.Write(crcBytes[:]); err != nil {
		return fmt.Errorf("writing header CRC: %w", err)
	}
	return nil
}

// HeaderAuth carries the exact header bytes read off the wire plus the
// stored authenticator, so HMAC verification can run after the
// password-derived keys become available.
type HeaderAuth struct {
	// Raw is the header as read, byte-exact.
	Raw []byte

	// Mac is the stored authenticator (HMAC for encrypted archives;
	// for plain archives the CRC32 has already been verified and this
	// is empty).
	Mac []byte
}

// ReadHeader reads and sanity-checks an archive header. For plain
// archives the header CRC32 is verified before returning; for
// encrypted archives the caller must verify the HMAC with
// [HeaderAuth.VerifyMAC] once the crypto context exists.
func ReadHeader(r io.Reader) (*FileHeader, *HeaderAuth, error) {
	raw := make([]byte, AlgoSize+2+2+8+4)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, fmt.Errorf("reading archive header: %w", err)
	}

	algoTag := string(raw[:AlgoSize])
	entry, err := codec.Resolve(algoTag)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: unknown algorithm tag %q", ErrNotPcompress, algoTag)
	}

	header := &FileHeader{Algo: entry.Name}
	header.Version = binary.BigEndian.Uint16(raw[AlgoSize:])
	flags := binary.BigEndian.Uint16(raw[AlgoSize+2:])
	header.ChunkSize = binary.BigEndian.Uint64(raw[AlgoSize+4:])
	header.Level = binary.BigEndian.Uint32(raw[AlgoSize+12:])

	if header.Version > Version {
		return nil, nil, fmt.Errorf("%w: archive version %d is newer than this build handles (%d)",
			ErrVersionUnsupported, header.Version, Version)
	}
	if header.Version < MinVersion {
		return nil, nil, fmt.Errorf("%w: archive version %d is older than the supported window (%d..%d)",
			ErrVersionUnsupported, header.Version, MinVersion, Version)
	}

	if header.ChunkSize < MinChunkSize {
		return nil, nil, fmt.Errorf("chunk size %d below minimum %d", header.ChunkSize, MinChunkSize)
	}
	if ram, err := bytesize.TotalRAM(); err == nil {
		if header.ChunkSize > uint64(bytesize.EightyPercent(ram)) {
			return nil, nil, fmt.Errorf("chunk size must not exceed 80%% of total RAM")
		}
	}
	if header.Level > codec.MaxLevel {
		return nil, nil, fmt.Errorf("invalid compression level in header: %d", header.Level)
	}

	header.ChecksumKind = checksum.Kind((flags & ChecksumMask) >> ChecksumShift)
	if _, err := checksum.Lookup(header.ChecksumKind); err != nil {
		return nil, nil, fmt.Errorf("invalid checksum algorithm code in header: %w", err)
	}
	header.CryptoAlg = crypto.Algorithm(flags & CryptoMask)
	header.Dedup = flags&FlagDedup != 0
	header.DedupFixed = flags&FlagDedupFixed != 0
	header.SingleChunk = flags&FlagSingleChunk != 0

	auth := &HeaderAuth{}

	if header.Encrypted() {
		nonceLen, err := crypto.NonceLen(header.CryptoAlg)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid encryption algorithm code in header: %w", err)
		}

		var saltLenBytes [4]byte
		if _, err := io.ReadFull(r, saltLenBytes[:]); err != nil {
			return nil, nil, fmt.Errorf("reading salt length: %w", err)
		}
		saltLen := binary.BigEndian.Uint32(saltLenBytes[:])
		if saltLen == 0 || saltLen > crypto.MaxSaltLen {
			return nil, nil, fmt.Errorf("salt length %d out of range", saltLen)
		}

		rest := make([]byte, int(saltLen)+nonceLen+4)
		if _, err := io.ReadFull(r, rest); err != nil {
			return nil, nil, fmt.Errorf("reading crypto header fields: %w", err)
		}
		header.Salt = append([]byte(nil), rest[:saltLen]...)
		header.Nonce = append([]byte(nil), rest[saltLen:int(saltLen)+nonceLen]...)
		header.KeyLen = binary.BigEndian.Uint32(rest[int(saltLen)+nonceLen:])
		if header.KeyLen != 16 && header.KeyLen != 32 {
			return nil, nil, fmt.Errorf("invalid key length in header: %d", header.KeyLen)
		}

		raw = append(raw, saltLenBytes[:]...)
		raw = append(raw, rest...)

		props, _ := checksum.Lookup(header.ChecksumKind)
		mac := make([]byte, props.MacBytes)
		if _, err := io.ReadFull(r, mac); err != nil {
			return nil, nil, fmt.Errorf("reading header HMAC: %w", err)
		}
		auth.Raw = raw
		auth.Mac = mac
		return header, auth, nil
	}

	var crcBytes [4]byte
	if _, err := io.ReadFull(r, crcBytes[:]); err != nil {
		return nil, nil, fmt.Errorf("reading header CRC: %w", err)
	}
	if binary.BigEndian.Uint32(crcBytes[:]) != crc32.ChecksumIEEE(raw) {
		return nil, nil, fmt.Errorf("%w: archive header CRC mismatch (file tampered or truncated)", ErrAuthMismatch)
	}
	auth.Raw = raw
	return header, auth, nil
}

// VerifyMAC recomputes the header HMAC over the bytes read off the
// wire and compares it with the stored value in constant time.
func (a *HeaderAuth) VerifyMAC(mac hash.Hash) error {
	mac.Reset()
	mac.Write(a.Raw)
	if !checksum.MACEqual(mac.Sum(nil), a.Mac) {
		return fmt.Errorf("%w: archive header HMAC mismatch (file tampered or wrong password)", ErrAuthMismatch)
	}
	return nil
}

// BuildChunkFlags assembles the chunk flag byte.
func BuildChunkFlags(compressed, deduped, preprocessed, sizeAppended bool, sub codec.SubAlgo) byte {
	var flags byte
	if compressed {
		flags |= ChunkFlagCompressedBit
	}
	if deduped {
		flags |= ChunkFlagDedup
	}
	if preprocessed {
		flags |= ChunkFlagPreproc
	}
	if sizeAppended {
		flags |= ChunkFlagChunkSizeMask
	}
	flags |= byte(sub) << chunkFlagAdaptiveShift & ChunkFlagAdaptiveMask
	return flags
}

// ChunkCompressed reports the compressed bit of a chunk flag byte.
func ChunkCompressed(flags byte) bool {
	return flags&chunkFlagCompressMask == ChunkFlagCompressedBit
}

// ChunkSubAlgo extracts the adaptive sub-codec id.
func ChunkSubAlgo(flags byte) codec.SubAlgo {
	return codec.SubAlgo((flags & ChunkFlagAdaptiveMask) >> chunkFlagAdaptiveShift)
}

// WriteTrailer writes the end-of-stream marker: a zero u64.
func WriteTrailer(w io.Writer) error {
	var trailer [8]byte
	if _, err := w.Write(trailer[:]); err != nil {
		return fmt.Errorf("writing archive trailer: %w", err)
	}
	return nil
}
