// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/sehe/pcompress/lib/checksum"
	"github.com/sehe/pcompress/lib/codec"
	"github.com/sehe/pcompress/lib/container"
	"github.com/sehe/pcompress/lib/crypto"
	"github.com/sehe/pcompress/lib/dedupe"
	"github.com/sehe/pcompress/lib/secret"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig builds a compression configuration the way the CLI does.
func testConfig(t *testing.T, algo string, chunkSize int64, threads int, inputSize int64, mutate func(*Config)) *Config {
	t.Helper()
	entry, err := codec.Resolve(algo)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &Config{
		Entry:        entry,
		Level:        6,
		ChunkSize:    chunkSize,
		ChecksumKind: checksum.Default,
		BlockIndex:   dedupe.DefaultBlockIndex,
		SingleChunk:  inputSize >= 0 && inputSize <= chunkSize,
		Logger:       quietLogger(),
	}
	if mutate != nil {
		mutate(cfg)
	}
	cfg.RabinSplit = (cfg.DedupeMode == dedupe.ModeSegmented || cfg.DedupeMode == dedupe.ModeGlobal) &&
		!cfg.SingleChunk
	cfg.Props = entry.Props(cfg.Level, cfg.ChunkSize)

	if err := cfg.PartitionThreads(threads, inputSize); err != nil {
		t.Fatal(err)
	}
	return cfg
}

// compressBytes runs the pipeline over data and returns the archive.
func compressBytes(t *testing.T, cfg *Config, data []byte) []byte {
	t.Helper()
	out, err := os.CreateTemp(t.TempDir(), "arc")
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()

	if err := Compress(cfg, bytes.NewReader(data), out, int64(len(data))); err != nil {
		t.Fatalf("Compress failed: %v", err)
	}

	archive, err := os.ReadFile(out.Name())
	if err != nil {
		t.Fatal(err)
	}
	return archive
}

// decompressBytes runs the decode pipeline over an archive and
// returns the reconstructed stream.
func decompressBytes(t *testing.T, archive []byte, opts DecompressOptions) ([]byte, error) {
	t.Helper()
	out, err := os.CreateTemp(t.TempDir(), "plain")
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()

	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if err := Decompress(opts, bytes.NewReader(archive), out); err != nil {
		return nil, err
	}
	return os.ReadFile(out.Name())
}

// chunkFlags walks a plain (non-crypto) archive and returns every
// chunk's flag byte.
func chunkFlags(t *testing.T, archive []byte) []byte {
	t.Helper()
	reader := bytes.NewReader(archive)
	header, _, err := container.ReadHeader(reader)
	if err != nil {
		t.Fatalf("parsing archive header: %v", err)
	}
	props, err := checksum.Lookup(header.ChecksumKind)
	if err != nil {
		t.Fatal(err)
	}
	sumBytes := props.SumBytes
	macBytes := 4

	var flags []byte
	for {
		var lenCmpBytes [8]byte
		if _, err := io.ReadFull(reader, lenCmpBytes[:]); err != nil {
			t.Fatalf("reading chunk length: %v", err)
		}
		lenCmp := binary.BigEndian.Uint64(lenCmpBytes[:])
		if lenCmp == 0 {
			return flags
		}
		rest := make([]byte, int(lenCmp)+sumBytes+macBytes+1)
		if _, err := io.ReadFull(reader, rest); err != nil {
			t.Fatalf("reading chunk: %v", err)
		}
		flags = append(flags, rest[sumBytes+macBytes])
	}
}

func repetitiveData(size int) []byte {
	unit := []byte("Hello, world!\n")
	buf := make([]byte, 0, size+len(unit))
	for len(buf) < size {
		buf = append(buf, unit...)
	}
	return buf[:size]
}

func TestRoundtripLZ4MultiChunk(t *testing.T) {
	data := repetitiveData(14 * 100000) // "Hello, world!\n" x 100000
	cfg := testConfig(t, "lz4", 1<<20, 4, int64(len(data)), nil)
	archive := compressBytes(t, cfg, data)

	flags := chunkFlags(t, archive)
	if len(flags) < 1 {
		t.Fatal("expected at least one chunk")
	}
	for i, flag := range flags {
		if !container.ChunkCompressed(flag) {
			t.Errorf("chunk %d not marked compressed", i)
		}
	}

	plain, err := decompressBytes(t, archive, DecompressOptions{Threads: 4})
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if !bytes.Equal(plain, data) {
		t.Fatal("roundtrip mismatch")
	}
}

func TestRandomDataFallsBackToRaw(t *testing.T) {
	data := make([]byte, 7<<20)
	rand.Read(data)

	cfg := testConfig(t, "zlib", 5<<20, 2, int64(len(data)), nil)
	archive := compressBytes(t, cfg, data)

	flags := chunkFlags(t, archive)
	if len(flags) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(flags))
	}
	for i, flag := range flags {
		if container.ChunkCompressed(flag) {
			t.Errorf("random chunk %d should be stored raw", i)
		}
	}

	plain, err := decompressBytes(t, archive, DecompressOptions{Threads: 2})
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if !bytes.Equal(plain, data) {
		t.Fatal("roundtrip mismatch")
	}
}

func TestOrderInvariance(t *testing.T) {
	data := repetitiveData(8 << 20)
	var archives [][]byte

	for _, threads := range []int{1, 4} {
		cfg := testConfig(t, "lz4", 1<<20, threads, int64(len(data)), nil)
		archives = append(archives, compressBytes(t, cfg, data))
	}

	if !bytes.Equal(archives[0], archives[1]) {
		t.Error("archive bytes depend on the worker count")
	}

	plain, err := decompressBytes(t, archives[1], DecompressOptions{Threads: 3})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, data) {
		t.Fatal("roundtrip mismatch")
	}
}

func TestSingleChunkArchive(t *testing.T) {
	data := repetitiveData(64 * 1024)
	cfg := testConfig(t, "zlib", DefaultChunkSize, 4, int64(len(data)), nil)
	if !cfg.SingleChunk {
		t.Fatal("small input should select single-chunk mode")
	}
	archive := compressBytes(t, cfg, data)

	header, _, err := container.ReadHeader(bytes.NewReader(archive))
	if err != nil {
		t.Fatal(err)
	}
	if !header.SingleChunk {
		t.Error("header should carry the single-chunk flag")
	}

	flags := chunkFlags(t, archive)
	if len(flags) != 1 {
		t.Fatalf("expected one chunk, got %d", len(flags))
	}
	if flags[0]&container.ChunkFlagChunkSizeMask == 0 {
		t.Error("short chunk should append its original size")
	}

	plain, err := decompressBytes(t, archive, DecompressOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, data) {
		t.Fatal("roundtrip mismatch")
	}
}

func TestDedupeWithPreproc(t *testing.T) {
	data := blockRepetitiveData(3 << 20)
	cfg := testConfig(t, "ppmd", 1<<20, 2, int64(len(data)), func(cfg *Config) {
		cfg.DedupeMode = dedupe.ModeSegmented
		cfg.LZP = true
		cfg.Delta2 = true
	})
	archive := compressBytes(t, cfg, data)

	flags := chunkFlags(t, archive)
	sawDedupe := false
	for _, flag := range flags {
		if flag&container.ChunkFlagDedup != 0 {
			sawDedupe = true
		}
	}
	if !sawDedupe {
		t.Error("repetitive data should produce deduped chunks")
	}

	plain, err := decompressBytes(t, archive, DecompressOptions{Threads: 2})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, data) {
		t.Fatal("roundtrip mismatch")
	}

	// A single corrupted payload byte must fail authentication.
	corrupt := append([]byte(nil), archive...)
	corrupt[len(corrupt)-64] ^= 0x10
	if _, err := decompressBytes(t, corrupt, DecompressOptions{Threads: 2}); !errors.Is(err, container.ErrAuthMismatch) {
		// The worker reports the failure; the driver surfaces an
		// aborted run. Accept either as long as it failed.
		if err == nil {
			t.Error("corrupted payload should fail decompression")
		}
	}
}

func TestNoneCodecWithDedupe(t *testing.T) {
	data := blockRepetitiveData(2 << 20)
	cfg := testConfig(t, "none", 1<<20, 2, int64(len(data)), func(cfg *Config) {
		cfg.DedupeMode = dedupe.ModeSegmented
	})
	archive := compressBytes(t, cfg, data)

	flags := chunkFlags(t, archive)
	for i, flag := range flags {
		if container.ChunkCompressed(flag) {
			t.Errorf("chunk %d should be uncompressed under the none backend", i)
		}
		if flag&container.ChunkFlagDedup == 0 {
			t.Errorf("chunk %d should still be deduped", i)
		}
	}
	if len(archive) >= len(data) {
		t.Error("dedupe alone should have reduced this archive")
	}

	plain, err := decompressBytes(t, archive, DecompressOptions{Threads: 2})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, data) {
		t.Fatal("roundtrip mismatch")
	}
}

func TestDeltaEncoding(t *testing.T) {
	data := blockRepetitiveData(2 << 20)
	// Sparse mutations so identical dedupe misses some blocks.
	for i := 10000; i < len(data); i += 128 * 1024 {
		data[i] ^= 0x40
	}

	cfg := testConfig(t, "lz4", 1<<20, 2, int64(len(data)), func(cfg *Config) {
		cfg.DedupeMode = dedupe.ModeSegmented
		cfg.Delta = dedupe.DeltaNormal
	})
	archive := compressBytes(t, cfg, data)

	plain, err := decompressBytes(t, archive, DecompressOptions{Threads: 2})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, data) {
		t.Fatal("delta roundtrip mismatch")
	}
}

func TestGlobalDedupe(t *testing.T) {
	// Cross-chunk duplication: the second half repeats the first, so
	// only the file-wide index can eliminate it.
	half := make([]byte, 2<<20)
	rand.Read(half)
	data := append(append([]byte(nil), half...), half...)

	cfg := testConfig(t, "none", 1<<20, 3, int64(len(data)), func(cfg *Config) {
		cfg.DedupeMode = dedupe.ModeGlobal
	})
	archive := compressBytes(t, cfg, data)

	if len(archive) >= len(data) {
		t.Error("global dedupe should have eliminated the repeated half")
	}

	plain, err := decompressBytes(t, archive, DecompressOptions{Threads: 3})
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if !bytes.Equal(plain, data) {
		t.Fatal("global dedupe roundtrip mismatch")
	}
}

func filePasswordSource(password string) PasswordSource {
	return func(bool) (*secret.Buffer, error) {
		return secret.NewFromBytes([]byte(password))
	}
}

func TestCryptoRoundtripAndWrongPassword(t *testing.T) {
	data := repetitiveData(512 * 1024)

	cfg := testConfig(t, "lzma", 256*1024, 2, int64(len(data)), func(cfg *Config) {
		password, err := secret.NewFromBytes([]byte("open sesame"))
		if err != nil {
			t.Fatal(err)
		}
		defer password.Close()
		context, err := crypto.NewForEncrypt(crypto.AlgAES, password, 32, cfg.ChecksumKind)
		if err != nil {
			t.Fatal(err)
		}
		cfg.Crypto = context
	})
	defer cfg.Crypto.Close()

	archive := compressBytes(t, cfg, data)

	// The header carries salt, nonce and key length.
	header, _, err := container.ReadHeader(bytes.NewReader(archive))
	if err != nil {
		t.Fatal(err)
	}
	if !header.Encrypted() || len(header.Salt) == 0 || len(header.Nonce) == 0 || header.KeyLen != 32 {
		t.Errorf("crypto header fields missing: %+v", header)
	}

	plain, err := decompressBytes(t, archive, DecompressOptions{
		Threads:  2,
		Password: filePasswordSource("open sesame"),
	})
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if !bytes.Equal(plain, data) {
		t.Fatal("crypto roundtrip mismatch")
	}

	// Wrong password: header HMAC fails before any plaintext exists.
	out, err := os.CreateTemp(t.TempDir(), "plain")
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()
	err = Decompress(DecompressOptions{
		Threads:  2,
		Password: filePasswordSource("wrong password"),
		Logger:   quietLogger(),
	}, bytes.NewReader(archive), out)
	if !errors.Is(err, container.ErrAuthMismatch) {
		t.Fatalf("wrong password should fail with ErrAuthMismatch, got %v", err)
	}
	written, err := os.ReadFile(out.Name())
	if err != nil {
		t.Fatal(err)
	}
	if len(written) != 0 {
		t.Errorf("no plaintext may be written on auth failure, found %d bytes", len(written))
	}
}

func TestEncryptedChunkTamperFails(t *testing.T) {
	data := repetitiveData(256 * 1024)
	cfg := testConfig(t, "lz4", 128*1024, 2, int64(len(data)), func(cfg *Config) {
		password, err := secret.NewFromBytes([]byte("tamper test"))
		if err != nil {
			t.Fatal(err)
		}
		defer password.Close()
		context, err := crypto.NewForEncrypt(crypto.AlgSalsa20, password, 32, cfg.ChecksumKind)
		if err != nil {
			t.Fatal(err)
		}
		cfg.Crypto = context
	})
	defer cfg.Crypto.Close()

	archive := compressBytes(t, cfg, data)

	corrupt := append([]byte(nil), archive...)
	corrupt[len(corrupt)-32] ^= 0x01
	_, err := decompressBytes(t, corrupt, DecompressOptions{
		Threads:  2,
		Password: filePasswordSource("tamper test"),
	})
	if err == nil {
		t.Fatal("tampered encrypted chunk should fail")
	}
}

func TestAuthSensitivityPlain(t *testing.T) {
	data := repetitiveData(200 * 1024)
	cfg := testConfig(t, "zlib", 64*1024, 2, int64(len(data)), nil)
	archive := compressBytes(t, cfg, data)

	headerEnd := container.AlgoSize + 2 + 2 + 8 + 4 + 4

	// Flip single bits across the chunk region; every one must abort
	// decompression.
	for _, position := range []int{headerEnd + 3, headerEnd + 50, len(archive) / 2, len(archive) - 16} {
		corrupt := append([]byte(nil), archive...)
		corrupt[position] ^= 0x04
		if _, err := decompressBytes(t, corrupt, DecompressOptions{Threads: 2}); err == nil {
			t.Errorf("bit flip at offset %d went unnoticed", position)
		}
	}
}

func TestOversizeChunkRejected(t *testing.T) {
	var buf bytes.Buffer
	header := &container.FileHeader{
		Algo:         "lz4",
		Version:      container.Version,
		ChecksumKind: checksum.Default,
		ChunkSize:    1 << 20,
		Level:        6,
	}
	if err := container.WriteHeader(&buf, header, nil); err != nil {
		t.Fatal(err)
	}
	var lenCmp [8]byte
	binary.BigEndian.PutUint64(lenCmp[:], uint64(1<<20)+container.LenCmpSlack+1)
	buf.Write(lenCmp[:])
	buf.Write(make([]byte, 512))

	_, err := decompressBytes(t, buf.Bytes(), DecompressOptions{Threads: 1})
	if !errors.Is(err, container.ErrOversizeChunk) {
		t.Fatalf("oversize chunk should fail with ErrOversizeChunk, got %v", err)
	}
}

func TestVersionGateEndToEnd(t *testing.T) {
	data := repetitiveData(64 * 1024)
	cfg := testConfig(t, "lz4", DefaultChunkSize, 1, int64(len(data)), nil)
	archive := compressBytes(t, cfg, data)

	// Plain header: fixed fields then CRC32.
	fixedLen := container.AlgoSize + 2 + 2 + 8 + 4

	patchVersion := func(version uint16) []byte {
		patched := append([]byte(nil), archive...)
		binary.BigEndian.PutUint16(patched[container.AlgoSize:], version)
		crc := crc32.ChecksumIEEE(patched[:fixedLen])
		binary.BigEndian.PutUint32(patched[fixedLen:], crc)
		return patched
	}

	if _, err := decompressBytes(t, patchVersion(container.Version+1), DecompressOptions{}); !errors.Is(err, container.ErrVersionUnsupported) {
		t.Errorf("version+1 should fail the gate, got %v", err)
	}
	if _, err := decompressBytes(t, patchVersion(container.Version-4), DecompressOptions{}); !errors.Is(err, container.ErrVersionUnsupported) {
		t.Errorf("version-4 should fail the gate, got %v", err)
	}

	plain, err := decompressBytes(t, patchVersion(container.Version-3), DecompressOptions{})
	if err != nil {
		t.Fatalf("version-3 should decode: %v", err)
	}
	if !bytes.Equal(plain, data) {
		t.Fatal("version-3 roundtrip mismatch")
	}
}

func TestPipeModeUnknownSize(t *testing.T) {
	data := repetitiveData(3 << 20)
	cfg := testConfig(t, "lz4", 1<<20, 2, -1, nil)

	out, err := os.CreateTemp(t.TempDir(), "arc")
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()
	if err := Compress(cfg, bytes.NewReader(data), out, -1); err != nil {
		t.Fatalf("pipe-mode Compress failed: %v", err)
	}

	archive, err := os.ReadFile(out.Name())
	if err != nil {
		t.Fatal(err)
	}
	plain, err := decompressBytes(t, archive, DecompressOptions{Threads: 2})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, data) {
		t.Fatal("pipe-mode roundtrip mismatch")
	}
}

func TestAllBackendsRoundtrip(t *testing.T) {
	data := repetitiveData(1 << 20)
	for _, algo := range []string{"lzfx", "lz4", "zlib", "lzma", "lzmaMt", "bzip2", "ppmd", "libbsc", "adapt", "adapt2", "none"} {
		t.Run(algo, func(t *testing.T) {
			cfg := testConfig(t, algo, 256*1024, 2, int64(len(data)), nil)
			archive := compressBytes(t, cfg, data)

			plain, err := decompressBytes(t, archive, DecompressOptions{Threads: 2})
			if err != nil {
				t.Fatalf("%s: %v", algo, err)
			}
			if !bytes.Equal(plain, data) {
				t.Fatalf("%s roundtrip mismatch", algo)
			}
		})
	}
}

func TestChecksumKinds(t *testing.T) {
	data := repetitiveData(256 * 1024)
	for _, name := range []string{"CRC64", "XXH64", "SHA256", "SHA512", "BLAKE3", "BLAKE3-512"} {
		t.Run(name, func(t *testing.T) {
			kind, err := checksum.Parse(name)
			if err != nil {
				t.Fatal(err)
			}
			cfg := testConfig(t, "lz4", 128*1024, 2, int64(len(data)), func(cfg *Config) {
				cfg.ChecksumKind = kind
			})
			archive := compressBytes(t, cfg, data)
			plain, err := decompressBytes(t, archive, DecompressOptions{Threads: 2})
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(plain, data) {
				t.Fatal("roundtrip mismatch")
			}
		})
	}
}

// blockRepetitiveData builds data from a large repeating unit so that
// content-defined blocks repeat exactly across the stream.
func blockRepetitiveData(size int) []byte {
	unit := make([]byte, 16*1024)
	for i := range unit {
		unit[i] = byte((i*7 + i/251) % 256)
	}
	buf := make([]byte, 0, size+len(unit))
	for len(buf) < size {
		buf = append(buf, unit...)
	}
	return buf[:size]
}
