// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func compressibleData(size int) []byte {
	unit := []byte("pcompress backend roundtrip material, mildly repetitive. ")
	buf := make([]byte, 0, size+len(unit))
	for len(buf) < size {
		buf = append(buf, unit...)
	}
	return buf[:size]
}

func TestResolveNames(t *testing.T) {
	for _, name := range []string{"lzfx", "lz4", "zlib", "lzma", "lzmaMt", "bzip2", "ppmd", "libbsc", "adapt", "adapt2", "none"} {
		t.Run(name, func(t *testing.T) {
			entry, err := Resolve(name)
			if err != nil {
				t.Fatalf("Resolve(%q) failed: %v", name, err)
			}
			if entry.Name != name {
				t.Errorf("Resolve(%q) = %q", name, entry.Name)
			}
		})
	}
}

func TestResolvePrefixOrdering(t *testing.T) {
	// Zero-padded header tags resolve by prefix; the longer names
	// sharing a prefix must win.
	entry, err := Resolve("lzmaMt\x00\x00")
	if err != nil || entry.Name != "lzmaMt" {
		t.Errorf("lzmaMt tag resolved to %q (%v)", entry.Name, err)
	}
	entry, err = Resolve("adapt2\x00\x00")
	if err != nil || entry.Name != "adapt2" {
		t.Errorf("adapt2 tag resolved to %q (%v)", entry.Name, err)
	}
	entry, err = Resolve("lzma\x00\x00\x00\x00")
	if err != nil || entry.Name != "lzma" {
		t.Errorf("lzma tag resolved to %q (%v)", entry.Name, err)
	}
}

func TestResolveUnknown(t *testing.T) {
	if _, err := Resolve("snappy"); err == nil {
		t.Error("Resolve(snappy) should fail")
	}
}

func newTestCodec(t *testing.T, name string, direction Direction) (Entry, Codec) {
	t.Helper()
	entry, err := Resolve(name)
	if err != nil {
		t.Fatal(err)
	}
	instance, err := entry.New(Config{
		Level:     6,
		ChunkSize: 1 << 20,
		NThreads:  1,
		Direction: direction,
	})
	if err != nil {
		t.Fatalf("creating %s codec: %v", name, err)
	}
	return entry, instance
}

func TestBackendRoundtrip(t *testing.T) {
	names := []string{"lzfx", "lz4", "zlib", "lzma", "lzmaMt", "bzip2", "ppmd", "libbsc"}
	data := compressibleData(256 * 1024)

	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			_, compressor := newTestCodec(t, name, Compress)
			dst := make([]byte, len(data)+len(data)/2+4096)

			written, sub, err := compressor.Compress(data, dst)
			if err != nil {
				t.Fatalf("%s compress failed: %v", name, err)
			}
			if written >= len(data) {
				t.Fatalf("%s did not compress: %d -> %d", name, len(data), written)
			}
			if sub != SubNone {
				t.Errorf("%s reported sub-codec %d", name, sub)
			}

			_, decompressor := newTestCodec(t, name, Decompress)
			out := make([]byte, len(data))
			n, err := decompressor.Decompress(dst[:written], out, SubNone)
			if err != nil {
				t.Fatalf("%s decompress failed: %v", name, err)
			}
			if n != len(data) || !bytes.Equal(out[:n], data) {
				t.Fatalf("%s roundtrip mismatch (%d bytes)", name, n)
			}
		})
	}
}

func TestBackendsRejectIncompressible(t *testing.T) {
	data := make([]byte, 128*1024)
	rand.Read(data)

	for _, name := range []string{"lzfx", "lz4", "zlib", "bzip2", "ppmd"} {
		t.Run(name, func(t *testing.T) {
			_, compressor := newTestCodec(t, name, Compress)
			dst := make([]byte, len(data))

			_, _, err := compressor.Compress(data, dst)
			if err == nil {
				t.Fatalf("%s should not shrink random data into an equal-size buffer", name)
			}
		})
	}
}

func TestNoneCodec(t *testing.T) {
	_, compressor := newTestCodec(t, "none", Compress)
	data := compressibleData(4096)

	if _, _, err := compressor.Compress(data, make([]byte, 8192)); !IsIncompressible(err) {
		t.Errorf("none backend should always report incompressible, got %v", err)
	}

	_, decompressor := newTestCodec(t, "none", Decompress)
	out := make([]byte, len(data))
	n, err := decompressor.Decompress(data, out, SubNone)
	if err != nil || n != len(data) || !bytes.Equal(out, data) {
		t.Errorf("none decompress mangled the data: n=%d err=%v", n, err)
	}
}

func TestAdaptiveRoundtrip(t *testing.T) {
	for _, name := range []string{"adapt", "adapt2"} {
		t.Run(name, func(t *testing.T) {
			entry, compressor := newTestCodec(t, name, Compress)
			if !entry.Adaptive {
				t.Fatalf("%s should be adaptive", name)
			}

			data := compressibleData(256 * 1024)
			dst := make([]byte, len(data)+4096)
			written, sub, err := compressor.Compress(data, dst)
			if err != nil {
				t.Fatalf("%s compress failed: %v", name, err)
			}
			if sub == SubNone {
				t.Fatalf("%s did not report its sub-codec", name)
			}

			_, decompressor := newTestCodec(t, name, Decompress)
			out := make([]byte, len(data))
			n, err := decompressor.Decompress(dst[:written], out, sub)
			if err != nil {
				t.Fatalf("%s decompress failed: %v", name, err)
			}
			if !bytes.Equal(out[:n], data) {
				t.Fatalf("%s roundtrip mismatch", name)
			}

			if reporter, ok := compressor.(StatsReporter); !ok || reporter.Stats() == "" {
				t.Errorf("%s should report selection statistics", name)
			}
		})
	}
}

func TestAdaptiveRejectsUnknownSub(t *testing.T) {
	_, decompressor := newTestCodec(t, "adapt", Decompress)
	if _, err := decompressor.Decompress([]byte{1, 2, 3}, make([]byte, 16), SubAlgo(7)); err == nil {
		t.Error("unknown sub-codec id should fail")
	}
}

func TestIndexCodecRoundtrip(t *testing.T) {
	// A dedupe-index-like byte pattern: small integers with clustered
	// high bytes.
	index := make([]byte, 4096)
	for i := 0; i < len(index); i += 8 {
		index[i+3] = byte(i / 8 % 200)
		index[i+7] = byte(i / 16 % 100)
	}

	dst := make([]byte, len(index))
	written, err := CompressIndex(index, dst)
	if err != nil {
		t.Fatalf("CompressIndex failed: %v", err)
	}
	if written >= len(index) {
		t.Fatalf("index did not compress: %d -> %d", len(index), written)
	}

	out := make([]byte, len(index))
	n, err := DecompressIndex(dst[:written], out)
	if err != nil {
		t.Fatalf("DecompressIndex failed: %v", err)
	}
	if n != len(index) || !bytes.Equal(out, index) {
		t.Fatal("index roundtrip mismatch")
	}
}

func TestScaleLevel(t *testing.T) {
	if got := scaleLevel(0, 9); got != 1 {
		t.Errorf("scaleLevel(0, 9) = %d, want 1", got)
	}
	if got := scaleLevel(14, 9); got != 9 {
		t.Errorf("scaleLevel(14, 9) = %d, want 9", got)
	}
	if got := scaleLevel(7, 9); got < 1 || got > 9 {
		t.Errorf("scaleLevel(7, 9) = %d out of range", got)
	}
}

func TestPropsSane(t *testing.T) {
	for _, entry := range registry {
		props := entry.Props(6, 1<<20)
		if props.BufExtra < 0 {
			t.Errorf("%s: negative BufExtra", entry.Name)
		}
		if props.NThreads < 1 {
			t.Errorf("%s: NThreads %d", entry.Name, props.NThreads)
		}
	}
}
