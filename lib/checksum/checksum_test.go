// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

package checksum

import (
	"bytes"
	"testing"
)

func TestLookupProps(t *testing.T) {
	tests := []struct {
		kind Kind
		sum  int
		mac  int
	}{
		{KindCRC64, 8, 32},
		{KindXXH64, 8, 32},
		{KindSHA256, 32, 32},
		{KindSHA512, 64, 64},
		{KindBLAKE3, 32, 32},
		{KindBLAKE3x512, 64, 64},
	}

	for _, tt := range tests {
		props, err := Lookup(tt.kind)
		if err != nil {
			t.Fatalf("Lookup(%d) failed: %v", tt.kind, err)
		}
		if props.SumBytes != tt.sum || props.MacBytes != tt.mac {
			t.Errorf("Lookup(%s): sum=%d mac=%d, want %d/%d",
				props.Name, props.SumBytes, props.MacBytes, tt.sum, tt.mac)
		}
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, err := Lookup(Kind(42)); err == nil {
		t.Error("Lookup(42) should fail")
	}
}

func TestParseRoundtrip(t *testing.T) {
	for _, name := range []string{"CRC64", "XXH64", "SHA256", "SHA512", "BLAKE3", "BLAKE3-512"} {
		t.Run(name, func(t *testing.T) {
			kind, err := Parse(name)
			if err != nil {
				t.Fatalf("Parse(%q) failed: %v", name, err)
			}
			props, err := Lookup(kind)
			if err != nil {
				t.Fatalf("Lookup after Parse failed: %v", err)
			}
			if props.Name != name {
				t.Errorf("roundtrip: %q became %q", name, props.Name)
			}
		})
	}

	if _, err := Parse("MD5"); err == nil {
		t.Error("Parse(\"MD5\") should fail")
	}
}

func TestComputeLengths(t *testing.T) {
	data := []byte("pcompress checksum input")
	for kind, props := range propsByKind {
		sum, err := Compute(kind, data, false)
		if err != nil {
			t.Fatalf("Compute(%s) failed: %v", props.Name, err)
		}
		if len(sum) != props.SumBytes {
			t.Errorf("Compute(%s) produced %d bytes, want %d", props.Name, len(sum), props.SumBytes)
		}
	}
}

func TestComputeDeterministic(t *testing.T) {
	data := bytes.Repeat([]byte("determinism "), 1000)
	for kind := range propsByKind {
		first, _ := Compute(kind, data, false)
		second, _ := Compute(kind, data, false)
		if !bytes.Equal(first, second) {
			t.Errorf("kind %d: repeated digests differ", kind)
		}
	}
}

func TestTreeModeSmallInputMatchesPlain(t *testing.T) {
	// Below the tree threshold, tree mode degenerates to the plain
	// digest; both sides of an archive rely on this.
	data := bytes.Repeat([]byte{0xAB}, 64*1024)
	plain, _ := Compute(KindBLAKE3, data, false)
	tree, _ := Compute(KindBLAKE3, data, true)
	if !bytes.Equal(plain, tree) {
		t.Error("tree digest of a small input should equal the plain digest")
	}
}

func TestTreeModeLargeInput(t *testing.T) {
	data := make([]byte, treeMinimum+12345)
	for i := range data {
		data[i] = byte(i * 31)
	}

	tree1, err := Compute(KindSHA256, data, true)
	if err != nil {
		t.Fatalf("tree Compute failed: %v", err)
	}
	tree2, _ := Compute(KindSHA256, data, true)
	if !bytes.Equal(tree1, tree2) {
		t.Error("tree digest is not deterministic")
	}

	plain, _ := Compute(KindSHA256, data, false)
	if bytes.Equal(tree1, plain) {
		t.Error("tree digest of a large input should differ from the plain digest")
	}
}

func TestNewMAC(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")

	for kind, props := range propsByKind {
		mac, err := NewMAC(kind, key)
		if err != nil {
			t.Fatalf("NewMAC(%s) failed: %v", props.Name, err)
		}
		mac.Write([]byte("payload"))
		sum := mac.Sum(nil)
		if len(sum) != props.MacBytes {
			t.Errorf("NewMAC(%s) produced %d bytes, want %d", props.Name, len(sum), props.MacBytes)
		}
	}
}

func BenchmarkComputeBLAKE3(b *testing.B) {
	data := make([]byte, 1<<20)
	for i := range data {
		data[i] = byte(i)
	}

	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		Compute(KindBLAKE3, data, false)
	}
}

func BenchmarkComputeXXH64(b *testing.B) {
	data := make([]byte, 1<<20)
	for i := range data {
		data[i] = byte(i)
	}

	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		Compute(KindXXH64, data, false)
	}
}

func TestMACEqual(t *testing.T) {
	a := []byte{1, 2, 3}
	b := []byte{1, 2, 3}
	c := []byte{1, 2, 4}
	if !MACEqual(a, b) {
		t.Error("equal MACs reported unequal")
	}
	if MACEqual(a, c) {
		t.Error("unequal MACs reported equal")
	}
}
