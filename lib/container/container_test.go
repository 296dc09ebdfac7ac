// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sehe/pcompress/lib/checksum"
	"github.com/sehe/pcompress/lib/codec"
	"github.com/sehe/pcompress/lib/crypto"
	"github.com/sehe/pcompress/lib/secret"
)

func plainHeader() *FileHeader {
	return &FileHeader{
		Algo:         "lz4",
		Version:      Version,
		ChecksumKind: checksum.KindBLAKE3,
		ChunkSize:    1 << 20,
		Level:        6,
	}
}

func TestHeaderRoundtripPlain(t *testing.T) {
	header := plainHeader()
	header.Dedup = true
	header.SingleChunk = true

	var buf bytes.Buffer
	if err := WriteHeader(&buf, header, nil); err != nil {
		t.Fatalf("WriteHeader failed: %v", err)
	}

	decoded, auth, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader failed: %v", err)
	}
	if decoded.Algo != "lz4" || decoded.Version != Version ||
		decoded.ChecksumKind != checksum.KindBLAKE3 ||
		decoded.ChunkSize != 1<<20 || decoded.Level != 6 ||
		!decoded.Dedup || decoded.DedupFixed || !decoded.SingleChunk ||
		decoded.Encrypted() {
		t.Errorf("header fields mangled: %+v", decoded)
	}
	if len(auth.Mac) != 0 {
		t.Error("plain header should carry no deferred MAC")
	}
}

func TestHeaderCRCFlipFails(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHeader(&buf, plainHeader(), nil); err != nil {
		t.Fatal(err)
	}

	raw := buf.Bytes()
	for _, position := range []int{0, AlgoSize + 1, AlgoSize + 3, len(raw) - 1} {
		corrupt := append([]byte(nil), raw...)
		corrupt[position] ^= 0x01
		_, _, err := ReadHeader(bytes.NewReader(corrupt))
		if err == nil {
			t.Errorf("bit flip at %d went unnoticed", position)
		}
	}
}

func TestVersionGate(t *testing.T) {
	tests := []struct {
		version uint16
		ok      bool
	}{
		{Version, true},
		{Version - 3, true},
		{Version + 1, false},
		{Version - 4, false},
	}

	for _, tt := range tests {
		header := plainHeader()
		header.Version = tt.version

		var buf bytes.Buffer
		if err := WriteHeader(&buf, header, nil); err != nil {
			t.Fatal(err)
		}

		_, _, err := ReadHeader(&buf)
		if tt.ok && err != nil {
			t.Errorf("version %d should decode: %v", tt.version, err)
		}
		if !tt.ok {
			if err == nil {
				t.Errorf("version %d should be rejected", tt.version)
			} else if !errors.Is(err, ErrVersionUnsupported) {
				t.Errorf("version %d: wrong error kind: %v", tt.version, err)
			}
		}
	}
}

func TestUnknownAlgoTag(t *testing.T) {
	header := plainHeader()
	header.Algo = "nonsense"

	var buf bytes.Buffer
	if err := WriteHeader(&buf, header, nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ReadHeader(&buf); !errors.Is(err, ErrNotPcompress) {
		t.Errorf("unknown algo tag: got %v", err)
	}
}

func cryptoContext(t *testing.T, passphrase string) *crypto.Context {
	t.Helper()
	password, err := secret.NewFromBytes([]byte(passphrase))
	if err != nil {
		t.Fatal(err)
	}
	defer password.Close()

	context, err := crypto.NewForEncrypt(crypto.AlgAES, password, 32, checksum.KindBLAKE3)
	if err != nil {
		t.Fatal(err)
	}
	return context
}

func TestHeaderRoundtripCrypto(t *testing.T) {
	context := cryptoContext(t, "header hmac password")
	defer context.Close()

	header := plainHeader()
	header.CryptoAlg = crypto.AlgAES
	header.Salt = context.Salt()
	header.Nonce = context.Nonce()
	header.KeyLen = 32

	mac, err := context.NewMAC()
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := WriteHeader(&buf, header, mac); err != nil {
		t.Fatal(err)
	}

	decoded, auth, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader failed: %v", err)
	}
	if !decoded.Encrypted() || decoded.CryptoAlg != crypto.AlgAES || decoded.KeyLen != 32 {
		t.Errorf("crypto fields mangled: %+v", decoded)
	}
	if !bytes.Equal(decoded.Salt, context.Salt()) || !bytes.Equal(decoded.Nonce, context.Nonce()) {
		t.Error("salt or nonce mangled")
	}

	// Correct key verifies.
	verify, err := context.NewMAC()
	if err != nil {
		t.Fatal(err)
	}
	if err := auth.VerifyMAC(verify); err != nil {
		t.Errorf("header HMAC should verify: %v", err)
	}

	// A different password must fail verification.
	wrong := cryptoContext(t, "some other password")
	defer wrong.Close()
	wrongMAC, err := wrong.NewMAC()
	if err != nil {
		t.Fatal(err)
	}
	if err := auth.VerifyMAC(wrongMAC); !errors.Is(err, ErrAuthMismatch) {
		t.Errorf("wrong password should fail with ErrAuthMismatch, got %v", err)
	}
}

func TestHeaderCryptoBitFlipFailsMAC(t *testing.T) {
	context := cryptoContext(t, "tamper detection")
	defer context.Close()

	header := plainHeader()
	header.CryptoAlg = crypto.AlgAES
	header.Salt = context.Salt()
	header.Nonce = context.Nonce()
	header.KeyLen = 32

	mac, _ := context.NewMAC()
	var buf bytes.Buffer
	if err := WriteHeader(&buf, header, mac); err != nil {
		t.Fatal(err)
	}

	// Flip a flags bit that keeps the header structurally parseable
	// (the single-chunk flag), then check the HMAC catches it.
	raw := buf.Bytes()
	corrupt := append([]byte(nil), raw...)
	corrupt[AlgoSize+3] ^= FlagSingleChunk

	decoded, auth, err := ReadHeader(bytes.NewReader(corrupt))
	if err != nil {
		t.Fatalf("tampered header should still parse structurally: %v", err)
	}
	if !decoded.SingleChunk {
		t.Fatal("flip did not land where expected")
	}
	verify, _ := context.NewMAC()
	if err := auth.VerifyMAC(verify); !errors.Is(err, ErrAuthMismatch) {
		t.Errorf("tampered header should fail HMAC, got %v", err)
	}
}

func TestChunkFlags(t *testing.T) {
	flags := BuildChunkFlags(true, true, true, true, codec.SubLzma)
	if !ChunkCompressed(flags) {
		t.Error("compressed bit lost")
	}
	if flags&ChunkFlagDedup == 0 || flags&ChunkFlagPreproc == 0 || flags&ChunkFlagChunkSizeMask == 0 {
		t.Errorf("flag bits lost: %08b", flags)
	}
	if ChunkSubAlgo(flags) != codec.SubLzma {
		t.Errorf("sub-codec id mangled: %08b", flags)
	}

	raw := BuildChunkFlags(false, false, false, false, codec.SubNone)
	if ChunkCompressed(raw) || raw != 0 {
		t.Errorf("raw chunk flags should be zero, got %08b", raw)
	}
}

func TestWriteTrailer(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTrailer(&buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), make([]byte, 8)) {
		t.Errorf("trailer should be eight zero bytes, got %x", buf.Bytes())
	}
}
