// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"bytes"
	"testing"

	"github.com/sehe/pcompress/lib/checksum"
	"github.com/sehe/pcompress/lib/secret"
)

func testPassword(t *testing.T) *secret.Buffer {
	t.Helper()
	password, err := secret.NewFromBytes([]byte("correct horse battery staple"))
	if err != nil {
		t.Fatalf("creating password buffer: %v", err)
	}
	return password
}

func TestParseAlgorithm(t *testing.T) {
	if alg, err := ParseAlgorithm("AES"); err != nil || alg != AlgAES {
		t.Errorf("ParseAlgorithm(AES) = %v, %v", alg, err)
	}
	if alg, err := ParseAlgorithm("SALSA20"); err != nil || alg != AlgSalsa20 {
		t.Errorf("ParseAlgorithm(SALSA20) = %v, %v", alg, err)
	}
	if _, err := ParseAlgorithm("DES"); err == nil {
		t.Error("ParseAlgorithm(DES) should fail")
	}
}

func TestNonceLen(t *testing.T) {
	if n, _ := NonceLen(AlgAES); n != 8 {
		t.Errorf("AES nonce length = %d, want 8", n)
	}
	if n, _ := NonceLen(AlgSalsa20); n != 24 {
		t.Errorf("XSalsa20 nonce length = %d, want 24", n)
	}
	if _, err := NonceLen(Algorithm(9)); err == nil {
		t.Error("NonceLen(9) should fail")
	}
}

func TestApplyRoundtrip(t *testing.T) {
	for _, alg := range []Algorithm{AlgAES, AlgSalsa20} {
		t.Run(alg.String(), func(t *testing.T) {
			password := testPassword(t)
			defer password.Close()

			context, err := NewForEncrypt(alg, password, 32, checksum.KindBLAKE3)
			if err != nil {
				t.Fatalf("NewForEncrypt failed: %v", err)
			}
			defer context.Close()

			original := bytes.Repeat([]byte("stream cipher roundtrip "), 100)
			buf := append([]byte(nil), original...)

			if err := context.Apply(buf, 7); err != nil {
				t.Fatalf("encrypt failed: %v", err)
			}
			if bytes.Equal(buf, original) {
				t.Fatal("encryption left the buffer unchanged")
			}
			if len(buf) != len(original) {
				t.Fatalf("encryption changed the length: %d != %d", len(buf), len(original))
			}

			if err := context.Apply(buf, 7); err != nil {
				t.Fatalf("decrypt failed: %v", err)
			}
			if !bytes.Equal(buf, original) {
				t.Fatal("decrypt did not restore the plaintext")
			}
		})
	}
}

func TestApplyChunkIDDiversifies(t *testing.T) {
	password := testPassword(t)
	defer password.Close()

	context, err := NewForEncrypt(AlgAES, password, 32, checksum.KindBLAKE3)
	if err != nil {
		t.Fatalf("NewForEncrypt failed: %v", err)
	}
	defer context.Close()

	plain := bytes.Repeat([]byte{0x55}, 4096)
	first := append([]byte(nil), plain...)
	second := append([]byte(nil), plain...)
	context.Apply(first, 0)
	context.Apply(second, 1)

	if bytes.Equal(first, second) {
		t.Error("identical chunks under different ids produced identical ciphertext")
	}
}

func TestDecryptContextMatchesEncrypt(t *testing.T) {
	password := testPassword(t)
	defer password.Close()

	encrypt, err := NewForEncrypt(AlgSalsa20, password, 32, checksum.KindSHA256)
	if err != nil {
		t.Fatalf("NewForEncrypt failed: %v", err)
	}
	defer encrypt.Close()

	plain := []byte("the two contexts must derive identical keystreams")
	buf := append([]byte(nil), plain...)
	encrypt.Apply(buf, 3)

	password2, err := secret.NewFromBytes([]byte("correct horse battery staple"))
	if err != nil {
		t.Fatal(err)
	}
	defer password2.Close()

	decrypt, err := NewForDecrypt(AlgSalsa20, password2, 32, encrypt.Salt(), encrypt.Nonce(), checksum.KindSHA256)
	if err != nil {
		t.Fatalf("NewForDecrypt failed: %v", err)
	}
	defer decrypt.Close()

	decrypt.Apply(buf, 3)
	if !bytes.Equal(buf, plain) {
		t.Error("decrypt context did not reverse the encrypt context")
	}
}

func TestWrongPasswordDiverges(t *testing.T) {
	password := testPassword(t)
	defer password.Close()

	encrypt, err := NewForEncrypt(AlgAES, password, 32, checksum.KindBLAKE3)
	if err != nil {
		t.Fatal(err)
	}
	defer encrypt.Close()

	wrong, err := secret.NewFromBytes([]byte("not the password"))
	if err != nil {
		t.Fatal(err)
	}
	defer wrong.Close()

	decrypt, err := NewForDecrypt(AlgAES, wrong, 32, encrypt.Salt(), encrypt.Nonce(), checksum.KindBLAKE3)
	if err != nil {
		t.Fatal(err)
	}
	defer decrypt.Close()

	// The MACs keyed from the two derivations must disagree — that is
	// what turns a wrong password into an authentication failure.
	rightMAC, err := encrypt.NewMAC()
	if err != nil {
		t.Fatal(err)
	}
	wrongMAC, err := decrypt.NewMAC()
	if err != nil {
		t.Fatal(err)
	}
	message := []byte("header bytes")
	rightMAC.Write(message)
	wrongMAC.Write(message)
	if bytes.Equal(rightMAC.Sum(nil), wrongMAC.Sum(nil)) {
		t.Error("wrong password derived the same MAC key")
	}
}

func TestKeyLenValidation(t *testing.T) {
	password := testPassword(t)
	defer password.Close()

	if _, err := NewForEncrypt(AlgAES, password, 24, checksum.KindBLAKE3); err == nil {
		t.Error("key length 24 should be rejected")
	}
}
