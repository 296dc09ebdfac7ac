// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

// Package crypto implements chunk encryption for pcompress archives.
//
// Both supported ciphers run in stream mode and are therefore
// length-preserving and in-place capable, which the pipeline depends
// on: encryption must never change a chunk's compressed length.
//
// Key material is derived from the user's password with scrypt over a
// random per-archive salt. A single scrypt invocation produces both the
// cipher key and the MAC key; the two never overlap. Plain key bytes
// are scrubbed as soon as the cipher schedule is built (AES) or on
// Close (XSalsa20, which needs the raw key per call).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/salsa20"
	"golang.org/x/crypto/scrypt"

	"github.com/sehe/pcompress/lib/checksum"
	"github.com/sehe/pcompress/lib/secret"
)

// Algorithm identifies a chunk cipher. The numeric values are protocol
// constants stored in the low bits of the file header flags.
type Algorithm int

const (
	// AlgAES is AES in CTR mode. The per-chunk IV is the 8-byte
	// archive nonce followed by the big-endian chunk id.
	AlgAES Algorithm = 1

	// AlgSalsa20 is XSalsa20. The per-chunk nonce is the 24-byte
	// archive nonce with its final 8 bytes XORed with the chunk id.
	AlgSalsa20 Algorithm = 2
)

// SaltLen is the per-archive salt size generated at encryption time.
// Decoding accepts whatever length the header declares (bounded by
// MaxSaltLen) so the window of readable archive versions stays open.
const SaltLen = 32

// MaxSaltLen bounds the salt length accepted from an untrusted header.
const MaxSaltLen = 256

// Scrypt cost parameters. Protocol constants: changing them makes
// existing encrypted archives unreadable.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// String returns the CLI spelling of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case AlgAES:
		return "AES"
	case AlgSalsa20:
		return "SALSA20"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// ParseAlgorithm resolves the -e argument to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "AES":
		return AlgAES, nil
	case "SALSA20":
		return AlgSalsa20, nil
	default:
		return 0, fmt.Errorf("invalid encryption algorithm %q (must be AES or SALSA20)", name)
	}
}

// NonceLen returns the wire nonce size for the algorithm.
func NonceLen(alg Algorithm) (int, error) {
	switch alg {
	case AlgAES:
		return 8, nil
	case AlgSalsa20:
		return 24, nil
	default:
		return 0, fmt.Errorf("invalid encryption algorithm code %d", int(alg))
	}
}

// Context holds the per-archive cipher state. Read-only after
// construction; safe for concurrent use by all pipeline workers.
type Context struct {
	alg    Algorithm
	keyLen int
	salt   []byte
	nonce  []byte

	// block is the AES key schedule (AlgAES only). Built once at
	// derivation time so the raw key buffer can be scrubbed early.
	block cipher.Block

	// salsaKey is the raw XSalsa20 key (AlgSalsa20 only). XSalsa20 is
	// defined for 256-bit keys, so this is always 32 bytes regardless
	// of the requested key length (which applies to AES only).
	salsaKey *secret.Buffer

	// macKey keys the HMAC over headers and chunks.
	macKey  *secret.Buffer
	macKind checksum.Kind
}

// NewForEncrypt creates a context with a fresh random salt and nonce.
// The password buffer is borrowed, not closed.
func NewForEncrypt(alg Algorithm, password *secret.Buffer, keyLen int, macKind checksum.Kind) (*Context, error) {
	nonceLen, err := NonceLen(alg)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return derive(alg, password, keyLen, salt, nonce, macKind)
}

// NewForDecrypt creates a context from the salt and nonce read out of
// an archive header. The password buffer is borrowed, not closed.
func NewForDecrypt(alg Algorithm, password *secret.Buffer, keyLen int, salt, nonce []byte, macKind checksum.Kind) (*Context, error) {
	nonceLen, err := NonceLen(alg)
	if err != nil {
		return nil, err
	}
	if len(nonce) != nonceLen {
		return nil, fmt.Errorf("nonce is %d bytes, want %d for %s", len(nonce), nonceLen, alg)
	}
	if len(salt) == 0 || len(salt) > MaxSaltLen {
		return nil, fmt.Errorf("salt length %d out of range [1, %d]", len(salt), MaxSaltLen)
	}
	return derive(alg, password, keyLen, salt, nonce, macKind)
}

func derive(alg Algorithm, password *secret.Buffer, keyLen int, salt, nonce []byte, macKind checksum.Kind) (*Context, error) {
	if keyLen != 16 && keyLen != 32 {
		return nil, fmt.Errorf("key length must be 16 or 32 bytes, got %d", keyLen)
	}
	macProps, err := checksum.Lookup(macKind)
	if err != nil {
		return nil, err
	}

	cipherKeyLen := keyLen
	if alg == AlgSalsa20 {
		cipherKeyLen = 32
	}

	derived, err := scrypt.Key(password.Bytes(), salt, scryptN, scryptR, scryptP, cipherKeyLen+macProps.MacBytes)
	if err != nil {
		return nil, fmt.Errorf("deriving keys: %w", err)
	}

	context := &Context{
		alg:     alg,
		keyLen:  keyLen,
		salt:    append([]byte(nil), salt...),
		nonce:   append([]byte(nil), nonce...),
		macKind: macKind,
	}

	macKey, err := secret.NewFromBytes(derived[cipherKeyLen:])
	if err != nil {
		secret.Zero(derived)
		return nil, err
	}
	context.macKey = macKey

	switch alg {
	case AlgAES:
		block, err := aes.NewCipher(derived[:cipherKeyLen])
		if err != nil {
			secret.Zero(derived)
			macKey.Close()
			return nil, fmt.Errorf("building AES schedule: %w", err)
		}
		context.block = block
		// The schedule is built: scrub the plain key bytes now.
		secret.Zero(derived)

	case AlgSalsa20:
		salsaKey, err := secret.NewFromBytes(derived[:cipherKeyLen])
		if err != nil {
			secret.Zero(derived)
			macKey.Close()
			return nil, err
		}
		context.salsaKey = salsaKey
		secret.Zero(derived)
	}

	return context, nil
}

// Alg returns the context's cipher algorithm.
func (c *Context) Alg() Algorithm { return c.alg }

// Salt returns the per-archive salt for header serialization.
func (c *Context) Salt() []byte { return c.salt }

// Nonce returns the per-archive base nonce for header serialization.
func (c *Context) Nonce() []byte { return c.nonce }

// KeyLen returns the requested key length for header serialization.
func (c *Context) KeyLen() int { return c.keyLen }

// Apply encrypts or decrypts buf in place. Stream ciphers make the two
// directions the same operation. The chunk id diversifies the stream so
// no two chunks ever share a keystream position.
func (c *Context) Apply(buf []byte, chunkID uint64) error {
	switch c.alg {
	case AlgAES:
		var iv [aes.BlockSize]byte
		copy(iv[:8], c.nonce)
		binary.BigEndian.PutUint64(iv[8:], chunkID)
		cipher.NewCTR(c.block, iv[:]).XORKeyStream(buf, buf)
		return nil

	case AlgSalsa20:
		var chunkNonce [24]byte
		copy(chunkNonce[:], c.nonce)
		tail := binary.BigEndian.Uint64(chunkNonce[16:])
		binary.BigEndian.PutUint64(chunkNonce[16:], tail^chunkID)

		var key [32]byte
		copy(key[:], c.salsaKey.Bytes())
		salsa20.XORKeyStream(buf, buf, chunkNonce[:], &key)
		secret.Zero(key[:])
		return nil

	default:
		return fmt.Errorf("invalid encryption algorithm code %d", int(c.alg))
	}
}

// NewMAC returns a fresh HMAC keyed with the archive's MAC key. Each
// worker holds its own instance; hash.Hash is not safe for concurrent
// use.
func (c *Context) NewMAC() (hash.Hash, error) {
	return checksum.NewMAC(c.macKind, c.macKey.Bytes())
}

// Close scrubs all remaining key material. The context must not be
// used afterwards.
func (c *Context) Close() error {
	var firstError error
	if c.salsaKey != nil {
		if err := c.salsaKey.Close(); err != nil && firstError == nil {
			firstError = err
		}
	}
	if c.macKey != nil {
		if err := c.macKey.Close(); err != nil && firstError == nil {
			firstError = err
		}
	}
	return firstError
}
