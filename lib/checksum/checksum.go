// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

// Package checksum provides the chunk digest kinds that can be recorded
// in an archive, their wire properties, and the MAC construction used
// for authentication.
//
// Every kind has two wire properties: the digest size stored per chunk
// in plain mode, and the MAC size used when the archive is
// authenticated (HMAC in encrypted archives, CRC32 otherwise — the
// CRC32 case is handled by the container layer and is always 4 bytes).
package checksum

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"hash/crc64"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

// Kind identifies a chunk digest algorithm. The numeric values are
// protocol constants stored in the file header flags — changing them
// breaks decoding of existing archives.
type Kind int

const (
	// KindCRC64 is CRC-64/ECMA. Fast, non-cryptographic, 8 bytes.
	KindCRC64 Kind = 1

	// KindXXH64 is XXH64. Fastest option, non-cryptographic, 8 bytes.
	KindXXH64 Kind = 2

	// KindSHA256 is SHA-256, 32 bytes.
	KindSHA256 Kind = 3

	// KindSHA512 is SHA-512, 64 bytes.
	KindSHA512 Kind = 4

	// KindBLAKE3 is BLAKE3 with the default 32-byte output. This is
	// the default archive digest.
	KindBLAKE3 Kind = 5

	// KindBLAKE3x512 is BLAKE3 with extended 64-byte output.
	KindBLAKE3x512 Kind = 6
)

// Default is the digest kind used when none is requested.
const Default = KindBLAKE3

// MaxBytes is the largest digest any kind produces. Buffers sized for
// chunk headers reserve this much for the digest slot.
const MaxBytes = 64

// Props holds the wire properties of a digest kind.
type Props struct {
	// Name is the CLI spelling of the kind.
	Name string

	// SumBytes is the digest size stored per chunk.
	SumBytes int

	// MacBytes is the HMAC output size used when the archive is
	// encrypted. Kinds with digests shorter than 32 bytes still get a
	// 32-byte HMAC-SHA256: a short non-cryptographic digest must not
	// weaken authentication.
	MacBytes int
}

var propsByKind = map[Kind]Props{
	KindCRC64:      {Name: "CRC64", SumBytes: 8, MacBytes: 32},
	KindXXH64:      {Name: "XXH64", SumBytes: 8, MacBytes: 32},
	KindSHA256:     {Name: "SHA256", SumBytes: 32, MacBytes: 32},
	KindSHA512:     {Name: "SHA512", SumBytes: 64, MacBytes: 64},
	KindBLAKE3:     {Name: "BLAKE3", SumBytes: 32, MacBytes: 32},
	KindBLAKE3x512: {Name: "BLAKE3-512", SumBytes: 64, MacBytes: 64},
}

// Lookup returns the properties of a kind, or an error for a value that
// does not name a known kind (a corrupt or hostile header).
func Lookup(kind Kind) (Props, error) {
	props, ok := propsByKind[kind]
	if !ok {
		return Props{}, fmt.Errorf("unknown checksum kind code %d", kind)
	}
	return props, nil
}

// Parse resolves a CLI name to a digest kind.
func Parse(name string) (Kind, error) {
	for kind, props := range propsByKind {
		if props.Name == name {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown checksum type %q", name)
}

// List writes the known digest kinds to w, one per line, each prefixed
// with indent. Used by the CLI usage text.
func List(w io.Writer, indent string) {
	for _, kind := range []Kind{KindCRC64, KindXXH64, KindSHA256, KindSHA512, KindBLAKE3, KindBLAKE3x512} {
		props := propsByKind[kind]
		suffix := ""
		if kind == Default {
			suffix = " (default)"
		}
		fmt.Fprintf(w, "%s%-10s - %d byte digest%s\n", indent, props.Name, props.SumBytes, suffix)
	}
}

// crc64Table is shared by all CRC64 computations.
var crc64Table = crc64.MakeTable(crc64.ECMA)

// treeSegments is the fan-out of the tree digest used for single-chunk
// archives. A protocol constant: both sides must split identically.
const treeSegments = 4

// treeMinimum is the smallest input worth splitting. Below this the
// tree digest degenerates to the plain digest on both sides.
const treeMinimum = 4 * 1024 * 1024

// Compute returns the digest of data under the given kind. When tree is
// true and the input is large enough, the digest is computed as a
// four-way tree: the input is split into equal segments, each segment
// is digested in its own goroutine, and the final digest is taken over
// the concatenated segment digests. Tree mode is used for single-chunk
// archives where there is no pipeline parallelism to exploit.
func Compute(kind Kind, data []byte, tree bool) ([]byte, error) {
	if _, err := Lookup(kind); err != nil {
		return nil, err
	}

	if !tree || len(data) < treeMinimum {
		return digest(kind, data), nil
	}

	segmentSize := (len(data) + treeSegments - 1) / treeSegments
	leaves := make([][]byte, treeSegments)

	var group sync.WaitGroup
	for i := 0; i < treeSegments; i++ {
		start := i * segmentSize
		end := start + segmentSize
		if end > len(data) {
			end = len(data)
		}
		group.Add(1)
		go func(slot int, segment []byte) {
			defer group.Done()
			leaves[slot] = digest(kind, segment)
		}(i, data[start:end])
	}
	group.Wait()

	combined := make([]byte, 0, treeSegments*MaxBytes)
	for _, leaf := range leaves {
		combined = append(combined, leaf...)
	}
	return digest(kind, combined), nil
}

// digest computes the plain digest of data.
func digest(kind Kind, data []byte) []byte {
	switch kind {
	case KindCRC64:
		sum := crc64.Checksum(data, crc64Table)
		return []byte{
			byte(sum >> 56), byte(sum >> 48), byte(sum >> 40), byte(sum >> 32),
			byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum),
		}
	case KindXXH64:
		sum := xxhash.Sum64(data)
		return []byte{
			byte(sum >> 56), byte(sum >> 48), byte(sum >> 40), byte(sum >> 32),
			byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum),
		}
	case KindSHA256:
		sum := sha256.Sum256(data)
		return sum[:]
	case KindSHA512:
		sum := sha512.Sum512(data)
		return sum[:]
	case KindBLAKE3:
		sum := blake3.Sum256(data)
		return sum[:]
	case KindBLAKE3x512:
		sum := blake3.Sum512(data)
		return sum[:]
	default:
		panic(fmt.Sprintf("checksum: digest called with unknown kind %d", kind))
	}
}

// NewMAC returns the HMAC used to authenticate headers and chunks in
// encrypted archives. The hash family follows the digest width of the
// configured kind: 64-byte kinds use HMAC-SHA512, everything else
// HMAC-SHA256. The key is the session key derived from the password.
func NewMAC(kind Kind, key []byte) (hash.Hash, error) {
	props, err := Lookup(kind)
	if err != nil {
		return nil, err
	}
	if props.MacBytes == 64 {
		return hmac.New(sha512.New, key), nil
	}
	return hmac.New(sha256.New, key), nil
}

// MACEqual compares two MAC values in constant time.
func MACEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
