// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"fmt"
)

// adaptiveCodec tries every configured sub-codec on each chunk and
// keeps the smallest result. The winning sub-codec id is returned to
// the pipeline, which stores it in bits 6-4 of the chunk flag byte;
// decompression dispatches on those bits alone.
type adaptiveCodec struct {
	subs map[SubAlgo]Codec

	// order fixes the trial sequence so ties resolve deterministically
	// (first winner is kept).
	order []SubAlgo

	// chosen counts per-sub-codec wins for the -C statistics.
	chosen map[SubAlgo]int
}

func newAdapt(config Config) (Codec, error) {
	return newAdaptive(config, []SubAlgo{SubBzip2, SubPPMd})
}

func newAdapt2(config Config) (Codec, error) {
	return newAdaptive(config, []SubAlgo{SubBzip2, SubPPMd, SubLzma})
}

func newAdaptive(config Config, order []SubAlgo) (Codec, error) {
	subs := make(map[SubAlgo]Codec, len(order))
	for _, id := range order {
		var sub Codec
		var err error
		switch id {
		case SubBzip2:
			sub, err = newBzip2(config)
		case SubLzma:
			sub, err = newLzma(config)
		case SubPPMd:
			sub, err = newPPMd(config)
		default:
			err = fmt.Errorf("adaptive: unknown sub-codec id %d", id)
		}
		if err != nil {
			return nil, err
		}
		subs[id] = sub
	}
	return &adaptiveCodec{subs: subs, order: order, chosen: make(map[SubAlgo]int)}, nil
}

func adaptProps(level int, chunkSize int64) Props {
	return Props{BufExtra: chunkSize/100 + 1024, NThreads: 1, Delta2Span: 8}
}

func adapt2Props(level int, chunkSize int64) Props {
	return Props{BufExtra: chunkSize/100 + 1024, NThreads: 1, Delta2Span: 8}
}

func (c *adaptiveCodec) Compress(src, dst []byte) (int, SubAlgo, error) {
	best := -1
	bestAlgo := SubNone
	scratch := make([]byte, len(dst))

	for _, id := range c.order {
		n, _, err := c.subs[id].Compress(src, scratch)
		if err != nil {
			// An incompressible or failed trial just loses; another
			// sub-codec may still win.
			continue
		}
		if best == -1 || n < best {
			best = n
			bestAlgo = id
			copy(dst[:n], scratch[:n])
		}
	}

	if best == -1 {
		return 0, SubNone, ErrIncompressible
	}
	c.chosen[bestAlgo]++
	return best, bestAlgo, nil
}

func (c *adaptiveCodec) Decompress(src, dst []byte, subAlgo SubAlgo) (int, error) {
	sub, ok := c.subs[subAlgo]
	if !ok {
		return 0, fmt.Errorf("adaptive: chunk names unknown sub-codec id %d", subAlgo)
	}
	return sub.Decompress(src, dst, SubNone)
}

// Stats reports per-sub-codec selection counts.
func (c *adaptiveCodec) Stats() string {
	names := map[SubAlgo]string{SubBzip2: "bzip2", SubLzma: "lzma", SubPPMd: "ppmd"}
	result := ""
	for _, id := range c.order {
		result += fmt.Sprintf("%s: %d chunks  ", names[id], c.chosen[id])
	}
	return result
}
