// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"encoding/binary"
	"fmt"

	"github.com/sehe/pcompress/lib/codec"
	"github.com/sehe/pcompress/lib/container"
	"github.com/sehe/pcompress/lib/preproc"
)

// compressData runs the data-stage transform sequence on src and
// stores the result in dst: optional LZP, optional Delta2, then the
// backend codec. When preprocessing is configured the stored form is
// the preprocess frame:
//
//	[type byte][preprocessed length u64, only when backend-compressed][body]
//
// The type byte records which transforms actually ran; its high bit
// records whether the backend compressed the body. The subtle part of
// the contract: if any preprocess stage succeeded but the backend then
// failed or did not shrink, the chunk still counts as successfully
// transformed — the cleared high bit tells the decoder to skip the
// backend and only reverse the preprocessing.
//
// ok=false means nothing was applied and the caller should store the
// original bytes verbatim.
func compressData(cfg *Config, w *worker, src, dst []byte) (n int, sub codec.SubAlgo, preprocessed, ok bool) {
	if !cfg.LZP && !cfg.Delta2 {
		written, subAlgo, err := w.codec.Compress(src, dst)
		if err != nil || written >= len(src) {
			return 0, codec.SubNone, false, false
		}
		return written, subAlgo, false, true
	}

	var kind byte
	current := src

	if cfg.LZP {
		reduced, err := preproc.LZPCompress(current, cfg.Level)
		if err == nil {
			kind |= container.PreprocLZP
			current = reduced
		} else if !preproc.IsNoGain(err) || !cfg.Delta2 {
			// LZP hard errors, and no-gain with nothing else to try,
			// fall back to the raw chunk.
			return 0, codec.SubNone, false, false
		}
	}

	if cfg.Delta2 && cfg.Props.Delta2Span > 0 {
		encoded, err := preproc.Delta2Encode(current, cfg.Props.Delta2Span)
		if err == nil {
			kind |= container.PreprocDelta2
			current = encoded
		}
	}

	// Frame header: type byte, then the preprocessed length when the
	// backend output follows (the decoder sizes its buffer from it).
	written, subAlgo, err := w.codec.Compress(current, dst[9:])
	if err == nil && written < len(current) {
		dst[0] = kind | container.PreprocCompressed
		binary.BigEndian.PutUint64(dst[1:9], uint64(len(current)))
		return 9 + written, subAlgo, true, true
	}

	if kind == 0 {
		// Neither preprocessing nor the backend achieved anything.
		return 0, codec.SubNone, false, false
	}

	dst[0] = kind
	copy(dst[1:], current)
	return 1 + len(current), codec.SubNone, true, true
}

// decompressData reverses compressData: backend first (when the type
// byte or chunk flags say it ran), then Delta2, then LZP, strictly the
// reverse application order. maxSize is the expected output length;
// src carries the preprocess frame only when preprocessed is true.
func decompressData(cfg *Config, w *worker, src, dst []byte, sub codec.SubAlgo, preprocessed bool, maxSize int) (int, error) {
	if !preprocessed {
		n, err := w.codec.Decompress(src, dst[:maxSize], sub)
		if err != nil {
			return 0, err
		}
		return n, nil
	}

	if len(src) < 1 {
		return 0, fmt.Errorf("preprocessed payload truncated")
	}
	kind := src[0]
	body := src[1:]

	if kind&^(container.PreprocLZP|container.PreprocDelta2|container.PreprocCompressed) != 0 {
		return 0, fmt.Errorf("invalid preprocessing flags: %d", kind)
	}

	var current []byte
	if kind&container.PreprocCompressed != 0 {
		if len(body) < 8 {
			return 0, fmt.Errorf("preprocessed payload truncated")
		}
		declared := binary.BigEndian.Uint64(body[:8])
		body = body[8:]
		if declared > uint64(maxSize)+16 {
			return 0, fmt.Errorf("preprocessed length %d exceeds chunk capacity", declared)
		}
		buffer := make([]byte, declared)
		n, err := w.codec.Decompress(body, buffer, sub)
		if err != nil {
			return 0, err
		}
		if uint64(n) != declared {
			return 0, fmt.Errorf("backend produced %d bytes, preprocess frame says %d", n, declared)
		}
		current = buffer
	} else {
		current = body
	}

	if kind&container.PreprocDelta2 != 0 {
		decoded, err := preproc.Delta2Decode(current, maxSize)
		if err != nil {
			return 0, err
		}
		current = decoded
	}

	if kind&container.PreprocLZP != 0 {
		decoded, err := preproc.LZPDecompress(current, cfg.Level, maxSize)
		if err != nil {
			return 0, err
		}
		current = decoded
	}

	if len(current) > maxSize {
		return 0, fmt.Errorf("preprocessed data decoded to %d bytes, limit %d", len(current), maxSize)
	}
	copy(dst, current)
	return len(current), nil
}
