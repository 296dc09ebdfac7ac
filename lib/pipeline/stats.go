// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"github.com/sehe/pcompress/lib/codec"
)

// runStats accumulates per-chunk figures for the -C and -M reports.
// Only the writer goroutine records, so no locking is needed.
type runStats struct {
	cfg      *Config
	chunks   uint64
	largest  int64
	smallest int64
	total    int64
}

func newStats(cfg *Config) *runStats {
	return &runStats{cfg: cfg, smallest: cfg.ChunkSize + cfg.Props.BufExtra + 1}
}

// record notes one written chunk frame.
func (s *runStats) record(frameLen int64) {
	s.chunks++
	s.total += frameLen
	if frameLen > s.largest {
		s.largest = frameLen
	}
	if frameLen < s.smallest {
		s.smallest = frameLen
	}
}

// report prints the requested statistics to w after a successful run.
func (s *runStats) report(w io.Writer, workers []*worker) {
	if s.cfg.ShowCmpStats && s.chunks > 0 {
		percent := func(n int64) float64 {
			return float64(n) / float64(s.cfg.ChunkSize) * 100
		}
		fmt.Fprintf(w, "\nCompression Statistics\n")
		fmt.Fprintf(w, "======================\n")
		fmt.Fprintf(w, "Total chunks           : %d\n", s.chunks)
		fmt.Fprintf(w, "Best compressed chunk  : %s (%.2f%%)\n", humanize.IBytes(uint64(s.smallest)), percent(s.smallest))
		fmt.Fprintf(w, "Worst compressed chunk : %s (%.2f%%)\n", humanize.IBytes(uint64(s.largest)), percent(s.largest))
		average := s.total / int64(s.chunks)
		fmt.Fprintf(w, "Avg compressed chunk   : %s (%.2f%%)\n", humanize.IBytes(uint64(average)), percent(average))

		for _, worker := range workers {
			if reporter, ok := worker.codec.(codec.StatsReporter); ok {
				fmt.Fprintf(w, "Worker %d codec         : %s\n", worker.id, reporter.Stats())
			}
		}
		fmt.Fprintln(w)
	}

	if s.cfg.ShowMemStats {
		var buffers int
		var bytes uint64
		for _, worker := range workers {
			for _, buf := range [][]byte{worker.in, worker.frame, worker.scratch} {
				if buf != nil {
					buffers++
					bytes += uint64(cap(buf))
				}
			}
		}
		fmt.Fprintf(w, "\nMemory Statistics\n")
		fmt.Fprintf(w, "=================\n")
		fmt.Fprintf(w, "Worker slots           : %d\n", len(workers))
		fmt.Fprintf(w, "Chunk buffers          : %d\n", buffers)
		fmt.Fprintf(w, "Buffer memory          : %s\n\n", humanize.IBytes(bytes))
	}
}
