// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

// Package service holds process-level plumbing shared by the
// pcompress binaries.
package service

import (
	"log/slog"
	"os"
)

// NewLogger creates the process logger: structured text on stderr,
// also installed as the slog default. Diagnostics and progress stay
// on stderr so pipe mode can own stdout for data.
func NewLogger() *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	return logger
}
