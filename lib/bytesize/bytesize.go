// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

// Package bytesize parses human-readable byte quantities and exposes the
// machine memory gate used to sanity-check chunk sizes.
package bytesize

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Parse converts a size string to bytes. A bare number is bytes; the
// suffixes k, m and g (case-insensitive) scale by powers of 1024.
func Parse(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("empty size")
	}

	multiplier := int64(1)
	switch trimmed[len(trimmed)-1] {
	case 'k', 'K':
		multiplier = 1024
		trimmed = trimmed[:len(trimmed)-1]
	case 'm', 'M':
		multiplier = 1024 * 1024
		trimmed = trimmed[:len(trimmed)-1]
	case 'g', 'G':
		multiplier = 1024 * 1024 * 1024
		trimmed = trimmed[:len(trimmed)-1]
	}

	number, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", value, err)
	}
	if number < 0 {
		return 0, fmt.Errorf("size must not be negative: %q", value)
	}
	if number > (1<<62)/multiplier {
		return 0, fmt.Errorf("size too large: %q", value)
	}
	return number * multiplier, nil
}

// TotalRAM returns the total physical memory of the machine in bytes.
func TotalRAM() (int64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("sysinfo: %w", err)
	}
	return int64(info.Totalram) * int64(info.Unit), nil
}

// EightyPercent returns x minus one fifth of x. Chunk sizes are rejected
// above this fraction of physical memory, both when compressing and when
// reading an untrusted header.
func EightyPercent(x int64) int64 {
	return x - x/5
}
