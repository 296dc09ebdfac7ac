// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/term"
)

// MaxPasswordLen bounds the accepted password length. Longer inputs are
// rejected rather than truncated.
const MaxPasswordLen = 255

// PromptPassword reads a password from the controlling terminal with
// echo disabled. When confirm is true (encryption), the password is
// prompted twice and both entries must match.
func PromptPassword(prompt string, confirm bool) (*Buffer, error) {
	first, err := promptOnce(prompt)
	if err != nil {
		return nil, err
	}

	if confirm {
		second, err := promptOnce("Please re-enter password")
		if err != nil {
			Zero(first)
			return nil, err
		}
		match := bytes.Equal(first, second)
		Zero(second)
		if !match {
			Zero(first)
			return nil, fmt.Errorf("passwords do not match")
		}
	}

	// NewFromBytes zeros the heap copy.
	return NewFromBytes(first)
}

func promptOnce(prompt string) ([]byte, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening terminal for password entry: %w", err)
	}
	defer tty.Close()

	fmt.Fprintf(tty, "%s: ", prompt)
	password, err := term.ReadPassword(int(tty.Fd()))
	fmt.Fprintln(tty)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	if len(password) == 0 {
		return nil, fmt.Errorf("empty password")
	}
	if len(password) > MaxPasswordLen {
		Zero(password)
		return nil, fmt.Errorf("password longer than %d bytes", MaxPasswordLen)
	}
	return password, nil
}

// ReadPasswordFile reads a password from a file and then zeros the
// file's contents on disk. The file must therefore be both readable and
// writable. Trailing whitespace (a final newline from an editor) is
// trimmed before storing.
func ReadPasswordFile(path string) (*Buffer, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening password file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat password file: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("password file %s is empty", path)
	}
	if info.Size() > MaxPasswordLen {
		return nil, fmt.Errorf("password file %s longer than %d bytes", path, MaxPasswordLen)
	}

	data := make([]byte, info.Size())
	if _, err := file.ReadAt(data, 0); err != nil {
		Zero(data)
		return nil, fmt.Errorf("reading password file: %w", err)
	}

	// Zero the on-disk copy so the password does not outlive this run.
	zeros := make([]byte, len(data))
	if _, err := file.WriteAt(zeros, 0); err != nil {
		Zero(data)
		return nil, fmt.Errorf("zeroing password file: %w", err)
	}

	trimmed := bytes.TrimRight(data, " \t\r\n")
	if len(trimmed) == 0 {
		Zero(data)
		return nil, fmt.Errorf("password file %s contains only whitespace", path)
	}

	buffer, err := NewFromBytes(trimmed)
	Zero(data)
	return buffer, err
}
