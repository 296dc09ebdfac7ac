// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads optional CLI defaults from a YAML file.
//
// The file is located only through the PCOMPRESS_CONFIG environment
// variable. There is no search path and no automatic discovery: with
// no variable set, no file is read and the built-in defaults apply.
// Explicit command-line flags always win over file values.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sehe/pcompress/lib/bytesize"
	"github.com/sehe/pcompress/lib/checksum"
	"github.com/sehe/pcompress/lib/codec"
)

// EnvVar names the environment variable pointing at the defaults
// file.
const EnvVar = "PCOMPRESS_CONFIG"

// Defaults are the values a defaults file may supply. Pointer fields
// distinguish "absent" from zero values.
type Defaults struct {
	// Level is the default compression level (0-14).
	Level *int `yaml:"level,omitempty"`

	// Threads is the default thread count (1-256).
	Threads *int `yaml:"threads,omitempty"`

	// Checksum is the default chunk checksum kind by name.
	Checksum string `yaml:"checksum,omitempty"`

	// ChunkSize is the default chunk size, in the same g/m/k suffix
	// syntax as the -s flag.
	ChunkSize string `yaml:"chunk_size,omitempty"`
}

// Load reads the defaults file named by PCOMPRESS_CONFIG. Returns nil
// without error when the variable is unset.
func Load() (*Defaults, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s (%s): %w", path, EnvVar, err)
	}

	var defaults Defaults
	if err := yaml.Unmarshal(data, &defaults); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := defaults.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &defaults, nil
}

// validate rejects out-of-range file values up front, with the same
// bounds the flags enforce.
func (d *Defaults) validate() error {
	if d.Level != nil && (*d.Level < 0 || *d.Level > codec.MaxLevel) {
		return fmt.Errorf("level %d out of range 0-%d", *d.Level, codec.MaxLevel)
	}
	if d.Threads != nil && (*d.Threads < 1 || *d.Threads > 256) {
		return fmt.Errorf("threads %d out of range 1-256", *d.Threads)
	}
	if d.Checksum != "" {
		if _, err := checksum.Parse(d.Checksum); err != nil {
			return err
		}
	}
	if d.ChunkSize != "" {
		if _, err := bytesize.Parse(d.ChunkSize); err != nil {
			return err
		}
	}
	return nil
}
