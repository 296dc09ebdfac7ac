// Copyright 2026 The Pcompress Authors
// SPDX-License-Identifier: Apache-2.0

// Command pcompress does chunked parallel compression and
// decompression of a single file or pipe stream.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/sehe/pcompress/lib/bytesize"
	"github.com/sehe/pcompress/lib/checksum"
	"github.com/sehe/pcompress/lib/codec"
	"github.com/sehe/pcompress/lib/config"
	"github.com/sehe/pcompress/lib/container"
	"github.com/sehe/pcompress/lib/crypto"
	"github.com/sehe/pcompress/lib/dedupe"
	"github.com/sehe/pcompress/lib/pipeline"
	"github.com/sehe/pcompress/lib/service"
)

// compressedExtension is appended to the source name for the target
// archive.
const compressedExtension = ".pz"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// options is the parsed CLI surface.
type options struct {
	compressAlgo string
	decompress   bool
	chunkSizeArg string
	level        int
	pipeMode     bool
	threads      int
	rabinDedupe  bool
	globalDedupe bool
	fixedDedupe  bool
	deltaCount   int
	noRabinSplit bool
	lzp          bool
	delta2       bool
	checksumName string
	blockIndex   int
	encryptAlgo  string
	passwordFile string
	keyLength    int
	memStats     bool
	cmpStats     bool
}

func run() error {
	flags := pflag.NewFlagSet("pcompress", pflag.ContinueOnError)
	flags.Usage = func() { usage(flags) }

	var opts options
	flags.StringVarP(&opts.compressAlgo, "compress", "c", "", "compress with the given algorithm")
	flags.BoolVarP(&opts.decompress, "decompress", "d", false, "decompress an archive")
	flags.StringVarP(&opts.chunkSizeArg, "chunk-size", "s", "", "chunk size (suffixes g/m/k)")
	flags.IntVarP(&opts.level, "level", "l", 6, "compression level 0-14")
	flags.BoolVarP(&opts.pipeMode, "pipe", "p", false, "read stdin, write stdout")
	flags.IntVarP(&opts.threads, "threads", "t", 0, "thread count 1-256")
	flags.BoolVarP(&opts.rabinDedupe, "dedupe", "D", false, "rabin deduplication")
	flags.BoolVarP(&opts.globalDedupe, "global-dedupe", "G", false, "global (file-wide) deduplication")
	flags.BoolVarP(&opts.fixedDedupe, "fixed-dedupe", "F", false, "fixed-block deduplication")
	flags.CountVarP(&opts.deltaCount, "delta", "E", "delta encoding; repeat (-EE) for the lower similarity tier")
	flags.BoolVarP(&opts.noRabinSplit, "no-rabin-split", "r", false, "do not split chunks at rabin boundaries")
	flags.BoolVarP(&opts.lzp, "lzp", "L", false, "LZP pre-compression")
	flags.BoolVarP(&opts.delta2, "delta2", "P", false, "adaptive delta (Delta2) pre-compression")
	flags.StringVarP(&opts.checksumName, "checksum", "S", "", "chunk checksum kind")
	flags.IntVarP(&opts.blockIndex, "dedupe-block-size", "B", 0, "average dedupe block size index 1-5")
	flags.StringVarP(&opts.encryptAlgo, "encrypt", "e", "", "encrypt chunks (AES or SALSA20)")
	flags.StringVarP(&opts.passwordFile, "password-file", "w", "", "file holding the password (zeroed after reading)")
	flags.IntVarP(&opts.keyLength, "key-length", "k", 32, "key length in bytes (16 or 32)")
	flags.BoolVarP(&opts.memStats, "mem-stats", "M", false, "show memory statistics")
	flags.BoolVarP(&opts.cmpStats, "cmp-stats", "C", false, "show compression statistics")

	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	// Defaults file: values apply only where no explicit flag was
	// given.
	defaults, err := config.Load()
	if err != nil {
		return err
	}
	if defaults != nil {
		if !flags.Changed("level") && defaults.Level != nil {
			opts.level = *defaults.Level
		}
		if !flags.Changed("threads") && defaults.Threads != nil {
			opts.threads = *defaults.Threads
		}
		if !flags.Changed("checksum") && defaults.Checksum != "" {
			opts.checksumName = defaults.Checksum
		}
		if !flags.Changed("chunk-size") && defaults.ChunkSize != "" {
			opts.chunkSizeArg = defaults.ChunkSize
		}
	}

	if err := validate(&opts, flags); err != nil {
		return err
	}

	if opts.decompress {
		return runDecompress(&opts, flags.Args())
	}
	return runCompress(&opts, flags.Args())
}

// validate enforces the flag combination rules.
func validate(opts *options, flags *pflag.FlagSet) error {
	doCompress := opts.compressAlgo != ""
	if doCompress == opts.decompress {
		usage(flags)
		return fmt.Errorf("exactly one of -c and -d is required")
	}

	if opts.level < 0 || opts.level > codec.MaxLevel {
		return fmt.Errorf("compression level should be in range 0 - %d", codec.MaxLevel)
	}
	if opts.threads != 0 && (opts.threads < 1 || opts.threads > pipeline.MaxThreads) {
		return fmt.Errorf("thread count should be in range 1 - %d", pipeline.MaxThreads)
	}
	if opts.blockIndex != 0 && (opts.blockIndex < dedupe.MinBlockIndex || opts.blockIndex > dedupe.MaxBlockIndex) {
		return fmt.Errorf("average dedupe block size index must be in range %d (4k) - %d (64k)",
			dedupe.MinBlockIndex, dedupe.MaxBlockIndex)
	}
	if opts.keyLength != 16 && opts.keyLength != 32 {
		return fmt.Errorf("encryption key length should be 16 or 32")
	}
	if opts.deltaCount > 0 {
		// -E implies -D.
		opts.rabinDedupe = true
	}

	if (opts.rabinDedupe || opts.fixedDedupe) && !doCompress {
		return fmt.Errorf("deduplication is only used during compression")
	}
	if opts.fixedDedupe && (opts.rabinDedupe || opts.deltaCount > 0) {
		return fmt.Errorf("rabin deduplication and fixed-block deduplication are mutually exclusive")
	}
	if opts.encryptAlgo != "" && !doCompress {
		return fmt.Errorf("encryption only makes sense when compressing")
	}
	if opts.pipeMode && opts.encryptAlgo != "" && opts.passwordFile == "" {
		return fmt.Errorf("pipe mode requires the password to be provided in a file")
	}

	// Global deduplication defaults to rabin blocks when neither
	// chunking style was named.
	if opts.globalDedupe && !opts.rabinDedupe && !opts.fixedDedupe {
		opts.rabinDedupe = true
	}
	if opts.globalDedupe && opts.pipeMode {
		return fmt.Errorf("global deduplication is not supported in pipe mode")
	}
	if opts.globalDedupe && opts.deltaCount > 0 {
		return fmt.Errorf("global deduplication does not support delta encoding")
	}

	return nil
}

// buildConfig assembles the pipeline configuration for compression.
func buildConfig(opts *options, chunkSize int64, singleChunk bool) (*pipeline.Config, error) {
	entry, err := codec.Resolve(opts.compressAlgo)
	if err != nil {
		return nil, err
	}
	// Resolve is prefix-based for zero-padded header tags; the CLI
	// wants the exact spelling.
	if opts.compressAlgo != entry.Name {
		return nil, fmt.Errorf("invalid algorithm %s", opts.compressAlgo)
	}

	kind := checksum.Default
	if opts.checksumName != "" {
		kind, err = checksum.Parse(opts.checksumName)
		if err != nil {
			return nil, err
		}
	}

	cfg := &pipeline.Config{
		Entry:        entry,
		Level:        opts.level,
		ChunkSize:    chunkSize,
		ChecksumKind: kind,
		SingleChunk:  singleChunk,
		LZP:          opts.lzp,
		Delta2:       opts.delta2,
		BlockIndex:   dedupe.DefaultBlockIndex,
		Logger:       service.NewLogger(),
		ShowCmpStats: opts.cmpStats,
		ShowMemStats: opts.memStats,
	}
	if opts.blockIndex != 0 {
		cfg.BlockIndex = opts.blockIndex
	}

	switch {
	case opts.globalDedupe:
		cfg.DedupeMode = dedupe.ModeGlobal
		// The block size index is not recorded in the archive, and
		// global reconstruction must re-derive block boundaries, so
		// global mode always runs with the default index.
		cfg.BlockIndex = dedupe.DefaultBlockIndex
	case opts.rabinDedupe:
		cfg.DedupeMode = dedupe.ModeSegmented
	case opts.fixedDedupe:
		cfg.DedupeMode = dedupe.ModeFixed
	}

	switch opts.deltaCount {
	case 0:
		cfg.Delta = dedupe.DeltaOff
	case 1:
		cfg.Delta = dedupe.DeltaNormal
	default:
		cfg.Delta = dedupe.DeltaExtra
	}

	cfg.RabinSplit = cfg.DedupeMode == dedupe.ModeSegmented ||
		cfg.DedupeMode == dedupe.ModeGlobal
	if opts.noRabinSplit || opts.fixedDedupe || singleChunk {
		cfg.RabinSplit = false
	}

	cfg.Props = cfg.Entry.Props(cfg.Level, cfg.ChunkSize)

	if opts.encryptAlgo != "" {
		alg, err := crypto.ParseAlgorithm(opts.encryptAlgo)
		if err != nil {
			return nil, err
		}
		password, err := passwordSource(opts)(true)
		if err != nil {
			return nil, fmt.Errorf("failed to get password: %w", err)
		}
		cryptoContext, err := crypto.NewForEncrypt(alg, password, opts.keyLength, kind)
		password.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize crypto: %w", err)
		}
		cfg.Crypto = cryptoContext
	}

	return cfg, nil
}

// passwordSource picks the file-based or interactive password path.
func passwordSource(opts *options) pipeline.PasswordSource {
	if opts.passwordFile != "" {
		return pipeline.FilePassword(opts.passwordFile)
	}
	return pipeline.PromptPassword("Please enter password")
}

// chunkSizeFromArg resolves and sanity-checks the -s argument.
func chunkSizeFromArg(arg string) (int64, error) {
	if arg == "" {
		return pipeline.DefaultChunkSize, nil
	}
	size, err := bytesize.Parse(arg)
	if err != nil {
		return 0, err
	}
	if size < container.MinChunkSize {
		return 0, fmt.Errorf("minimum chunk size is %d", int64(container.MinChunkSize))
	}
	if ram, err := bytesize.TotalRAM(); err == nil && size > bytesize.EightyPercent(ram) {
		return 0, fmt.Errorf("chunk size must not exceed 80%% of total RAM")
	}
	return size, nil
}

// runCompress handles -c: source checks, temp file discipline, and
// the pipeline run.
func runCompress(opts *options, args []string) error {
	chunkSize, err := chunkSizeFromArg(opts.chunkSizeArg)
	if err != nil {
		return err
	}

	if opts.pipeMode {
		if len(args) > 0 {
			return fmt.Errorf("filename(s) unexpected for pipe mode")
		}
		cfg, err := buildConfig(opts, chunkSize, false)
		if err != nil {
			return err
		}
		defer closeCrypto(cfg)
		if err := cfg.PartitionThreads(opts.threads, -1); err != nil {
			return err
		}
		return pipeline.Compress(cfg, os.Stdin, os.Stdout, -1)
	}

	if len(args) != 1 {
		return fmt.Errorf("exactly one input file is required")
	}

	inputPath, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	input, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer input.Close()

	info, err := input.Stat()
	if err != nil {
		return fmt.Errorf("cannot stat: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("file %s is not a regular file", inputPath)
	}
	if info.Size() == 0 {
		return fmt.Errorf("file %s is empty", inputPath)
	}

	targetPath := inputPath + compressedExtension
	if _, err := os.Stat(targetPath); err == nil {
		return fmt.Errorf("compressed file %s exists", targetPath)
	}

	singleChunk := info.Size() <= chunkSize
	cfg, err := buildConfig(opts, chunkSize, singleChunk)
	if err != nil {
		return err
	}
	defer closeCrypto(cfg)
	if err := cfg.PartitionThreads(opts.threads, info.Size()); err != nil {
		return err
	}

	// Compressed data goes to a temp file in the target directory and
	// is renamed over only on success. A signal mid-run removes it.
	temp, err := os.CreateTemp(filepath.Dir(inputPath), ".pcomp")
	if err != nil {
		return fmt.Errorf("mkstemp: %w", err)
	}
	tempPath := temp.Name()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		os.Remove(tempPath)
		os.Exit(1)
	}()
	defer signal.Stop(signals)

	if err := pipeline.Compress(cfg, input, temp, info.Size()); err != nil {
		temp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("error compressing file %s: %w", inputPath, err)
	}

	// Ownership and mode of the target match the original.
	if err := temp.Chmod(info.Mode()); err != nil {
		fmt.Fprintf(os.Stderr, "chmod: %v\n", err)
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if err := temp.Chown(int(stat.Uid), int(stat.Gid)); err != nil {
			fmt.Fprintf(os.Stderr, "chown: %v\n", err)
		}
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}
	if err := os.Rename(tempPath, targetPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("cannot rename temporary file: %w", err)
	}
	return nil
}

// runDecompress handles -d.
func runDecompress(opts *options, args []string) error {
	decompressOpts := pipeline.DecompressOptions{
		Threads:      opts.threads,
		Logger:       service.NewLogger(),
		ShowCmpStats: opts.cmpStats,
		ShowMemStats: opts.memStats,
	}
	decompressOpts.Password = passwordSource(opts)

	if opts.pipeMode {
		if len(args) > 0 {
			return fmt.Errorf("filename(s) unexpected for pipe mode")
		}
		return pipeline.Decompress(decompressOpts, os.Stdin, os.Stdout)
	}

	if len(args) != 2 {
		return fmt.Errorf("decompression needs the archive and the target filename")
	}

	input, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer input.Close()

	info, err := input.Stat()
	if err != nil {
		return fmt.Errorf("cannot stat: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("file %s is empty", args[0])
	}

	if _, err := os.Stat(args[1]); err == nil {
		return fmt.Errorf("file %s exists", args[1])
	}

	output, err := os.OpenFile(args[1], os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer output.Close()

	if err := pipeline.Decompress(decompressOpts, input, output); err != nil {
		// The partial target is left in place for diagnosis.
		return err
	}

	// Ownership and mode of the target match the archive file.
	if err := output.Chmod(info.Mode()); err != nil {
		fmt.Fprintf(os.Stderr, "chmod: %v\n", err)
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if err := output.Chown(int(stat.Uid), int(stat.Gid)); err != nil {
			fmt.Fprintf(os.Stderr, "chown: %v\n", err)
		}
	}
	return nil
}

// closeCrypto scrubs key material after a run.
func closeCrypto(cfg *pipeline.Config) {
	if cfg.Crypto != nil {
		cfg.Crypto.Close()
	}
}

// usage prints the CLI reference.
func usage(flags *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `
pcompress - chunked parallel compression

Usage:
1) To compress a file:
   pcompress -c <algorithm> [-l <level>] [-s <chunk size>] <file>
   Algorithms: %s
2) To decompress:
   pcompress -d <compressed file> <target file>
3) To operate as a pipe (stdin to stdout):
   pcompress -p ...
4) Deduplication: -D (rabin), -F (fixed blocks), -G (global),
   -E / -EE (delta encoding, implies -D), -r (no boundary splitting),
   -B <1..5> (average block size, 1=4K .. 5=64K)
5) Preprocessing: -L (LZP), -P (Delta2)
6) Encryption: -e <AES|SALSA20> [-w <password file>] [-k <16|32>]
7) Checksums (-S):
`, strings.Join(codec.Names(), ", "))
	checksum.List(os.Stderr, "   ")
	fmt.Fprintf(os.Stderr, "\nFlags:\n%s\n", flags.FlagUsages())
}
