/*
   Copyright The tar2sqfs Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package compression provides the block compressors a squashfs image
// can be written with. All implementations are safe for concurrent use
// by multiple compression workers.
package compression

import (
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

// ID is the squashfs on-disk compressor id.
type ID uint16

const (
	Gzip ID = 1
	LZMA ID = 2
	LZO  ID = 3
	XZ   ID = 4
	LZ4  ID = 5
	Zstd ID = 6
)

func (id ID) String() string {
	switch id {
	case Gzip:
		return "gzip"
	case LZMA:
		return "lzma"
	case LZO:
		return "lzo"
	case XZ:
		return "xz"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	}
	return fmt.Sprintf("compressor(%d)", uint16(id))
}

// Compressor turns uncompressed blocks into their on-disk form.
type Compressor interface {
	ID() ID

	// Compress returns the compressed form of src, or nil when
	// compressing would not make the block smaller.
	Compress(src []byte) ([]byte, error)

	// Decompress inflates a stored block. size is the largest
	// uncompressed size expected; the returned slice holds the bytes
	// actually produced, which may be fewer.
	Decompress(src []byte, size int) ([]byte, error)

	// Options returns the serialized compressor options header, or
	// nil when the compressor runs with its defaults and no header
	// needs to be written.
	Options() []byte
}

// Config selects and parameterizes a compressor.
type Config struct {
	ID        ID
	BlockSize uint32

	// Extra is the raw --comp-extra option string, a comma
	// separated list of key=value pairs interpreted per compressor.
	Extra string
}

// FromName resolves a compressor name from the command line.
func FromName(name string) (ID, error) {
	for _, id := range Available() {
		if id.String() == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unsupported compressor %q: %w", name, errdefs.ErrInvalidArgument)
}

// Available lists the compressors this build can create.
func Available() []ID {
	return []ID{Gzip, XZ, LZ4, Zstd}
}

// Default is the compressor used when none is selected.
func Default() ID { return Gzip }

// New creates a configured compressor.
func New(cfg Config) (Compressor, error) {
	opts, err := parseExtra(cfg.ID, cfg.Extra)
	if err != nil {
		return nil, err
	}
	switch cfg.ID {
	case Gzip:
		return newGzip(cfg, opts)
	case XZ:
		return newXZ(cfg, opts)
	case LZ4:
		return newLZ4(cfg, opts)
	case Zstd:
		return newZstd(cfg, opts)
	case LZMA, LZO:
		return nil, fmt.Errorf("compressor %s is not supported by this build: %w",
			cfg.ID, errdefs.ErrNotImplemented)
	}
	return nil, fmt.Errorf("unknown compressor id %d: %w", cfg.ID, errdefs.ErrInvalidArgument)
}

func parseExtra(id ID, extra string) (map[string]string, error) {
	opts := map[string]string{}
	if extra == "" {
		return opts, nil
	}
	for _, field := range strings.Split(extra, ",") {
		key, value, _ := strings.Cut(field, "=")
		if !knownOption(id, key) {
			return nil, fmt.Errorf("unknown option %q for compressor %s: %w",
				key, id, errdefs.ErrInvalidArgument)
		}
		opts[key] = value
	}
	return opts, nil
}

func knownOption(id ID, key string) bool {
	for _, k := range optionNames(id) {
		if k == key {
			return true
		}
	}
	return false
}

func optionNames(id ID) []string {
	switch id {
	case Gzip:
		return []string{"level", "window"}
	case XZ:
		return []string{"dictsize"}
	case LZ4:
		return []string{"hc"}
	case Zstd:
		return []string{"level"}
	}
	return nil
}

// HelpText describes the extra options a compressor accepts, for the
// "-X help" output.
func HelpText(id ID) string {
	switch id {
	case Gzip:
		return `gzip options:
    level=<value>    Compression level, 1..9. Defaults to 9.
    window=<value>   Window size recorded in the options header,
                     8..15. Defaults to 15. Compression itself
                     always uses a window of 15.
`
	case XZ:
		return `xz options:
    dictsize=<value>  LZMA2 dictionary size in bytes.
                      Defaults to the block size.
`
	case LZ4:
		return `lz4 options:
    hc               Use the high-compression mode.
`
	case Zstd:
		return `zstd options:
    level=<value>    Compression level, 1..22. Defaults to 15.
`
	}
	return "This compressor has no options.\n"
}
