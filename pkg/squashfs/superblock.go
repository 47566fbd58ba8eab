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

// Package squashfs serializes SquashFS 4.0 filesystem images: the
// parallel data block writer, the metadata block streams and the
// inode, directory, fragment, id, export and xattr tables.
package squashfs

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/containerd/errdefs"

	"github.com/tych0/squashfs-tools-ng/pkg/squashfs/compression"
)

const (
	// Magic identifies a little-endian squashfs image.
	Magic = 0x73717368

	// SuperblockSize is the on-disk size of the superblock.
	SuperblockSize = 96

	// MetaBlockSize is the uncompressed capacity of a metadata
	// block.
	MetaBlockSize = 8192

	// MinBlockSize and MaxBlockSize bound the data block size.
	MinBlockSize     = 4096
	MaxBlockSize     = 1024 * 1024
	DefaultBlockSize = 128 * 1024

	// MinDevBlockSize bounds the device block padding granularity.
	MinDevBlockSize     = 1024
	DefaultDevBlockSize = 4096

	// NoTable marks an absent table in the superblock.
	NoTable = 0xFFFFFFFFFFFFFFFF
)

// Superblock flag bits.
const (
	FlagUncompressedInodes = 0x0001
	FlagUncompressedData   = 0x0002
	FlagUncompressedFrags  = 0x0008
	FlagNoFragments        = 0x0010
	FlagAlwaysFragments    = 0x0020
	FlagDuplicates         = 0x0040
	FlagExportable         = 0x0080
	FlagNoXattrs           = 0x0200
	FlagCompressorOptions  = 0x0400
)

// Superblock is the image header, written as a placeholder before any
// data and finalized once every table offset is known.
type Superblock struct {
	InodeCount    uint32
	ModTime       uint32
	BlockSize     uint32
	FragmentCount uint32
	Compressor    compression.ID
	BlockLog      uint16
	Flags         uint16
	IDCount       uint16
	RootInodeRef  uint64
	BytesUsed     uint64

	IDTableStart        uint64
	XattrIDTableStart   uint64
	InodeTableStart     uint64
	DirectoryTableStart uint64
	FragmentTableStart  uint64
	ExportTableStart    uint64
}

// NewSuperblock initializes a superblock for the given geometry. All
// table offsets start out as absent.
func NewSuperblock(blockSize uint32, mtime int64, comp compression.ID) (*Superblock, error) {
	if blockSize < MinBlockSize || blockSize > MaxBlockSize || bits.OnesCount32(blockSize) != 1 {
		return nil, fmt.Errorf("block size %d is not a power of two in [%d, %d]: %w",
			blockSize, MinBlockSize, MaxBlockSize, errdefs.ErrInvalidArgument)
	}
	return &Superblock{
		ModTime:             uint32(mtime),
		BlockSize:           blockSize,
		Compressor:          comp,
		BlockLog:            uint16(bits.TrailingZeros32(blockSize)),
		IDTableStart:        NoTable,
		XattrIDTableStart:   NoTable,
		InodeTableStart:     NoTable,
		DirectoryTableStart: NoTable,
		FragmentTableStart:  NoTable,
		ExportTableStart:    NoTable,
	}, nil
}

// Encode serializes the superblock.
func (s *Superblock) Encode() []byte {
	buf := make([]byte, SuperblockSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], Magic)
	le.PutUint32(buf[4:8], s.InodeCount)
	le.PutUint32(buf[8:12], s.ModTime)
	le.PutUint32(buf[12:16], s.BlockSize)
	le.PutUint32(buf[16:20], s.FragmentCount)
	le.PutUint16(buf[20:22], uint16(s.Compressor))
	le.PutUint16(buf[22:24], s.BlockLog)
	le.PutUint16(buf[24:26], s.Flags)
	le.PutUint16(buf[26:28], s.IDCount)
	le.PutUint16(buf[28:30], 4)
	le.PutUint16(buf[30:32], 0)
	le.PutUint64(buf[32:40], s.RootInodeRef)
	le.PutUint64(buf[40:48], s.BytesUsed)
	le.PutUint64(buf[48:56], s.IDTableStart)
	le.PutUint64(buf[56:64], s.XattrIDTableStart)
	le.PutUint64(buf[64:72], s.InodeTableStart)
	le.PutUint64(buf[72:80], s.DirectoryTableStart)
	le.PutUint64(buf[80:88], s.FragmentTableStart)
	le.PutUint64(buf[88:96], s.ExportTableStart)
	return buf
}

// Write stores the superblock at the start of the image.
func (s *Superblock) Write(out *Output) error {
	return out.WriteAt(s.Encode(), 0)
}

// WriteCompressorOptions appends the compressor options header, if the
// compressor carries non-default options, and flags their presence.
// Options are stored as a single uncompressed metadata block directly
// after the superblock.
func (s *Superblock) WriteCompressorOptions(out *Output, cmp compression.Compressor) error {
	opts := cmp.Options()
	if opts == nil {
		return nil
	}
	buf := make([]byte, 2+len(opts))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(opts))|metaUncompressedFlag)
	copy(buf[2:], opts)
	if _, err := out.Append(buf); err != nil {
		return err
	}
	s.Flags |= FlagCompressorOptions
	return nil
}
