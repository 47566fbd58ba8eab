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

package convert

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tych0/squashfs-tools-ng/pkg/squashfs"
	"github.com/tych0/squashfs-tools-ng/pkg/squashfs/compression"
)

var le = binary.LittleEndian

// image is a minimal squashfs reader, just enough to verify what the
// converter wrote.
type image struct {
	t   *testing.T
	raw []byte
	cmp compression.Compressor

	inodeCount  uint32
	modTime     uint32
	blockSize   uint32
	fragCount   uint32
	compressor  uint16
	flags       uint16
	idCount     uint16
	rootRef     uint64
	bytesUsed   uint64
	idTable     uint64
	xattrTable  uint64
	inodeTable  uint64
	dirTable    uint64
	fragTable   uint64
	exportTable uint64
}

type inodeInfo struct {
	typ      uint16
	mode     uint16
	uid      uint32
	gid      uint32
	mtime    uint32
	num      uint32
	xattrIdx uint32

	// directories
	dirStart  uint32
	dirOffset uint16
	dirSize   uint32
	nlink     uint32

	// files
	fileStart  uint64
	fileSize   uint64
	fragIndex  uint32
	fragOffset uint32
	blockSizes []uint32

	target string
	devno  uint32
}

type dirEnt struct {
	name     string
	inodeNum uint32
	ref      uint64
	typ      uint16
}

func loadImage(t *testing.T, path string) *image {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), squashfs.SuperblockSize)

	im := &image{t: t, raw: raw}
	require.Equal(t, uint32(squashfs.Magic), le.Uint32(raw[0:4]), "superblock magic")

	im.inodeCount = le.Uint32(raw[4:8])
	im.modTime = le.Uint32(raw[8:12])
	im.blockSize = le.Uint32(raw[12:16])
	im.fragCount = le.Uint32(raw[16:20])
	im.compressor = le.Uint16(raw[20:22])
	require.Equal(t, uint16(4), le.Uint16(raw[28:30]), "version major")
	require.Equal(t, uint16(0), le.Uint16(raw[30:32]), "version minor")
	im.flags = le.Uint16(raw[24:26])
	im.idCount = le.Uint16(raw[26:28])
	im.rootRef = le.Uint64(raw[32:40])
	im.bytesUsed = le.Uint64(raw[40:48])
	im.idTable = le.Uint64(raw[48:56])
	im.xattrTable = le.Uint64(raw[56:64])
	im.inodeTable = le.Uint64(raw[64:72])
	im.dirTable = le.Uint64(raw[72:80])
	im.fragTable = le.Uint64(raw[80:88])
	im.exportTable = le.Uint64(raw[88:96])

	cmp, err := compression.New(compression.Config{
		ID:        compression.ID(im.compressor),
		BlockSize: im.blockSize,
	})
	require.NoError(t, err)
	im.cmp = cmp
	return im
}

// metaBlock decodes the metadata block at the given absolute offset,
// returning its payload and on-disk size.
func (im *image) metaBlock(off uint64) ([]byte, uint64) {
	im.t.Helper()
	word := le.Uint16(im.raw[off : off+2])
	size := uint64(word & 0x7FFF)
	data := im.raw[off+2 : off+2+size]
	if word&0x8000 != 0 {
		return data, 2 + size
	}
	payload, err := im.cmp.Decompress(data, squashfs.MetaBlockSize)
	require.NoError(im.t, err)
	return payload, 2 + size
}

// readMeta returns n payload bytes of a metadata stream, starting at
// the (stream-relative block offset, byte offset) encoded in ref.
func (im *image) readMeta(tableStart uint64, ref uint64, n int) []byte {
	im.t.Helper()
	blockOff := ref >> 16
	byteOff := int(ref & 0xFFFF)

	var payload []byte
	off := tableStart
	var rel uint64
	for rel < blockOff {
		_, used := im.metaBlock(off)
		off += used
		rel += used
	}
	for len(payload) < byteOff+n {
		data, used := im.metaBlock(off)
		payload = append(payload, data...)
		off += used
	}
	return payload[byteOff : byteOff+n]
}

func (im *image) inode(ref uint64) *inodeInfo {
	im.t.Helper()
	// Read the common header first, then exactly the body bytes the
	// type needs; over-reading would walk off the metadata stream.
	buf := im.readMeta(im.inodeTable, ref, 16)

	in := &inodeInfo{
		typ:      le.Uint16(buf[0:2]),
		mode:     le.Uint16(buf[2:4]),
		mtime:    le.Uint32(buf[8:12]),
		num:      le.Uint32(buf[12:16]),
		xattrIdx: 0xFFFFFFFF,
	}
	in.uid = im.lookupID(le.Uint16(buf[4:6]))
	in.gid = im.lookupID(le.Uint16(buf[6:8]))

	body := func(n int) []byte {
		return im.readMeta(im.inodeTable, ref, 16+n)[16:]
	}

	switch in.typ {
	case squashfs.InodeDir:
		b := body(16)
		in.dirStart = le.Uint32(b[0:4])
		in.nlink = le.Uint32(b[4:8])
		in.dirSize = uint32(le.Uint16(b[8:10]))
		in.dirOffset = le.Uint16(b[10:12])
	case squashfs.InodeExtDir:
		b := body(24)
		in.nlink = le.Uint32(b[0:4])
		in.dirSize = le.Uint32(b[4:8])
		in.dirStart = le.Uint32(b[8:12])
		in.dirOffset = le.Uint16(b[18:20])
		in.xattrIdx = le.Uint32(b[20:24])
	case squashfs.InodeFile:
		b := body(16)
		in.fileStart = uint64(le.Uint32(b[0:4]))
		in.fragIndex = le.Uint32(b[4:8])
		in.fragOffset = le.Uint32(b[8:12])
		in.fileSize = uint64(le.Uint32(b[12:16]))
		count := im.blockCount(in.fileSize, in.fragIndex)
		b = body(16 + 4*count)
		in.blockSizes = im.blockList(b[16:], count)
	case squashfs.InodeExtFile:
		b := body(40)
		in.fileStart = le.Uint64(b[0:8])
		in.fileSize = le.Uint64(b[8:16])
		in.nlink = le.Uint32(b[24:28])
		in.fragIndex = le.Uint32(b[28:32])
		in.fragOffset = le.Uint32(b[32:36])
		in.xattrIdx = le.Uint32(b[36:40])
		count := im.blockCount(in.fileSize, in.fragIndex)
		b = body(40 + 4*count)
		in.blockSizes = im.blockList(b[40:], count)
	case squashfs.InodeSymlink, squashfs.InodeExtSymlink:
		b := body(8)
		in.nlink = le.Uint32(b[0:4])
		size := int(le.Uint32(b[4:8]))
		if in.typ == squashfs.InodeExtSymlink {
			b = body(12 + size)
			in.xattrIdx = le.Uint32(b[8+size : 12+size])
		} else {
			b = body(8 + size)
		}
		in.target = string(b[8 : 8+size])
	case squashfs.InodeBlkDev, squashfs.InodeChrDev, squashfs.InodeExtBlkDev, squashfs.InodeExtChrDev:
		b := body(8)
		in.nlink = le.Uint32(b[0:4])
		in.devno = le.Uint32(b[4:8])
		if in.typ >= squashfs.InodeExtDir {
			in.xattrIdx = le.Uint32(body(12)[8:12])
		}
	case squashfs.InodeFifo, squashfs.InodeSocket, squashfs.InodeExtFifo, squashfs.InodeExtSocket:
		in.nlink = le.Uint32(body(4)[0:4])
		if in.typ >= squashfs.InodeExtDir {
			in.xattrIdx = le.Uint32(body(8)[4:8])
		}
	default:
		im.t.Fatalf("unexpected inode type %d", in.typ)
	}
	return in
}

func (im *image) blockCount(fileSize uint64, fragIndex uint32) int {
	count := int(fileSize / uint64(im.blockSize))
	if fragIndex == 0xFFFFFFFF && fileSize%uint64(im.blockSize) != 0 {
		count++
	}
	return count
}

func (im *image) blockList(body []byte, count int) []uint32 {
	sizes := make([]uint32, count)
	for i := range sizes {
		sizes[i] = le.Uint32(body[i*4:])
	}
	return sizes
}

// readDir decodes a directory listing.
func (im *image) readDir(in *inodeInfo) []dirEnt {
	im.t.Helper()
	if in.dirSize <= 3 {
		return nil
	}
	ref := uint64(in.dirStart)<<16 | uint64(in.dirOffset)
	buf := im.readMeta(im.dirTable, ref, int(in.dirSize-3))

	var entries []dirEnt
	for len(buf) > 0 {
		count := int(le.Uint32(buf[0:4])) + 1
		startBlock := le.Uint32(buf[4:8])
		baseNum := le.Uint32(buf[8:12])
		buf = buf[12:]
		for i := 0; i < count; i++ {
			offset := le.Uint16(buf[0:2])
			diff := int16(le.Uint16(buf[2:4]))
			typ := le.Uint16(buf[4:6])
			nameLen := int(le.Uint16(buf[6:8])) + 1
			name := string(buf[8 : 8+nameLen])
			buf = buf[8+nameLen:]
			entries = append(entries, dirEnt{
				name:     name,
				inodeNum: uint32(int64(baseNum) + int64(diff)),
				ref:      uint64(startBlock)<<16 | uint64(offset),
				typ:      typ,
			})
		}
	}
	return entries
}

func (im *image) lookupID(idx uint16) uint32 {
	im.t.Helper()
	// The id table index holds one u64 block location per 2048 ids.
	loc := le.Uint64(im.raw[im.idTable+uint64(idx/2048)*8:])
	payload, _ := im.metaBlock(loc)
	return le.Uint32(payload[(int(idx)%2048)*4:])
}

// lookupPath walks the directory tree from the root.
func (im *image) lookupPath(path ...string) *inodeInfo {
	im.t.Helper()
	in := im.inode(im.rootRef)
	for _, name := range path {
		entries := im.readDir(in)
		found := false
		for _, e := range entries {
			if e.name == name {
				in = im.inode(e.ref)
				found = true
				break
			}
		}
		require.True(im.t, found, "path component %q not found", name)
	}
	return in
}

type fragEntry struct {
	start uint64
	size  uint32
}

func (im *image) fragmentEntry(idx uint32) fragEntry {
	im.t.Helper()
	// 512 entries of 16 bytes per metadata block.
	loc := le.Uint64(im.raw[im.fragTable+uint64(idx/512)*8:])
	payload, _ := im.metaBlock(loc)
	off := (int(idx) % 512) * 16
	return fragEntry{
		start: le.Uint64(payload[off : off+8]),
		size:  le.Uint32(payload[off+8 : off+12]),
	}
}

// fileContents reconstructs the full logical contents of a file.
func (im *image) fileContents(in *inodeInfo) []byte {
	im.t.Helper()
	out := make([]byte, 0, in.fileSize)
	off := in.fileStart
	for _, word := range in.blockSizes {
		want := uint64(im.blockSize)
		if rest := in.fileSize - uint64(len(out)); rest < want {
			want = rest
		}
		if word == 0 {
			out = append(out, make([]byte, want)...)
			continue
		}
		size := uint64(word &^ uint32(1<<24))
		data := im.raw[off : off+size]
		if word&(1<<24) == 0 {
			restored, err := im.cmp.Decompress(data, int(im.blockSize))
			require.NoError(im.t, err)
			data = restored
		}
		out = append(out, data[:want]...)
		off += size
	}
	if in.fragIndex != 0xFFFFFFFF {
		frag := im.fragmentEntry(in.fragIndex)
		size := uint64(frag.size &^ uint32(1<<24))
		data := im.raw[frag.start : frag.start+size]
		if frag.size&(1<<24) == 0 {
			restored, err := im.cmp.Decompress(data, int(im.blockSize))
			require.NoError(im.t, err)
			data = restored
		}
		tail := in.fileSize - uint64(len(out))
		out = append(out, data[in.fragOffset:uint64(in.fragOffset)+tail]...)
	}
	require.Equal(im.t, in.fileSize, uint64(len(out)))
	return out
}

// xattrs returns the attribute set referenced by an inode.
func (im *image) xattrs(idx uint32) map[string]string {
	im.t.Helper()
	if idx == 0xFFFFFFFF {
		return nil
	}
	require.NotEqual(im.t, uint64(squashfs.NoTable), im.xattrTable)

	kvStart := le.Uint64(im.raw[im.xattrTable : im.xattrTable+8])
	count := le.Uint32(im.raw[im.xattrTable+8 : im.xattrTable+12])
	require.Less(im.t, idx, count)

	loc := le.Uint64(im.raw[im.xattrTable+16+uint64(idx/512)*8:])
	payload, _ := im.metaBlock(loc)
	off := (int(idx) % 512) * 16
	ref := le.Uint64(payload[off : off+8])
	pairs := le.Uint32(payload[off+8 : off+12])
	size := le.Uint32(payload[off+12 : off+16])

	buf := im.readMeta(kvStart, ref, int(size))
	prefixes := map[uint16]string{0: "user.", 1: "trusted.", 2: "security."}

	out := map[string]string{}
	for i := uint32(0); i < pairs; i++ {
		typ := le.Uint16(buf[0:2])
		nameLen := le.Uint16(buf[2:4])
		name := string(buf[4 : 4+nameLen])
		buf = buf[4+nameLen:]
		valLen := le.Uint32(buf[0:4])
		value := string(buf[4 : 4+valLen])
		buf = buf[4+valLen:]
		out[prefixes[typ]+name] = value
	}
	return out
}

// exportRef looks up an inode reference in the export table.
func (im *image) exportRef(inodeNum uint32) uint64 {
	im.t.Helper()
	require.NotEqual(im.t, uint64(squashfs.NoTable), im.exportTable)
	idx := inodeNum - 1
	loc := le.Uint64(im.raw[im.exportTable+uint64(idx/1024)*8:])
	payload, _ := im.metaBlock(loc)
	return le.Uint64(payload[(int(idx)%1024)*8:])
}
