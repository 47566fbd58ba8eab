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

package squashfs

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tych0/squashfs-tools-ng/pkg/fstree"
)

const testBlockSize = 4096

func newTestDataWriter(t *testing.T, jobs int) (*DataWriter, *Output) {
	t.Helper()
	out := NewOutput(&memFile{}, 0)
	d := NewDataWriter(out, testCompressor(t), testBlockSize, jobs, 0)
	d.Start(context.Background())
	return d, out
}

func fileInfo(size int64) *fstree.FileInfo {
	return &fstree.FileInfo{Size: size, Fragment: fstree.FragmentRef{Index: fstree.FragmentNone}}
}

// readBlock reads one stored data block back, undoing compression
// according to the size word.
func readBlock(t *testing.T, d *DataWriter, out *Output, off int64, word uint32) []byte {
	t.Helper()
	size := int(word &^ blockUncompressedFlag)
	raw := make([]byte, size)
	require.NoError(t, out.ReadAt(raw, off))
	if word&blockUncompressedFlag != 0 {
		return raw
	}
	data, err := d.cmp.Decompress(raw, testBlockSize)
	require.NoError(t, err)
	return data
}

func TestDataWriterBlocksAndFragment(t *testing.T) {
	d, out := newTestDataWriter(t, 2)

	content := bytes.Repeat([]byte("squash"), 2048) // 12288 bytes: 3 blocks
	tail := []byte("trailing fragment data")
	fi := fileInfo(int64(len(content) + len(tail)))

	require.NoError(t, d.WriteFile(fi, bytes.NewReader(append(append([]byte(nil), content...), tail...))))
	require.NoError(t, d.Sync())

	require.Len(t, fi.BlockSizes, 3)
	assert.Equal(t, uint64(0), fi.StartBlock)
	off := int64(0)
	var restored []byte
	for _, word := range fi.BlockSizes {
		require.NotZero(t, word)
		restored = append(restored, readBlock(t, d, out, off, word)...)
		off += int64(word &^ blockUncompressedFlag)
	}
	assert.Equal(t, content, restored)

	require.True(t, fi.HasFragment())
	assert.Equal(t, uint32(0), fi.Fragment.Index)
	assert.Equal(t, uint32(0), fi.Fragment.Offset)
	assert.Equal(t, uint32(len(tail)), fi.Fragment.Size)

	super := &Superblock{}
	require.NoError(t, d.WriteFragmentTable(super))
	assert.Equal(t, uint32(1), super.FragmentCount)
	assert.NotEqual(t, uint64(NoTable), super.FragmentTableStart)

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Files)
	assert.Equal(t, uint64(3), stats.Blocks)
	assert.Equal(t, uint64(1), stats.FragmentBlocks)
}

func TestDataWriterOrderingParallel(t *testing.T) {
	d, _ := newTestDataWriter(t, 8)

	var infos []*fstree.FileInfo
	for i := 0; i < 32; i++ {
		fi := fileInfo(testBlockSize)
		infos = append(infos, fi)
		content := bytes.Repeat([]byte{byte(i + 1)}, testBlockSize)
		require.NoError(t, d.WriteFile(fi, bytes.NewReader(content)))
	}
	require.NoError(t, d.Sync())

	// On-disk order must be exactly submission order, regardless of
	// which worker finished first.
	var prev uint64
	for i, fi := range infos {
		if i > 0 {
			assert.Greater(t, fi.StartBlock, prev, "file %d out of order", i)
		}
		prev = fi.StartBlock
	}
}

func TestDataWriterHoleDetection(t *testing.T) {
	d, out := newTestDataWriter(t, 1)

	content := make([]byte, 3*testBlockSize)
	copy(content[2*testBlockSize:], bytes.Repeat([]byte{0xAB}, testBlockSize))
	fi := fileInfo(int64(len(content)))

	require.NoError(t, d.WriteFile(fi, bytes.NewReader(content)))
	require.NoError(t, d.Sync())

	require.Len(t, fi.BlockSizes, 3)
	assert.Zero(t, fi.BlockSizes[0])
	assert.Zero(t, fi.BlockSizes[1])
	assert.NotZero(t, fi.BlockSizes[2])
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, testBlockSize),
		readBlock(t, d, out, int64(fi.StartBlock), fi.BlockSizes[2]))

	// An entirely sparse file stores nothing at all.
	empty := fileInfo(2 * testBlockSize)
	d2, out2 := newTestDataWriter(t, 1)
	require.NoError(t, d2.WriteFile(empty, bytes.NewReader(make([]byte, 2*testBlockSize))))
	require.NoError(t, d2.Sync())
	assert.Equal(t, []uint32{0, 0}, empty.BlockSizes)
	assert.Equal(t, int64(0), out2.Size())
}

func TestDataWriterFileDedup(t *testing.T) {
	d, out := newTestDataWriter(t, 4)

	content := bytes.Repeat([]byte("duplicate payload"), 1024) // > 4 blocks
	content = content[:4*testBlockSize]

	first := fileInfo(int64(len(content)))
	require.NoError(t, d.WriteFile(first, bytes.NewReader(content)))

	unrelated := fileInfo(testBlockSize)
	require.NoError(t, d.WriteFile(unrelated, bytes.NewReader(bytes.Repeat([]byte{0x55}, testBlockSize))))

	second := fileInfo(int64(len(content)))
	require.NoError(t, d.WriteFile(second, bytes.NewReader(content)))
	require.NoError(t, d.Sync())

	assert.Equal(t, first.StartBlock, second.StartBlock)
	assert.Equal(t, first.BlockSizes, second.BlockSizes)
	assert.Equal(t, uint64(1), d.Stats().DedupFiles)

	// The duplicate region was rolled back: the image ends after the
	// unrelated file's block.
	var unrelatedEnd int64
	unrelatedEnd = int64(unrelated.StartBlock) + int64(unrelated.BlockSizes[0]&^blockUncompressedFlag)
	assert.Equal(t, unrelatedEnd, out.Size())
}

func TestDataWriterFragmentDedup(t *testing.T) {
	d, _ := newTestDataWriter(t, 2)

	tail := []byte("the same one hundred bytes of tail content")
	a := fileInfo(int64(len(tail)))
	b := fileInfo(int64(len(tail)))
	require.NoError(t, d.WriteFile(a, bytes.NewReader(tail)))
	require.NoError(t, d.WriteFile(b, bytes.NewReader(tail)))
	require.NoError(t, d.Sync())

	assert.Equal(t, a.Fragment, b.Fragment)
	assert.Equal(t, uint64(1), d.Stats().DedupFragments)

	super := &Superblock{}
	require.NoError(t, d.WriteFragmentTable(super))
	assert.Equal(t, uint32(1), super.FragmentCount)
}

func TestDataWriterFragmentBufferFlush(t *testing.T) {
	d, _ := newTestDataWriter(t, 1)

	// Two tails that cannot share one fragment block force a flush.
	big := bytes.Repeat([]byte{1}, testBlockSize-100)
	small := bytes.Repeat([]byte{2}, 200)
	a := fileInfo(int64(len(big)))
	b := fileInfo(int64(len(small)))
	require.NoError(t, d.WriteFile(a, bytes.NewReader(big)))
	require.NoError(t, d.WriteFile(b, bytes.NewReader(small)))
	require.NoError(t, d.Sync())

	assert.Equal(t, uint32(0), a.Fragment.Index)
	assert.Equal(t, uint32(1), b.Fragment.Index)

	super := &Superblock{}
	require.NoError(t, d.WriteFragmentTable(super))
	assert.Equal(t, uint32(2), super.FragmentCount)
}

func TestDataWriterNoFragments(t *testing.T) {
	d, _ := newTestDataWriter(t, 1)

	fi := fileInfo(testBlockSize)
	require.NoError(t, d.WriteFile(fi, bytes.NewReader(bytes.Repeat([]byte{9}, testBlockSize))))
	require.NoError(t, d.Sync())
	assert.False(t, fi.HasFragment())

	super := &Superblock{}
	require.NoError(t, d.WriteFragmentTable(super))
	assert.NotZero(t, super.Flags&FlagNoFragments)
	assert.Equal(t, uint32(0), super.FragmentCount)
}
