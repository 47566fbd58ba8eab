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
	"encoding/binary"

	"github.com/tych0/squashfs-tools-ng/pkg/squashfs/compression"
)

const metaUncompressedFlag = 0x8000

// MetaWriter produces a stream of metadata blocks: up to 8 KiB of
// payload per block, compressed when that helps, each prefixed with a
// 16-bit length word whose high bit marks uncompressed storage.
//
// A writer either appends directly to the image or, for streams whose
// final location is not known yet (the directory table is written
// while the inode table is still growing), buffers the encoded blocks
// in memory until WriteTo is called.
type MetaWriter struct {
	cmp compression.Compressor
	out *Output

	buf     bytes.Buffer // current uncompressed block
	blocks  bytes.Buffer // encoded blocks, buffered mode only
	written uint64       // on-disk bytes emitted, relative to stream start
}

// NewMetaWriter creates a writer appending blocks to out as they fill
// up. If out is nil, blocks are buffered and flushed with WriteTo.
func NewMetaWriter(out *Output, cmp compression.Compressor) *MetaWriter {
	return &MetaWriter{cmp: cmp, out: out}
}

// Position returns the stream position the next appended byte will
// have: the on-disk offset of the current block relative to the start
// of the stream, and the byte offset inside the block.
func (m *MetaWriter) Position() (block uint64, offset uint16) {
	return m.written, uint16(m.buf.Len())
}

// Append buffers payload bytes, emitting full metadata blocks along
// the way.
func (m *MetaWriter) Append(p []byte) error {
	for len(p) > 0 {
		n := MetaBlockSize - m.buf.Len()
		if n > len(p) {
			n = len(p)
		}
		m.buf.Write(p[:n])
		p = p[n:]

		if m.buf.Len() == MetaBlockSize {
			if err := m.emitBlock(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush emits the current partial block, if any.
func (m *MetaWriter) Flush() error {
	if m.buf.Len() == 0 {
		return nil
	}
	return m.emitBlock()
}

func (m *MetaWriter) emitBlock() error {
	payload := m.buf.Bytes()

	data, err := m.cmp.Compress(payload)
	if err != nil {
		return err
	}
	header := uint16(len(data))
	if data == nil {
		data = payload
		header = uint16(len(payload)) | metaUncompressedFlag
	}

	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], header)

	if m.out != nil {
		block := make([]byte, 0, 2+len(data))
		block = append(block, hdr[:]...)
		block = append(block, data...)
		if _, err := m.out.Append(block); err != nil {
			return err
		}
	} else {
		m.blocks.Write(hdr[:])
		m.blocks.Write(data)
	}

	m.written += uint64(2 + len(data))
	m.buf.Reset()
	return nil
}

// WriteTo appends the buffered blocks of a memory-backed stream to the
// image.
func (m *MetaWriter) WriteTo(out *Output) error {
	if m.blocks.Len() == 0 {
		return nil
	}
	_, err := out.Append(m.blocks.Bytes())
	return err
}
