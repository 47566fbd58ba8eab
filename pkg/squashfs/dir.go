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
	"encoding/binary"
	"fmt"

	"github.com/containerd/errdefs"
)

// maxDirRunEntries bounds one directory header's entry count.
const maxDirRunEntries = 256

type dirEntry struct {
	name     string
	inodeNum uint32
	inodeRef uint64
	typ      uint16
}

// DirWriter serializes directory listings into the directory metadata
// stream. Entries are grouped into runs sharing a header: a run ends
// after 256 entries, when the referenced inode lives in a different
// inode metadata block, or when the inode number delta leaves 16-bit
// range.
type DirWriter struct {
	dm *MetaWriter

	entries    []dirEntry
	startBlock uint64
	offset     uint16
	size       uint32
}

// NewDirWriter creates a directory writer on top of the directory
// table metadata stream.
func NewDirWriter(dm *MetaWriter) *DirWriter {
	return &DirWriter{dm: dm}
}

// Begin starts a new directory listing, recording its position in the
// stream.
func (d *DirWriter) Begin() {
	d.entries = d.entries[:0]
	d.startBlock, d.offset = d.dm.Position()
	d.size = 0
}

// Add queues one directory entry. The referenced inode must already
// have been written so its reference is final.
func (d *DirWriter) Add(name string, inodeNum uint32, inodeRef uint64, typ uint16) error {
	if len(name) == 0 || len(name) > 256 {
		return fmt.Errorf("directory entry name of %d bytes: %w", len(name), errdefs.ErrInvalidArgument)
	}
	d.entries = append(d.entries, dirEntry{name: name, inodeNum: inodeNum, inodeRef: inodeRef, typ: typ})
	return nil
}

// End encodes the queued entries as header runs and appends them to
// the stream.
func (d *DirWriter) End() error {
	le := binary.LittleEndian
	entries := d.entries

	for len(entries) > 0 {
		base := entries[0]
		baseBlock := uint32(base.inodeRef >> 16)

		count := 1
		for count < len(entries) && count < maxDirRunEntries {
			e := entries[count]
			if uint32(e.inodeRef>>16) != baseBlock {
				break
			}
			diff := int64(e.inodeNum) - int64(base.inodeNum)
			if diff < -0x8000 || diff > 0x7FFF {
				break
			}
			count++
		}

		var hdr [12]byte
		le.PutUint32(hdr[0:4], uint32(count-1))
		le.PutUint32(hdr[4:8], baseBlock)
		le.PutUint32(hdr[8:12], base.inodeNum)
		if err := d.append(hdr[:]); err != nil {
			return err
		}

		for _, e := range entries[:count] {
			buf := make([]byte, 8+len(e.name))
			le.PutUint16(buf[0:2], uint16(e.inodeRef&0xFFFF))
			le.PutUint16(buf[2:4], uint16(int64(e.inodeNum)-int64(base.inodeNum)))
			le.PutUint16(buf[4:6], e.typ)
			le.PutUint16(buf[6:8], uint16(len(e.name)-1))
			copy(buf[8:], e.name)
			if err := d.append(buf); err != nil {
				return err
			}
		}
		entries = entries[count:]
	}
	return nil
}

func (d *DirWriter) append(p []byte) error {
	if err := d.dm.Append(p); err != nil {
		return err
	}
	d.size += uint32(len(p))
	return nil
}

// Size returns the listing size in bytes, as needed for the directory
// inode (which stores it offset by three).
func (d *DirWriter) Size() uint32 { return d.size }

// Position returns where the listing started inside the directory
// table stream.
func (d *DirWriter) Position() (block uint64, offset uint16) {
	return d.startBlock, d.offset
}
