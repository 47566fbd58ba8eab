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

	"github.com/tych0/squashfs-tools-ng/pkg/squashfs/compression"
)

// IDTable interns the distinct uid/gid values of an image. Inodes
// store 16-bit indices into it.
type IDTable struct {
	ids   []uint32
	index map[uint32]uint16
}

// NewIDTable creates an empty id table.
func NewIDTable() *IDTable {
	return &IDTable{index: map[uint32]uint16{}}
}

// Index returns the table index for an id, interning it on first use.
func (t *IDTable) Index(id uint32) (uint16, error) {
	if idx, ok := t.index[id]; ok {
		return idx, nil
	}
	if len(t.ids) >= 0x10000 {
		return 0, fmt.Errorf("more than %d distinct uid/gid values: %w",
			0x10000, errdefs.ErrInvalidArgument)
	}
	idx := uint16(len(t.ids))
	t.index[id] = idx
	t.ids = append(t.ids, id)
	return idx, nil
}

// Count returns the number of interned ids.
func (t *IDTable) Count() uint16 { return uint16(len(t.ids)) }

// Write stores the id table and updates the superblock reference.
func (t *IDTable) Write(out *Output, super *Superblock, cmp compression.Compressor) error {
	ids := t.ids
	if len(ids) == 0 {
		// Images always carry at least one id, root.
		ids = []uint32{0}
	}
	payload := make([]byte, 4*len(ids))
	for i, id := range ids {
		binary.LittleEndian.PutUint32(payload[i*4:], id)
	}
	start, err := writeTable(out, cmp, payload)
	if err != nil {
		return err
	}
	super.IDTableStart = start
	super.IDCount = uint16(len(ids))
	return nil
}
