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

	"github.com/tych0/squashfs-tools-ng/pkg/squashfs/compression"
)

// writeTable stores a flat table: the payload is cut into metadata
// blocks, and a top-level index of the absolute block offsets follows.
// The returned offset is that of the index, which is what the
// superblock references.
func writeTable(out *Output, cmp compression.Compressor, payload []byte) (uint64, error) {
	var locations []uint64

	for off := 0; off < len(payload); off += MetaBlockSize {
		end := off + MetaBlockSize
		if end > len(payload) {
			end = len(payload)
		}
		locations = append(locations, uint64(out.Size()))

		mw := NewMetaWriter(out, cmp)
		if err := mw.Append(payload[off:end]); err != nil {
			return 0, err
		}
		if err := mw.Flush(); err != nil {
			return 0, err
		}
	}

	start := uint64(out.Size())
	index := make([]byte, 8*len(locations))
	for i, loc := range locations {
		binary.LittleEndian.PutUint64(index[i*8:], loc)
	}
	if _, err := out.Append(index); err != nil {
		return 0, err
	}
	return start, nil
}
