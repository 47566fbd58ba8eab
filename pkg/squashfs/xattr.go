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
	"strings"

	"github.com/containerd/errdefs"

	"github.com/tych0/squashfs-tools-ng/pkg/fstree"
	"github.com/tych0/squashfs-tools-ng/pkg/squashfs/compression"
)

// Xattr namespace prefix ids.
const (
	XattrPrefixUser     = 0
	XattrPrefixTrusted  = 1
	XattrPrefixSecurity = 2
)

func xattrPrefixID(key string) (uint16, string, error) {
	switch {
	case strings.HasPrefix(key, "user."):
		return XattrPrefixUser, key[len("user."):], nil
	case strings.HasPrefix(key, "trusted."):
		return XattrPrefixTrusted, key[len("trusted."):], nil
	case strings.HasPrefix(key, "security."):
		return XattrPrefixSecurity, key[len("security."):], nil
	}
	return 0, "", fmt.Errorf("xattr key %q has no squashfs prefix: %w", key, errdefs.ErrInvalidArgument)
}

// WriteXattrTable stores the deduplicated extended attribute sets of
// the tree: the key/value stream, the per-set lookup entries and the
// table header with its block index. With no attributes present, no
// table is written and the no-xattrs flag is set instead.
func WriteXattrTable(out *Output, super *Superblock, tree *fstree.Tree, cmp compression.Compressor) error {
	sets := tree.XattrSets()
	if len(sets) == 0 {
		super.Flags |= FlagNoXattrs
		return nil
	}

	kvStart := uint64(out.Size())
	kv := NewMetaWriter(out, cmp)
	le := binary.LittleEndian

	entries := make([]byte, 0, 16*len(sets))
	for _, set := range sets {
		block, offset := kv.Position()
		ref := block<<16 | uint64(offset)

		var size uint32
		for _, pair := range set {
			prefix, name, err := xattrPrefixID(tree.XattrKey(pair.KeyID))
			if err != nil {
				return err
			}
			value := tree.XattrValue(pair.ValueID)

			rec := make([]byte, 4+len(name))
			le.PutUint16(rec[0:2], prefix)
			le.PutUint16(rec[2:4], uint16(len(name)))
			copy(rec[4:], name)
			if err := kv.Append(rec); err != nil {
				return err
			}

			val := make([]byte, 4+len(value))
			le.PutUint32(val[0:4], uint32(len(value)))
			copy(val[4:], value)
			if err := kv.Append(val); err != nil {
				return err
			}
			size += uint32(len(rec) + len(val))
		}

		entry := make([]byte, 16)
		le.PutUint64(entry[0:8], ref)
		le.PutUint32(entry[8:12], uint32(len(set)))
		le.PutUint32(entry[12:16], size)
		entries = append(entries, entry...)
	}
	if err := kv.Flush(); err != nil {
		return err
	}

	// The lookup entries are themselves a metadata stream; the
	// table header references the key/value stream and is followed
	// by the index of the entry blocks.
	var locations []uint64
	for off := 0; off < len(entries); off += MetaBlockSize {
		end := off + MetaBlockSize
		if end > len(entries) {
			end = len(entries)
		}
		locations = append(locations, uint64(out.Size()))
		mw := NewMetaWriter(out, cmp)
		if err := mw.Append(entries[off:end]); err != nil {
			return err
		}
		if err := mw.Flush(); err != nil {
			return err
		}
	}

	tableStart := uint64(out.Size())
	buf := make([]byte, 16+8*len(locations))
	le.PutUint64(buf[0:8], kvStart)
	le.PutUint32(buf[8:12], uint32(len(sets)))
	le.PutUint32(buf[12:16], 0)
	for i, loc := range locations {
		le.PutUint64(buf[16+i*8:], loc)
	}
	if _, err := out.Append(buf); err != nil {
		return err
	}

	super.XattrIDTableStart = tableStart
	return nil
}
