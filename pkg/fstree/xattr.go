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

package fstree

import (
	"fmt"
	"sort"
	"strings"

	"github.com/containerd/errdefs"
)

// ErrUnsupportedXattr is returned for attribute keys whose prefix
// squashfs cannot encode.
var ErrUnsupportedXattr = fmt.Errorf("xattr prefix not representable in squashfs: %w", errdefs.ErrInvalidArgument)

// squashfs only knows these extended attribute namespaces.
var xattrPrefixes = []string{"user.", "trusted.", "security."}

// SupportedXattr reports whether the attribute key has a prefix that
// can be stored in a squashfs image.
func SupportedXattr(key string) bool {
	for _, p := range xattrPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// XattrPair is a node attribute, expressed as indices into the interned
// key and value pools.
type XattrPair struct {
	KeyID   uint32
	ValueID uint32
}

// xattrStore interns attribute keys and values and, after
// deduplication, holds the canonical attribute sets shared between
// nodes.
type xattrStore struct {
	keyIDs   map[string]uint32
	keys     []string
	valueIDs map[string]uint32
	values   [][]byte

	sets   [][]XattrPair
	setIdx map[string]uint32
}

func (x *xattrStore) init() {
	x.keyIDs = make(map[string]uint32)
	x.valueIDs = make(map[string]uint32)
	x.setIdx = make(map[string]uint32)
}

func (x *xattrStore) internKey(key string) uint32 {
	if id, ok := x.keyIDs[key]; ok {
		return id
	}
	id := uint32(len(x.keys))
	x.keyIDs[key] = id
	x.keys = append(x.keys, key)
	return id
}

func (x *xattrStore) internValue(value []byte) uint32 {
	if id, ok := x.valueIDs[string(value)]; ok {
		return id
	}
	id := uint32(len(x.values))
	x.valueIDs[string(value)] = id
	x.values = append(x.values, append([]byte(nil), value...))
	return id
}

// AddXattr records an extended attribute on the node. Duplicate
// key/value pairs on the same node collapse to one entry; setting the
// same key with a different value keeps both pairs, the way the archive
// presented them.
func (t *Tree) AddXattr(n *TreeNode, key string, value []byte) error {
	if !SupportedXattr(key) {
		return fmt.Errorf("%s: %w", key, ErrUnsupportedXattr)
	}
	pair := XattrPair{
		KeyID:   t.xattrs.internKey(key),
		ValueID: t.xattrs.internValue(value),
	}
	for _, p := range n.xattrs {
		if p == pair {
			return nil
		}
	}
	n.xattrs = append(n.xattrs, pair)
	return nil
}

// DedupXattrs canonicalizes every node's attribute list and assigns the
// node an index into the table of unique attribute sets. Nodes with
// structurally equal sets share an index.
func (t *Tree) DedupXattrs() {
	t.dedupXattrs(t.Root)
}

func (t *Tree) dedupXattrs(n *TreeNode) {
	if len(n.xattrs) > 0 {
		sort.Slice(n.xattrs, func(i, j int) bool {
			if n.xattrs[i].KeyID != n.xattrs[j].KeyID {
				return n.xattrs[i].KeyID < n.xattrs[j].KeyID
			}
			return n.xattrs[i].ValueID < n.xattrs[j].ValueID
		})
		n.XattrIdx = t.xattrs.internSet(n.xattrs)
	}
	for _, c := range n.Children {
		t.dedupXattrs(c)
	}
}

func (x *xattrStore) internSet(pairs []XattrPair) uint32 {
	var sb strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&sb, "%d=%d;", p.KeyID, p.ValueID)
	}
	key := sb.String()
	if idx, ok := x.setIdx[key]; ok {
		return idx
	}
	idx := uint32(len(x.sets))
	x.setIdx[key] = idx
	x.sets = append(x.sets, append([]XattrPair(nil), pairs...))
	return idx
}

// XattrKey returns the interned key for an id.
func (t *Tree) XattrKey(id uint32) string { return t.xattrs.keys[id] }

// XattrValue returns the interned value for an id.
func (t *Tree) XattrValue(id uint32) []byte { return t.xattrs.values[id] }

// XattrSets returns the deduplicated attribute sets, indexed by the
// XattrIdx stored on nodes.
func (t *Tree) XattrSets() [][]XattrPair { return t.xattrs.sets }
