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

// Package fstree builds the in-memory filesystem tree that is later
// serialized into a squashfs image. Paths are inserted one at a time in
// archive order; intermediate directories that the archive never names
// are materialized with configurable default attributes.
package fstree

import (
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

// Defaults are the attributes applied to implicitly created directories
// and the root. When timestamps are not kept, MTime is also applied to
// every entry.
type Defaults struct {
	UID   uint32
	GID   uint32
	Mode  uint32
	MTime int64
}

// Tree is a rooted filesystem tree.
type Tree struct {
	Root     *TreeNode
	Defaults Defaults

	xattrs xattrStore

	// InodeTable is populated by GenInodeTable. Slot 0 is unused so
	// that the slice can be indexed directly by inode number.
	InodeTable []*TreeNode
}

// New creates a tree holding only the root directory.
func New(defaults Defaults) *Tree {
	if defaults.Mode == 0 {
		defaults.Mode = 0o755
	}
	t := &Tree{Defaults: defaults}
	t.xattrs.init()
	t.Root = &TreeNode{
		Mode:     FormatDir | (defaults.Mode & PermMask),
		UID:      defaults.UID,
		GID:      defaults.GID,
		MTime:    defaults.MTime,
		XattrIdx: XattrNone,
	}
	return t
}

func (t *Tree) mkImplicitDir(parent *TreeNode, name string) *TreeNode {
	n := &TreeNode{
		Name:     name,
		Parent:   parent,
		Mode:     FormatDir | (t.Defaults.Mode & PermMask),
		UID:      t.Defaults.UID,
		GID:      t.Defaults.GID,
		MTime:    t.Defaults.MTime,
		XattrIdx: XattrNone,
		implicit: true,
	}
	parent.Children = append(parent.Children, n)
	return n
}

// Insert adds the entry at path to the tree, creating missing parent
// directories along the way. Inserting a directory over an existing
// directory merges the two; the existing attributes win unless the
// existing node was implicit. Any other collision is an error.
func (t *Tree) Insert(path string, st Stat, linkTarget string) (*TreeNode, error) {
	components := strings.Split(path, "/")
	if len(components) == 0 || components[0] == "" {
		return nil, fmt.Errorf("empty path: %w", errdefs.ErrInvalidArgument)
	}

	node := t.Root
	for _, comp := range components[:len(components)-1] {
		next := node.child(comp)
		if next == nil {
			next = t.mkImplicitDir(node, comp)
		} else if !next.IsDir() {
			return nil, fmt.Errorf("%s: %q is not a directory: %w",
				path, comp, errdefs.ErrInvalidArgument)
		}
		node = next
	}

	name := components[len(components)-1]
	if existing := node.child(name); existing != nil {
		if !existing.IsDir() || !st.IsDir() {
			return nil, fmt.Errorf("%s: %w", path, errdefs.ErrAlreadyExists)
		}
		if existing.implicit {
			existing.Mode = st.Mode
			existing.UID = st.UID
			existing.GID = st.GID
			existing.MTime = st.MTime
			existing.implicit = false
		}
		return existing, nil
	}

	n := &TreeNode{
		Name:     name,
		Parent:   node,
		Mode:     st.Mode,
		UID:      st.UID,
		GID:      st.GID,
		MTime:    st.MTime,
		XattrIdx: XattrNone,
	}

	switch st.Mode & FormatMask {
	case FormatDir:
	case FormatRegular:
		n.File = &FileInfo{
			Size:     st.Size,
			Fragment: FragmentRef{Index: FragmentNone},
		}
	case FormatSymlink:
		n.Target = linkTarget
	case FormatBlockD, FormatCharD:
		n.Devno = st.Devno()
	case FormatFifo, FormatSocket:
	default:
		return nil, fmt.Errorf("%s: unsupported file mode %#o: %w",
			path, st.Mode, errdefs.ErrInvalidArgument)
	}

	node.Children = append(node.Children, n)
	return n, nil
}

// SortRecursive sorts every directory's children byte-wise by name.
func (t *Tree) SortRecursive() {
	t.Root.SortRecursive()
}

// GenInodeTable walks the sorted tree in post-order and assigns
// contiguous inode numbers starting at 1, so the root always has the
// highest number. The traversal order is the same one the serializer
// uses, which keeps inode numbers monotonic within the inode table.
// Link counts are fixed up along the way: directories count their
// children plus two, everything else is one.
func (t *Tree) GenInodeTable() {
	t.InodeTable = make([]*TreeNode, 1, 64)
	t.genInodeNumbers(t.Root)
	t.assignInode(t.Root)
}

func (t *Tree) genInodeNumbers(n *TreeNode) {
	for _, c := range n.Children {
		if c.IsDir() {
			t.genInodeNumbers(c)
		}
	}
	for _, c := range n.Children {
		t.assignInode(c)
	}
}

func (t *Tree) assignInode(n *TreeNode) {
	if n.IsDir() {
		n.LinkCount = uint32(len(n.Children)) + 2
	} else {
		n.LinkCount = 1
	}
	n.InodeNum = uint32(len(t.InodeTable))
	t.InodeTable = append(t.InodeTable, n)
}

// InodeCount returns the number of inodes in the generated table.
func (t *Tree) InodeCount() uint32 {
	if len(t.InodeTable) == 0 {
		return 0
	}
	return uint32(len(t.InodeTable) - 1)
}
