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
	"sort"
)

// XattrNone is the sentinel value stored in TreeNode.XattrIdx for nodes
// without extended attributes.
const XattrNone = 0xFFFFFFFF

// FragmentNone is the sentinel fragment index for files that do not end
// in a fragment.
const FragmentNone = 0xFFFFFFFF

// FragmentRef locates a file tail inside a packed fragment block.
type FragmentRef struct {
	Index  uint32
	Offset uint32
	Size   uint32
}

// FileInfo is the payload of a regular file node. StartBlock and
// BlockSizes are filled in by the data writer while the tar stream is
// consumed; the size words already carry the squashfs on-disk encoding
// (bit 24 set when the block was stored uncompressed, zero for a hole).
type FileInfo struct {
	Size       int64
	StartBlock uint64
	BlockSizes []uint32
	Fragment   FragmentRef

	// UserData is scratch space for the serializer.
	UserData any
}

// HasFragment reports whether the file tail lives in a fragment block.
func (fi *FileInfo) HasFragment() bool {
	return fi.Fragment.Index != FragmentNone
}

// TreeNode is a single entry of the filesystem tree.
type TreeNode struct {
	Name     string
	Parent   *TreeNode
	Children []*TreeNode

	Mode      uint32
	UID       uint32
	GID       uint32
	MTime     int64
	LinkCount uint32

	// InodeNum and InodeRef are assigned by GenInodeTable and the
	// serializer respectively.
	InodeNum uint32
	InodeRef uint64

	XattrIdx uint32

	// At most one of the following is set, depending on Mode: File for
	// regular files, Target for symlinks, Devno for devices.
	File   *FileInfo
	Target string
	Devno  uint32

	// implicit is set for directories materialized while inserting a
	// deeper path. Their attributes come from the tree defaults and
	// are replaced if the archive later names them explicitly.
	implicit bool

	xattrs []XattrPair
}

func (n *TreeNode) IsDir() bool { return n.Mode&FormatMask == FormatDir }

func (n *TreeNode) child(name string) *TreeNode {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// SortRecursive orders the children of every directory byte-wise by
// name. Directory entries in a squashfs image must be sorted for binary
// search during lookup.
func (n *TreeNode) SortRecursive() {
	sort.Slice(n.Children, func(i, j int) bool {
		return n.Children[i].Name < n.Children[j].Name
	})
	for _, c := range n.Children {
		if c.IsDir() {
			c.SortRecursive()
		}
	}
}
