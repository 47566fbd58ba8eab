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

	"github.com/tych0/squashfs-tools-ng/pkg/fstree"
	"github.com/tych0/squashfs-tools-ng/pkg/squashfs/compression"
)

// basicTypeOf maps a file mode to the basic inode type code used in
// directory entries.
func basicTypeOf(mode uint32) uint16 {
	switch mode & fstree.FormatMask {
	case fstree.FormatDir:
		return InodeDir
	case fstree.FormatRegular:
		return InodeFile
	case fstree.FormatSymlink:
		return InodeSymlink
	case fstree.FormatBlockD:
		return InodeBlkDev
	case fstree.FormatCharD:
		return InodeChrDev
	case fstree.FormatFifo:
		return InodeFifo
	case fstree.FormatSocket:
		return InodeSocket
	}
	return 0
}

// treeSerializer writes the inode and directory tables for a sorted,
// numbered tree. The directory table is buffered in memory because its
// final position is only known once the inode table is complete.
type treeSerializer struct {
	tree *fstree.Tree
	im   *MetaWriter
	dm   *MetaWriter
	dirw *DirWriter
	ids  *IDTable
}

// SerializeTree writes the inode and directory metadata tables of the
// tree and fills in the superblock references. The tree must be
// sorted, inode-numbered and xattr-deduplicated, and the data writer
// must have been synced.
func SerializeTree(out *Output, super *Superblock, tree *fstree.Tree, cmp compression.Compressor, ids *IDTable) error {
	dm := NewMetaWriter(nil, cmp)
	s := &treeSerializer{
		tree: tree,
		im:   NewMetaWriter(out, cmp),
		dm:   dm,
		dirw: NewDirWriter(dm),
		ids:  ids,
	}

	super.InodeTableStart = uint64(out.Size())

	if err := s.serializeChildren(tree.Root); err != nil {
		return err
	}
	if err := s.serializeNode(tree.Root); err != nil {
		return err
	}

	if err := s.im.Flush(); err != nil {
		return err
	}
	if err := s.dm.Flush(); err != nil {
		return err
	}

	super.RootInodeRef = tree.Root.InodeRef
	super.DirectoryTableStart = uint64(out.Size())
	super.InodeCount = tree.InodeCount()
	return s.dm.WriteTo(out)
}

func (s *treeSerializer) serializeChildren(dir *fstree.TreeNode) error {
	for _, c := range dir.Children {
		if c.IsDir() {
			if err := s.serializeChildren(c); err != nil {
				return err
			}
		}
	}
	for _, c := range dir.Children {
		if err := s.serializeNode(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *treeSerializer) serializeNode(n *fstree.TreeNode) error {
	inode := &Inode{
		NLink:    n.LinkCount,
		XattrIdx: n.XattrIdx,
	}
	hasXattr := n.XattrIdx != fstree.XattrNone

	switch n.Mode & fstree.FormatMask {
	case fstree.FormatDir:
		if err := s.writeDirEntries(n, inode); err != nil {
			return err
		}
		if hasXattr || inode.DirSize > 0xFFFF {
			inode.Base.Type = InodeExtDir
		} else {
			inode.Base.Type = InodeDir
		}
	case fstree.FormatRegular:
		fi := n.File
		inode.FileStartBlock = fi.StartBlock
		inode.FileSize = uint64(fi.Size)
		inode.BlockSizes = fi.BlockSizes
		inode.FragIndex = fi.Fragment.Index
		inode.FragOffset = fi.Fragment.Offset
		if hasXattr || fi.Size >= 1<<32 || fi.StartBlock >= 1<<32 {
			inode.Base.Type = InodeExtFile
		} else {
			inode.Base.Type = InodeFile
		}
	case fstree.FormatSymlink:
		inode.Target = n.Target
		if hasXattr {
			inode.Base.Type = InodeExtSymlink
		} else {
			inode.Base.Type = InodeSymlink
		}
	case fstree.FormatBlockD, fstree.FormatCharD:
		inode.Devno = n.Devno
		typ := uint16(InodeBlkDev)
		if n.Mode&fstree.FormatMask == fstree.FormatCharD {
			typ = InodeChrDev
		}
		if hasXattr {
			typ += InodeExtDir - InodeDir
		}
		inode.Base.Type = typ
	case fstree.FormatFifo, fstree.FormatSocket:
		typ := uint16(InodeFifo)
		if n.Mode&fstree.FormatMask == fstree.FormatSocket {
			typ = InodeSocket
		}
		if hasXattr {
			typ += InodeExtDir - InodeDir
		}
		inode.Base.Type = typ
	default:
		return fmt.Errorf("node %q has unsupported mode %#o: %w", n.Name, n.Mode, errdefs.ErrInternal)
	}

	uidIdx, err := s.ids.Index(n.UID)
	if err != nil {
		return err
	}
	gidIdx, err := s.ids.Index(n.GID)
	if err != nil {
		return err
	}
	inode.Base.Mode = uint16(n.Mode & fstree.PermMask)
	inode.Base.UIDIdx = uidIdx
	inode.Base.GIDIdx = gidIdx
	inode.Base.MTime = uint32(n.MTime)
	inode.Base.InodeNum = n.InodeNum

	block, offset := s.im.Position()
	n.InodeRef = block<<16 | uint64(offset)
	return s.im.Append(inode.Encode())
}

func (s *treeSerializer) writeDirEntries(n *fstree.TreeNode, inode *Inode) error {
	s.dirw.Begin()
	for _, c := range n.Children {
		if err := s.dirw.Add(c.Name, c.InodeNum, c.InodeRef, basicTypeOf(c.Mode)); err != nil {
			return err
		}
	}
	if err := s.dirw.End(); err != nil {
		return err
	}

	block, offset := s.dirw.Position()
	inode.DirStartBlock = uint32(block)
	inode.DirOffset = offset
	inode.DirSize = s.dirw.Size() + 3
	if n.Parent != nil {
		inode.DirParent = n.Parent.InodeNum
	}
	return nil
}

// WriteExportTable stores the dense inode-number to inode-reference
// lookup table that NFS export support needs.
func WriteExportTable(out *Output, super *Superblock, tree *fstree.Tree, cmp compression.Compressor) error {
	count := int(tree.InodeCount())
	payload := make([]byte, 8*count)
	for i := 1; i <= count; i++ {
		binary.LittleEndian.PutUint64(payload[(i-1)*8:], tree.InodeTable[i].InodeRef)
	}
	start, err := writeTable(out, cmp, payload)
	if err != nil {
		return err
	}
	super.ExportTableStart = start
	super.Flags |= FlagExportable
	return nil
}
