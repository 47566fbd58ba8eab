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

// Package convert implements the tar to squashfs packing pipeline:
// decode tar entries, grow the filesystem tree, push file contents
// through the parallel data writer and serialize the image tables.
package convert

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/containerd/log"

	"github.com/tych0/squashfs-tools-ng/pkg/fstree"
	"github.com/tych0/squashfs-tools-ng/pkg/squashfs"
	"github.com/tych0/squashfs-tools-ng/pkg/squashfs/compression"
	"github.com/tych0/squashfs-tools-ng/pkg/tar"
)

// Run converts the tar stream on input into a squashfs image at
// cfg.Filename. On a fatal error the partially written output is left
// in place for inspection.
func Run(ctx context.Context, cfg Config, input io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmp, err := compression.New(compression.Config{
		ID:        cfg.Compressor,
		BlockSize: cfg.BlockSize,
		Extra:     cfg.CompExtra,
	})
	if err != nil {
		return err
	}

	f, err := squashfs.OpenOutputFile(cfg.Filename, cfg.Force)
	if err != nil {
		return err
	}
	defer f.Close()
	out := squashfs.NewOutput(f, 0)

	super, err := squashfs.NewSuperblock(cfg.BlockSize, cfg.Defaults.MTime, cmp.ID())
	if err != nil {
		return err
	}
	if err := super.Write(out); err != nil {
		return err
	}
	if err := super.WriteCompressorOptions(out, cmp); err != nil {
		return err
	}

	tree := fstree.New(cfg.Defaults)
	data := squashfs.NewDataWriter(out, cmp, cfg.BlockSize, cfg.NumJobs, cfg.MaxBacklog)
	data.Start(ctx)

	if err := processTar(ctx, cfg, tree, data, input); err != nil {
		cancel()
		_ = data.Sync()
		return err
	}
	if err := data.Sync(); err != nil {
		return err
	}

	tree.SortRecursive()
	tree.GenInodeTable()
	tree.DedupXattrs()

	ids := squashfs.NewIDTable()
	if err := squashfs.SerializeTree(out, super, tree, cmp, ids); err != nil {
		return err
	}
	if err := data.WriteFragmentTable(super); err != nil {
		return err
	}
	if cfg.Exportable {
		if err := squashfs.WriteExportTable(out, super, tree, cmp); err != nil {
			return err
		}
	}
	if err := ids.Write(out, super, cmp); err != nil {
		return err
	}
	if cfg.NoXattr {
		super.Flags |= squashfs.FlagNoXattrs
	} else if err := squashfs.WriteXattrTable(out, super, tree, cmp); err != nil {
		return err
	}

	stats := data.Stats()
	if stats.DedupFiles > 0 || stats.DedupFragments > 0 {
		super.Flags |= squashfs.FlagDuplicates
	}
	super.BytesUsed = uint64(out.Size())
	if err := super.Write(out); err != nil {
		return err
	}
	if err := out.PadTo(cfg.DevBlockSize); err != nil {
		return err
	}

	if !cfg.Quiet {
		printStatistics(super, stats)
	}
	return nil
}

func processTar(ctx context.Context, cfg Config, tree *fstree.Tree, data *squashfs.DataWriter, input io.Reader) error {
	tr := tar.NewReader(input)

	for {
		hdr, err := tr.ReadHeader()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar header: %w", err)
		}

		name, nameErr := tar.CanonicalizeName(hdr.Name)
		var reason string
		switch {
		case nameErr != nil:
			reason = "invalid name"
		case hdr.Unknown:
			reason = "unknown entry type"
		case hdr.IsSparse() && validateSparse(hdr) != nil:
			reason = "broken sparse file layout"
		}

		if reason != "" {
			if cfg.NoSkip {
				return fmt.Errorf("%s: %s", hdr.Name, reason)
			}
			log.G(ctx).WithField("entry", hdr.Name).Warnf("skipping entry: %s", reason)
			if err := tr.Skip(hdr.RecordSize); err != nil {
				return err
			}
			continue
		}

		if !cfg.KeepTime {
			hdr.Stat.MTime = cfg.Defaults.MTime
		}

		node, err := tree.Insert(name, hdr.Stat, hdr.LinkTarget)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		if !cfg.Quiet {
			fmt.Printf("Packing %s\n", name)
		}
		if hdr.Hardlink && hdr.RecordSize == 0 {
			log.G(ctx).WithField("entry", name).Debug("hard link record without payload, packing empty file")
		}

		if !cfg.NoXattr {
			if err := copyXattrs(ctx, cfg, tree, node, hdr); err != nil {
				return err
			}
		}

		if node.File != nil {
			body := io.Reader(tr.Body(hdr))
			if hdr.IsSparse() {
				body = tar.NewSparseFileReader(body, hdr.Sparse, hdr.Stat.Size)
			}
			if err := data.WriteFile(node.File, body); err != nil {
				return fmt.Errorf("packing %s: %w", name, err)
			}
			if err := tr.SkipPadding(hdr.RecordSize); err != nil {
				return err
			}
		}
	}
}

func copyXattrs(ctx context.Context, cfg Config, tree *fstree.Tree, node *fstree.TreeNode, hdr *tar.Header) error {
	for key, value := range hdr.Xattrs {
		err := tree.AddXattr(node, key, value)
		if err == nil {
			continue
		}
		if !errors.Is(err, fstree.ErrUnsupportedXattr) {
			return err
		}
		if cfg.NoSkip {
			return fmt.Errorf("%s: cannot encode xattr key %q in squashfs", hdr.Name, key)
		}
		log.G(ctx).WithField("entry", hdr.Name).
			Warnf("squashfs does not support xattr prefix of %s", key)
	}
	return nil
}

// validateSparse checks the invariants of a decoded sparse map: the
// segments are ordered and disjoint, their sizes add up to the bytes
// stored on the wire and the terminator names the logical file size.
func validateSparse(hdr *tar.Header) error {
	var next uint64
	var sum uint64

	segments := hdr.Sparse
	if len(segments) == 0 {
		return tar.ErrBrokenSparse
	}
	last := segments[len(segments)-1]
	if last.Count != 0 || last.Offset != uint64(hdr.Stat.Size) {
		return tar.ErrBrokenSparse
	}

	for _, s := range segments[:len(segments)-1] {
		if s.Offset < next {
			return tar.ErrBrokenSparse
		}
		next = s.Offset + s.Count
		sum += s.Count
	}
	if next > uint64(hdr.Stat.Size) || sum != uint64(hdr.RecordSize) {
		return tar.ErrBrokenSparse
	}
	return nil
}

func printStatistics(super *squashfs.Superblock, stats squashfs.Stats) {
	fmt.Printf("---------------------------------------------------\n")
	fmt.Printf("Input files processed: %d\n", stats.Files)
	fmt.Printf("Data blocks actually written: %d\n", stats.Blocks)
	fmt.Printf("Fragment blocks written: %d\n", stats.FragmentBlocks)
	fmt.Printf("Fragments actually written: %d\n", stats.Fragments)
	fmt.Printf("Duplicate files found: %d\n", stats.DedupFiles)
	fmt.Printf("Duplicate fragments found: %d\n", stats.DedupFragments)
	fmt.Printf("Bytes read: %d\n", stats.BytesRead)
	fmt.Printf("Data bytes written: %d\n", stats.BytesWritten)
	fmt.Printf("Image size: %d bytes, %d inodes\n", super.BytesUsed, super.InodeCount)
}
