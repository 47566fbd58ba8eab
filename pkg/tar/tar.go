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

// Package tar decodes tar archives from a forward-only stream. It
// understands the v7, ustar, PAX and GNU dialects, including GNU long
// names, old-style and PAX sparse files and the SCHILY/LIBARCHIVE
// vendor extensions for extended attributes.
//
// Unlike archive/tar, sparse files are not expanded transparently;
// the decoded header exposes the sparse map so that callers can encode
// holes without materializing them.
package tar

import (
	"errors"

	"github.com/tych0/squashfs-tools-ng/pkg/fstree"
)

const recordSize = 512

// Typeflag values of the tar header.
const (
	typeRegular    = '0'
	typeRegularOld = 0
	typeHardLink   = '1'
	typeSymlink    = '2'
	typeCharDev    = '3'
	typeBlockDev   = '4'
	typeDirectory  = '5'
	typeFifo       = '6'
	typeContiguous = '7'

	typeGNULongLink = 'K'
	typeGNULongName = 'L'
	typeGNUSparse   = 'S'
	typePAXGlobal   = 'g'
	typePAX         = 'x'
)

var (
	// ErrHeaderChecksum means a header record failed checksum
	// validation.
	ErrHeaderChecksum = errors.New("tar header checksum mismatch")

	// ErrHeaderFormat means a header record could not be decoded.
	ErrHeaderFormat = errors.New("malformed tar header")

	// ErrBrokenSparse means a sparse map could not be decoded.
	ErrBrokenSparse = errors.New("malformed sparse file map")
)

// SparseSegment is one data extent of a sparse file. A terminating
// segment with Count == 0 marks the logical end of file.
type SparseSegment struct {
	Offset uint64
	Count  uint64
}

// Header is one decoded archive entry. Stat.Size is the logical file
// size; RecordSize is the number of payload bytes actually stored in
// the archive, which is smaller for sparse files.
type Header struct {
	Name       string
	LinkTarget string
	Stat       fstree.Stat

	RecordSize int64
	Sparse     []SparseSegment
	Xattrs     map[string][]byte

	// Hardlink marks an entry that the archive stored as a hard
	// link. It is ingested as a regular file whose content is
	// whatever payload the record carries.
	Hardlink bool

	// Unknown is set when the record type cannot be represented;
	// name and sizes are still decoded so the entry can be skipped.
	Unknown bool
}

// IsSparse reports whether the entry carries a sparse file map.
func (h *Header) IsSparse() bool { return len(h.Sparse) > 0 }
