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

package tar

import (
	"bytes"
	"fmt"
	"strconv"
)

const (
	oldSparseEntries     = 4
	oldSparseContEntries = 21
	sparseEntrySize      = 24
)

// decodeOldSparse reads the sparse map of an old-style GNU sparse
// record ('S'): four entries inline in the header, then continuation
// records while the isextended flag is set.
func (tr *Reader) decodeOldSparse(block []byte, hdr *Header) error {
	realSize, err := parseNumeric(block[483:495])
	if err != nil {
		return err
	}

	segments, done, err := parseSparseEntries(block[386:482], oldSparseEntries)
	if err != nil {
		return err
	}
	extended := !done && block[482] != 0

	for extended {
		cont, err := tr.readRecord()
		if err != nil {
			return err
		}
		more, done, err := parseSparseEntries(cont[:oldSparseContEntries*sparseEntrySize], oldSparseContEntries)
		if err != nil {
			return err
		}
		segments = append(segments, more...)
		extended = !done && cont[504] != 0
	}

	hdr.Stat.Size = realSize
	hdr.Sparse = append(segments, SparseSegment{Offset: uint64(realSize)})
	return nil
}

// parseSparseEntries decodes up to n packed {offset, numbytes} pairs.
// An all-NUL entry terminates the list early.
func parseSparseEntries(data []byte, n int) ([]SparseSegment, bool, error) {
	var segments []SparseSegment
	for i := 0; i < n; i++ {
		entry := data[i*sparseEntrySize : (i+1)*sparseEntrySize]
		if isZeroBlock(entry) {
			return segments, true, nil
		}
		offset, err := parseNumeric(entry[0:12])
		if err != nil {
			return nil, false, fmt.Errorf("sparse entry offset: %w", ErrBrokenSparse)
		}
		count, err := parseNumeric(entry[12:24])
		if err != nil {
			return nil, false, fmt.Errorf("sparse entry size: %w", ErrBrokenSparse)
		}
		segments = append(segments, SparseSegment{Offset: uint64(offset), Count: uint64(count)})
	}
	return segments, false, nil
}

// decodePaxSparse finalizes the sparse map of a PAX entry. For the 1.0
// encoding the map is stored at the front of the payload and has to be
// consumed here; the wire size shrinks accordingly.
func (tr *Reader) decodePaxSparse(pax *paxData, hdr *Header) error {
	s := &pax.sparse

	if s.isV1() {
		if s.name != "" {
			hdr.Name = s.name
		}
		segments, consumed, err := tr.readV1SparseMap()
		if err != nil {
			return err
		}
		if s.realSize >= 0 {
			hdr.Stat.Size = s.realSize
		}
		hdr.RecordSize -= consumed
		if hdr.RecordSize < 0 {
			return fmt.Errorf("sparse map larger than record: %w", ErrBrokenSparse)
		}
		hdr.Sparse = append(segments, SparseSegment{Offset: uint64(hdr.Stat.Size)})
		return nil
	}

	if s.haveOffset {
		return fmt.Errorf("dangling GNU.sparse.offset: %w", ErrBrokenSparse)
	}
	if s.numBlocks >= 0 && int(s.numBlocks) != len(s.segments) {
		return fmt.Errorf("GNU.sparse.numblocks disagrees with map: %w", ErrBrokenSparse)
	}
	if s.realSize >= 0 {
		hdr.Stat.Size = s.realSize
	}
	hdr.Sparse = append(append([]SparseSegment(nil), s.segments...),
		SparseSegment{Offset: uint64(hdr.Stat.Size)})
	return nil
}

// readV1SparseMap reads the decimal sparse map that GNU tar 1.0 stores
// at the start of the file payload: a segment count followed by
// offset/size pairs, one number per line, padded to a record boundary.
func (tr *Reader) readV1SparseMap() ([]SparseSegment, int64, error) {
	var (
		buf      []byte
		pos      int
		consumed int64
		numbers  []uint64
		want     = -1
	)

	for want < 0 || len(numbers) < want {
		if consumed >= 1<<24 {
			return nil, 0, fmt.Errorf("unreasonably large sparse map: %w", ErrBrokenSparse)
		}
		rec, err := tr.readRecord()
		if err != nil {
			return nil, 0, err
		}
		buf = append(buf, rec...)
		consumed += recordSize

		for want < 0 || len(numbers) < want {
			nl := bytes.IndexByte(buf[pos:], '\n')
			if nl < 0 {
				break
			}
			v, err := strconv.ParseUint(string(buf[pos:pos+nl]), 10, 63)
			if err != nil {
				return nil, 0, fmt.Errorf("bad sparse map number: %w", ErrBrokenSparse)
			}
			pos += nl + 1
			if want < 0 {
				want = 2 * int(v)
				continue
			}
			numbers = append(numbers, v)
		}
	}

	segments := make([]SparseSegment, 0, want/2)
	for i := 0; i < want/2; i++ {
		segments = append(segments, SparseSegment{
			Offset: numbers[2*i],
			Count:  numbers[2*i+1],
		})
	}
	return segments, consumed, nil
}
