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
	"fmt"
	"io"
)

// sparseFileReader expands the condensed payload of a sparse entry
// into its logical byte stream: data segments come from the wire,
// holes read as zeros.
type sparseFileReader struct {
	body     io.Reader
	segments []SparseSegment
	size     int64
	pos      int64
	seg      int
}

// NewSparseFileReader builds the logical stream of a sparse file of
// the given size. The segment list must be ordered and non
// overlapping; zero-count terminator entries are ignored.
func NewSparseFileReader(body io.Reader, segments []SparseSegment, size int64) io.Reader {
	return &sparseFileReader{body: body, segments: segments, size: size}
}

func (r *sparseFileReader) Read(p []byte) (int, error) {
	if r.pos >= r.size {
		return 0, io.EOF
	}

	for r.seg < len(r.segments) && (r.segments[r.seg].Count == 0 ||
		r.pos >= int64(r.segments[r.seg].Offset+r.segments[r.seg].Count)) {
		r.seg++
	}

	// Hole until the next data segment, or to the end of the file.
	holeEnd := r.size
	inData := false
	if r.seg < len(r.segments) {
		s := r.segments[r.seg]
		if r.pos >= int64(s.Offset) {
			inData = true
		} else {
			holeEnd = int64(s.Offset)
		}
	}

	if !inData {
		n := int64(len(p))
		if n > holeEnd-r.pos {
			n = holeEnd - r.pos
		}
		for i := int64(0); i < n; i++ {
			p[i] = 0
		}
		r.pos += n
		return int(n), nil
	}

	s := r.segments[r.seg]
	n := int64(len(p))
	if rest := int64(s.Offset+s.Count) - r.pos; n > rest {
		n = rest
	}
	read, err := io.ReadFull(r.body, p[:n])
	r.pos += int64(read)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			err = fmt.Errorf("sparse payload truncated: %w", io.ErrUnexpectedEOF)
		}
		return read, err
	}
	return read, nil
}
