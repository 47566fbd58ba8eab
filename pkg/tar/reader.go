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
	"io"

	"github.com/tych0/squashfs-tools-ng/pkg/fstree"
)

// Reader decodes tar entries from a forward-only byte stream.
type Reader struct {
	r      io.Reader
	buf    [recordSize]byte
	global *paxData
}

// NewReader wraps a raw, uncompressed tar stream.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (tr *Reader) readRecord() ([]byte, error) {
	if _, err := io.ReadFull(tr.r, tr.buf[:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("reading tar record: %w", err)
	}
	return tr.buf[:], nil
}

// ReadHeader decodes the next logical archive entry, consuming any
// long-name, long-link and PAX extension records that precede it. The
// stream is left positioned at the first byte of the entry payload.
// io.EOF is returned at the end-of-archive marker.
func (tr *Reader) ReadHeader() (*Header, error) {
	var (
		longName string
		longLink string
		pax      *paxData
	)

	for {
		block, err := tr.readRecord()
		if err != nil {
			return nil, err
		}

		if isZeroBlock(block) {
			block, err = tr.readRecord()
			if err != nil {
				return nil, err
			}
			if !isZeroBlock(block) {
				return nil, fmt.Errorf("lone zero record inside archive: %w", ErrHeaderFormat)
			}
			return nil, io.EOF
		}

		if err := verifyChecksum(block); err != nil {
			return nil, err
		}

		size, err := parseNumeric(block[124:136])
		if err != nil {
			return nil, err
		}

		switch block[156] {
		case typeGNULongName:
			if longName, err = tr.readStringPayload(size); err != nil {
				return nil, err
			}
		case typeGNULongLink:
			if longLink, err = tr.readStringPayload(size); err != nil {
				return nil, err
			}
		case typePAX:
			payload, err := tr.readPayload(size)
			if err != nil {
				return nil, err
			}
			if pax == nil {
				pax = newPaxData()
			}
			if err := pax.parse(payload); err != nil {
				return nil, err
			}
		case typePAXGlobal:
			payload, err := tr.readPayload(size)
			if err != nil {
				return nil, err
			}
			if tr.global == nil {
				tr.global = newPaxData()
			}
			if err := tr.global.parse(payload); err != nil {
				return nil, err
			}
		default:
			return tr.decodeHeader(block, size, longName, longLink, pax)
		}
	}
}

func cString(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}

func isUstarMagic(block []byte) bool {
	// "ustar\x00" (POSIX) or "ustar " (old GNU).
	return bytes.Equal(block[257:262], []byte("ustar"))
}

func (tr *Reader) decodeHeader(block []byte, size int64, longName, longLink string, pax *paxData) (*Header, error) {
	hdr := &Header{
		RecordSize: size,
		Xattrs:     map[string][]byte{},
	}

	mode, err := parseNumeric(block[100:108])
	if err != nil {
		return nil, err
	}
	uid, err := parseNumeric(block[108:116])
	if err != nil {
		return nil, err
	}
	gid, err := parseNumeric(block[116:124])
	if err != nil {
		return nil, err
	}
	mtime, err := parseNumeric(block[136:148])
	if err != nil {
		return nil, err
	}

	hdr.Name = cString(block[0:100])
	hdr.LinkTarget = cString(block[157:257])
	hdr.Stat = fstree.Stat{
		Mode:  uint32(mode) & fstree.PermMask,
		UID:   uint32(uid),
		GID:   uint32(gid),
		MTime: mtime,
		Size:  size,
	}

	typeflag := block[156]
	switch typeflag {
	case typeRegular, typeRegularOld, typeContiguous, typeGNUSparse:
		hdr.Stat.Mode |= fstree.FormatRegular
	case typeHardLink:
		hdr.Stat.Mode |= fstree.FormatRegular
		hdr.Hardlink = true
	case typeSymlink:
		hdr.Stat.Mode |= fstree.FormatSymlink
		hdr.RecordSize = 0
		hdr.Stat.Size = 0
	case typeCharDev:
		hdr.Stat.Mode |= fstree.FormatCharD
	case typeBlockDev:
		hdr.Stat.Mode |= fstree.FormatBlockD
	case typeDirectory:
		hdr.Stat.Mode |= fstree.FormatDir
		hdr.RecordSize = 0
		hdr.Stat.Size = 0
	case typeFifo:
		hdr.Stat.Mode |= fstree.FormatFifo
		hdr.RecordSize = 0
		hdr.Stat.Size = 0
	default:
		hdr.Unknown = true
	}

	if typeflag == typeCharDev || typeflag == typeBlockDev {
		major, err := parseNumeric(block[329:337])
		if err != nil {
			return nil, err
		}
		minor, err := parseNumeric(block[337:345])
		if err != nil {
			return nil, err
		}
		hdr.Stat.DevMajor = uint32(major)
		hdr.Stat.DevMinor = uint32(minor)
	}

	if isUstarMagic(block) && block[257+5] == 0 {
		if prefix := cString(block[345:500]); prefix != "" {
			hdr.Name = prefix + "/" + hdr.Name
		}
	}

	if longName != "" {
		hdr.Name = longName
	}
	if longLink != "" {
		hdr.LinkTarget = longLink
	}

	if tr.global != nil {
		tr.global.apply(hdr)
	}
	if pax != nil {
		pax.apply(hdr)
	}

	if typeflag == typeGNUSparse {
		if err := tr.decodeOldSparse(block, hdr); err != nil {
			return nil, err
		}
	} else if pax != nil && pax.sparse.detected() {
		if err := tr.decodePaxSparse(pax, hdr); err != nil {
			return nil, err
		}
	}

	return hdr, nil
}

// readPayload reads an extension record payload plus its padding.
func (tr *Reader) readPayload(size int64) ([]byte, error) {
	if size < 0 || size > 1<<26 {
		return nil, fmt.Errorf("extension record of %d bytes: %w", size, ErrHeaderFormat)
	}
	padded := (size + recordSize - 1) &^ (recordSize - 1)
	buf := make([]byte, padded)
	if _, err := io.ReadFull(tr.r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("reading tar extension payload: %w", err)
	}
	return buf[:size], nil
}

func (tr *Reader) readStringPayload(size int64) (string, error) {
	buf, err := tr.readPayload(size)
	if err != nil {
		return "", err
	}
	return cString(buf), nil
}

// Body returns a reader over the entry's on-wire payload. The caller
// must drain it fully and then call SkipPadding.
func (tr *Reader) Body(hdr *Header) io.Reader {
	return io.LimitReader(tr.r, hdr.RecordSize)
}

// SkipPadding advances past the zero padding that rounds an n byte
// payload up to the record boundary.
func (tr *Reader) SkipPadding(n int64) error {
	pad := (recordSize - n%recordSize) % recordSize
	if pad == 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, tr.r, pad); err != nil {
		return fmt.Errorf("skipping record padding: %w", err)
	}
	return nil
}

// Skip discards an entire entry payload including padding, leaving the
// stream at the next header.
func (tr *Reader) Skip(n int64) error {
	padded := (n + recordSize - 1) &^ (recordSize - 1)
	if padded == 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, tr.r, padded); err != nil {
		return fmt.Errorf("skipping record payload: %w", err)
	}
	return nil
}
