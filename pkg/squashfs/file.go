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
	"fmt"
	"os"
	"sync"
)

// File is the random-access sink a squashfs image is written to.
// *os.File satisfies it.
type File interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
}

// Output wraps the image file and tracks its logical end, so that
// sequential table writers do not have to stat the file after every
// write. Appends come from a single goroutine; concurrent ReadAt
// calls (deduplication verification) are allowed for ranges below the
// current end.
type Output struct {
	f    File
	mu   sync.Mutex
	size int64
}

// NewOutput wraps an image file whose current logical size is size.
func NewOutput(f File, size int64) *Output {
	return &Output{f: f, size: size}
}

// OpenOutputFile creates the image file. Without force, an existing
// file is an error; with force it is truncated.
func OpenOutputFile(path string, force bool) (*os.File, error) {
	flags := os.O_RDWR | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return f, nil
}

// Size returns the current logical end of the image.
func (o *Output) Size() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.size
}

// Append writes p at the current end of the image and returns the
// offset it was written at.
func (o *Output) Append(p []byte) (int64, error) {
	o.mu.Lock()
	off := o.size
	o.mu.Unlock()

	if _, err := o.f.WriteAt(p, off); err != nil {
		return 0, fmt.Errorf("writing image data at %d: %w", off, err)
	}

	o.mu.Lock()
	o.size = off + int64(len(p))
	o.mu.Unlock()
	return off, nil
}

// WriteAt rewrites an already allocated range, e.g. the superblock.
func (o *Output) WriteAt(p []byte, off int64) error {
	if _, err := o.f.WriteAt(p, off); err != nil {
		return fmt.Errorf("writing image data at %d: %w", off, err)
	}
	o.mu.Lock()
	if end := off + int64(len(p)); end > o.size {
		o.size = end
	}
	o.mu.Unlock()
	return nil
}

// ReadAt reads back previously written image bytes.
func (o *Output) ReadAt(p []byte, off int64) error {
	if _, err := o.f.ReadAt(p, off); err != nil {
		return fmt.Errorf("reading image data at %d: %w", off, err)
	}
	return nil
}

// Truncate discards everything past size, rolling back the append
// cursor. Used when a freshly written file turned out to be a
// duplicate.
func (o *Output) Truncate(size int64) error {
	if err := o.f.Truncate(size); err != nil {
		return fmt.Errorf("truncating image to %d: %w", size, err)
	}
	o.mu.Lock()
	o.size = size
	o.mu.Unlock()
	return nil
}

// PadTo zero-pads the image so its length is a multiple of
// devBlockSize.
func (o *Output) PadTo(devBlockSize int64) error {
	size := o.Size()
	if size%devBlockSize == 0 {
		return nil
	}
	pad := devBlockSize - size%devBlockSize
	_, err := o.Append(make([]byte, pad))
	return err
}
