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

package compression

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/klauspost/compress/zlib"
)

const (
	gzipDefaultLevel  = 9
	gzipDefaultWindow = 15
)

// gzipCompressor produces the zlib streams that squashfs calls "gzip".
type gzipCompressor struct {
	level  int
	window int

	writers sync.Pool
}

func newGzip(cfg Config, opts map[string]string) (Compressor, error) {
	c := &gzipCompressor{level: gzipDefaultLevel, window: gzipDefaultWindow}
	if v, ok := opts["level"]; ok {
		level, err := strconv.Atoi(v)
		if err != nil || level < 1 || level > 9 {
			return nil, fmt.Errorf("gzip level %q out of range: %w", v, errdefs.ErrInvalidArgument)
		}
		c.level = level
	}
	if v, ok := opts["window"]; ok {
		window, err := strconv.Atoi(v)
		if err != nil || window < 8 || window > 15 {
			return nil, fmt.Errorf("gzip window %q out of range: %w", v, errdefs.ErrInvalidArgument)
		}
		c.window = window
	}
	c.writers.New = func() any {
		zw, err := zlib.NewWriterLevel(io.Discard, c.level)
		if err != nil {
			panic(err)
		}
		return zw
	}
	return c, nil
}

func (c *gzipCompressor) ID() ID { return Gzip }

func (c *gzipCompressor) Compress(src []byte) ([]byte, error) {
	zw := c.writers.Get().(*zlib.Writer)
	defer c.writers.Put(zw)

	var buf bytes.Buffer
	buf.Grow(len(src))
	zw.Reset(&buf)
	if _, err := zw.Write(src); err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if buf.Len() >= len(src) {
		return nil, nil
	}
	return buf.Bytes(), nil
}

func (c *gzipCompressor) Decompress(src []byte, size int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	defer zr.Close()

	out := make([]byte, size)
	n, err := io.ReadFull(zr, out)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	return out[:n], nil
}

// Options serializes the squashfs gzip options header: compression
// level, window size and strategy flags. Defaults need no header.
func (c *gzipCompressor) Options() []byte {
	if c.level == gzipDefaultLevel && c.window == gzipDefaultWindow {
		return nil
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(c.level))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(c.window))
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	return buf
}
