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

	"github.com/containerd/errdefs"
	"github.com/ulikunitz/xz"
)

// xzMinDictSize is the smallest LZMA2 dictionary size xz accepts.
const xzMinDictSize = 4096

type xzCompressor struct {
	dictSize  uint32
	blockSize uint32
	wcfg      xz.WriterConfig
}

func newXZ(cfg Config, opts map[string]string) (Compressor, error) {
	c := &xzCompressor{dictSize: cfg.BlockSize, blockSize: cfg.BlockSize}
	if v, ok := opts["dictsize"]; ok {
		size, err := strconv.ParseUint(v, 0, 32)
		if err != nil || size < xzMinDictSize {
			return nil, fmt.Errorf("xz dictionary size %q out of range: %w", v, errdefs.ErrInvalidArgument)
		}
		c.dictSize = uint32(size)
	}
	dictCap := int(c.dictSize)
	if dictCap < xzMinDictSize {
		dictCap = xzMinDictSize
	}
	c.wcfg = xz.WriterConfig{DictCap: dictCap}
	if err := c.wcfg.Verify(); err != nil {
		return nil, fmt.Errorf("xz writer config: %w", err)
	}
	return c, nil
}

func (c *xzCompressor) ID() ID { return XZ }

func (c *xzCompressor) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(src))
	xw, err := c.wcfg.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("xz compress: %w", err)
	}
	if _, err := xw.Write(src); err != nil {
		return nil, fmt.Errorf("xz compress: %w", err)
	}
	if err := xw.Close(); err != nil {
		return nil, fmt.Errorf("xz compress: %w", err)
	}
	if buf.Len() >= len(src) {
		return nil, nil
	}
	return buf.Bytes(), nil
}

func (c *xzCompressor) Decompress(src []byte, size int) ([]byte, error) {
	xr, err := xz.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("xz decompress: %w", err)
	}
	out := make([]byte, size)
	n, err := io.ReadFull(xr, out)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("xz decompress: %w", err)
	}
	return out[:n], nil
}

// Options serializes the xz options header: dictionary size plus the
// (unused) BCJ filter flags.
func (c *xzCompressor) Options() []byte {
	if c.dictSize == c.blockSize {
		return nil
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], c.dictSize)
	binary.LittleEndian.PutUint32(buf[4:8], 0)
	return buf
}
