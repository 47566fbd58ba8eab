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
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

const (
	lz4Version = 1
	lz4FlagHC  = 1
)

// lz4Compressor uses the raw lz4 block format, as squashfs expects.
type lz4Compressor struct {
	hc bool
}

func newLZ4(cfg Config, opts map[string]string) (Compressor, error) {
	c := &lz4Compressor{}
	if _, ok := opts["hc"]; ok {
		c.hc = true
	}
	return c, nil
}

func (c *lz4Compressor) ID() ID { return LZ4 }

func (c *lz4Compressor) Compress(src []byte) ([]byte, error) {
	dst := make([]byte, len(src))
	var (
		n   int
		err error
	)
	if c.hc {
		hc := lz4.CompressorHC{Level: lz4.Level9}
		n, err = hc.CompressBlock(src, dst)
	} else {
		var lc lz4.Compressor
		n, err = lc.CompressBlock(src, dst)
	}
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(src) {
		// Incompressible input.
		return nil, nil
	}
	return dst[:n], nil
}

func (c *lz4Compressor) Decompress(src []byte, size int) ([]byte, error) {
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(src, out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return out[:n], nil
}

// Options serializes the lz4 options header, which the format makes
// mandatory: stream format version and the HC flag.
func (c *lz4Compressor) Options() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], lz4Version)
	var flags uint32
	if c.hc {
		flags |= lz4FlagHC
	}
	binary.LittleEndian.PutUint32(buf[4:8], flags)
	return buf
}
