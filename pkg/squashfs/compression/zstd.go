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
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/klauspost/compress/zstd"
)

const zstdDefaultLevel = 15

type zstdCompressor struct {
	level int
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

func newZstd(cfg Config, opts map[string]string) (Compressor, error) {
	c := &zstdCompressor{level: zstdDefaultLevel}
	if v, ok := opts["level"]; ok {
		level, err := strconv.Atoi(v)
		if err != nil || level < 1 || level > 22 {
			return nil, fmt.Errorf("zstd level %q out of range: %w", v, errdefs.ErrInvalidArgument)
		}
		c.level = level
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.level)),
		zstd.WithZeroFrames(true),
		zstd.WithEncoderCRC(false))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	c.enc = enc
	c.dec = dec
	return c, nil
}

func (c *zstdCompressor) ID() ID { return Zstd }

func (c *zstdCompressor) Compress(src []byte) ([]byte, error) {
	// EncodeAll is documented as safe for concurrent callers.
	out := c.enc.EncodeAll(src, make([]byte, 0, len(src)))
	if len(out) >= len(src) {
		return nil, nil
	}
	return out, nil
}

func (c *zstdCompressor) Decompress(src []byte, size int) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

func (c *zstdCompressor) Options() []byte {
	if c.level == zstdDefaultLevel {
		return nil
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(c.level))
	return buf
}
