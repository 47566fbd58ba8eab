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
	"math/rand"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 128 * 1024

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("tar2sqfs block content "), 2000)

	for _, id := range Available() {
		id := id
		t.Run(id.String(), func(t *testing.T) {
			cmp, err := New(Config{ID: id, BlockSize: testBlockSize})
			require.NoError(t, err)
			require.Equal(t, id, cmp.ID())

			compressed, err := cmp.Compress(payload)
			require.NoError(t, err)
			require.NotNil(t, compressed, "repetitive input must shrink")
			require.Less(t, len(compressed), len(payload))

			restored, err := cmp.Decompress(compressed, len(payload))
			require.NoError(t, err)
			assert.Equal(t, payload, restored)
		})
	}
}

func TestIncompressibleInput(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	payload := make([]byte, 4096)
	rng.Read(payload)

	for _, id := range Available() {
		id := id
		t.Run(id.String(), func(t *testing.T) {
			cmp, err := New(Config{ID: id, BlockSize: testBlockSize})
			require.NoError(t, err)

			compressed, err := cmp.Compress(payload)
			require.NoError(t, err)
			assert.Nil(t, compressed, "random input must be stored raw")
		})
	}
}

func TestFromName(t *testing.T) {
	id, err := FromName("zstd")
	require.NoError(t, err)
	assert.Equal(t, Zstd, id)

	_, err = FromName("brotli")
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestOptions(t *testing.T) {
	// Defaults produce no options header, except for lz4 where the
	// format makes it mandatory.
	for _, id := range []ID{Gzip, XZ, Zstd} {
		cmp, err := New(Config{ID: id, BlockSize: testBlockSize})
		require.NoError(t, err)
		assert.Nil(t, cmp.Options(), id.String())
	}

	cmp, err := New(Config{ID: LZ4, BlockSize: testBlockSize})
	require.NoError(t, err)
	opts := cmp.Options()
	require.Len(t, opts, 8)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(opts[0:4]))

	cmp, err = New(Config{ID: Gzip, BlockSize: testBlockSize, Extra: "level=6"})
	require.NoError(t, err)
	opts = cmp.Options()
	require.Len(t, opts, 8)
	assert.Equal(t, uint32(6), binary.LittleEndian.Uint32(opts[0:4]))
	assert.Equal(t, uint16(15), binary.LittleEndian.Uint16(opts[4:6]))

	cmp, err = New(Config{ID: Zstd, BlockSize: testBlockSize, Extra: "level=3"})
	require.NoError(t, err)
	opts = cmp.Options()
	require.Len(t, opts, 4)
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(opts))
}

func TestBadOptions(t *testing.T) {
	_, err := New(Config{ID: Gzip, BlockSize: testBlockSize, Extra: "level=42"})
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)

	_, err = New(Config{ID: Gzip, BlockSize: testBlockSize, Extra: "sparkle=1"})
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)

	_, err = New(Config{ID: Zstd, BlockSize: testBlockSize, Extra: "window=9"})
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestUnsupportedCompressors(t *testing.T) {
	for _, id := range []ID{LZMA, LZO} {
		_, err := New(Config{ID: id, BlockSize: testBlockSize})
		assert.ErrorIs(t, err, errdefs.ErrNotImplemented)
	}
}

func TestHelpText(t *testing.T) {
	for _, id := range Available() {
		assert.NotEmpty(t, HelpText(id))
	}
}
