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

package convert

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"

	"github.com/tych0/squashfs-tools-ng/pkg/fstree"
	"github.com/tych0/squashfs-tools-ng/pkg/squashfs"
	"github.com/tych0/squashfs-tools-ng/pkg/squashfs/compression"
)

// Config carries every knob of a conversion run. There is no global
// state; the CLI builds one of these and hands it to Run.
type Config struct {
	Filename string

	Compressor compression.ID
	CompExtra  string

	NumJobs    int
	MaxBacklog int

	BlockSize    uint32
	DevBlockSize int64

	Defaults fstree.Defaults

	KeepTime   bool
	NoSkip     bool
	NoXattr    bool
	Exportable bool
	Force      bool
	Quiet      bool
}

// DefaultConfig returns the configuration used when no options are
// given.
func DefaultConfig() Config {
	return Config{
		Compressor:   compression.Default(),
		NumJobs:      1,
		BlockSize:    squashfs.DefaultBlockSize,
		DevBlockSize: squashfs.DefaultDevBlockSize,
		Defaults:     fstree.Defaults{Mode: 0o755},
	}
}

// ParseDefaults interprets the --defaults option value, a comma
// separated list of uid=, gid=, mode= and mtime= assignments applied
// to implicitly created directories.
func ParseDefaults(s string) (fstree.Defaults, error) {
	d := fstree.Defaults{Mode: 0o755}
	if s == "" {
		return d, nil
	}
	for _, field := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return d, fmt.Errorf("defaults entry %q is not key=value: %w", field, errdefs.ErrInvalidArgument)
		}
		// Base 0 so that mode accepts the usual octal spelling.
		v, err := strconv.ParseUint(value, 0, 32)
		if err != nil {
			return d, fmt.Errorf("defaults entry %q: %w", field, errdefs.ErrInvalidArgument)
		}
		switch key {
		case "uid":
			d.UID = uint32(v)
		case "gid":
			d.GID = uint32(v)
		case "mode":
			d.Mode = uint32(v) & fstree.PermMask
		case "mtime":
			d.MTime = int64(v)
		default:
			return d, fmt.Errorf("unknown defaults key %q: %w", key, errdefs.ErrInvalidArgument)
		}
	}
	return d, nil
}
