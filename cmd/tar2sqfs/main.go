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

// tar2sqfs reads an uncompressed tar archive from standard input and
// turns it into a squashfs filesystem image.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/tych0/squashfs-tools-ng/internal/convert"
	"github.com/tych0/squashfs-tools-ng/pkg/squashfs"
	"github.com/tych0/squashfs-tools-ng/pkg/squashfs/compression"
)

var version = "1.1.0"

func main() {
	if err := app().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "tar2sqfs: %v\n", err)
		os.Exit(1)
	}
}

func app() *cli.App {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"V"},
		Usage:   "print version information and exit",
	}

	var names []string
	for _, id := range compression.Available() {
		names = append(names, id.String())
	}

	return &cli.App{
		Name:      "tar2sqfs",
		Usage:     "turn a tar archive into a squashfs image",
		ArgsUsage: "<sqfsfile>",
		Version:   version,
		Description: "Read an uncompressed tar archive from stdin and turn it into a\n" +
			"squashfs filesystem image.\n\n" +
			"Available compressors: " + strings.Join(names, ", ") +
			" (default: " + compression.Default().String() + ")",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "compressor",
				Aliases: []string{"c"},
				Usage:   "select the compressor to use",
				Value:   compression.Default().String(),
			},
			&cli.StringFlag{
				Name:    "comp-extra",
				Aliases: []string{"X"},
				Usage:   "comma separated list of extra compressor options, or 'help'",
			},
			&cli.IntFlag{
				Name:    "num-jobs",
				Aliases: []string{"j"},
				Usage:   "number of compressor jobs to create",
				Value:   1,
			},
			&cli.IntFlag{
				Name:    "queue-backlog",
				Aliases: []string{"Q"},
				Usage:   "maximum number of data blocks in flight before the packer waits (default: 10 * jobs)",
			},
			&cli.UintFlag{
				Name:    "block-size",
				Aliases: []string{"b"},
				Usage:   "block size to use for the squashfs image",
				Value:   squashfs.DefaultBlockSize,
			},
			&cli.Int64Flag{
				Name:    "dev-block-size",
				Aliases: []string{"B"},
				Usage:   "device block size to pad the image to",
				Value:   squashfs.DefaultDevBlockSize,
			},
			&cli.StringFlag{
				Name:    "defaults",
				Aliases: []string{"d"},
				Usage:   "comma separated list of uid=,gid=,mode=,mtime= defaults for implicitly created directories",
			},
			&cli.BoolFlag{
				Name:    "no-skip",
				Aliases: []string{"s"},
				Usage:   "abort if a tar record cannot be read instead of skipping it",
			},
			&cli.BoolFlag{
				Name:    "no-xattr",
				Aliases: []string{"x"},
				Usage:   "do not copy extended attributes from the archive",
			},
			&cli.BoolFlag{
				Name:    "keep-time",
				Aliases: []string{"k"},
				Usage:   "keep the time stamps stored in the archive instead of the defaults",
			},
			&cli.BoolFlag{
				Name:    "exportable",
				Aliases: []string{"e"},
				Usage:   "generate an export table for NFS support",
			},
			&cli.BoolFlag{
				Name:    "force",
				Aliases: []string{"f"},
				Usage:   "overwrite the output file if it exists",
			},
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "do not print out progress reports",
			},
		},
		Action: run,
	}
}

func run(clicontext *cli.Context) error {
	cfg := convert.DefaultConfig()

	id, err := compression.FromName(clicontext.String("compressor"))
	if err != nil {
		return err
	}
	cfg.Compressor = id
	cfg.CompExtra = clicontext.String("comp-extra")

	if cfg.CompExtra == "help" {
		fmt.Print(compression.HelpText(cfg.Compressor))
		return nil
	}

	cfg.NumJobs = clicontext.Int("num-jobs")
	cfg.MaxBacklog = clicontext.Int("queue-backlog")
	cfg.BlockSize = uint32(clicontext.Uint("block-size"))
	cfg.DevBlockSize = clicontext.Int64("dev-block-size")
	if cfg.DevBlockSize < squashfs.MinDevBlockSize {
		return fmt.Errorf("device block size must be at least %d", squashfs.MinDevBlockSize)
	}

	cfg.Defaults, err = convert.ParseDefaults(clicontext.String("defaults"))
	if err != nil {
		return err
	}

	cfg.NoSkip = clicontext.Bool("no-skip")
	cfg.NoXattr = clicontext.Bool("no-xattr")
	cfg.KeepTime = clicontext.Bool("keep-time")
	cfg.Exportable = clicontext.Bool("exportable")
	cfg.Force = clicontext.Bool("force")
	cfg.Quiet = clicontext.Bool("quiet")

	if clicontext.Args().Len() != 1 {
		return fmt.Errorf("exactly one squashfs image argument expected")
	}
	cfg.Filename = clicontext.Args().First()

	return convert.Run(context.Background(), cfg, os.Stdin)
}
