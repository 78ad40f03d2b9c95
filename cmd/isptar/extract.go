package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/beam-cloud/isptar/pkg/catalog"
	"github.com/beam-cloud/isptar/pkg/common"
	"github.com/beam-cloud/isptar/pkg/gzstream"
	"github.com/beam-cloud/isptar/pkg/hook"
	"github.com/beam-cloud/isptar/pkg/record"
	"github.com/beam-cloud/isptar/pkg/tarcodec"
)

type extractOpts struct {
	base      []string
	listing   string
	root      string
	user      string
	tar       string
	plainFile string
	listOnly  bool
	execute   string
}

func newExtractCmd() *cobra.Command {
	opts := &extractOpts{}
	cmd := &cobra.Command{
		Use:   "extract ARCHIVE [NAME...]",
		Short: "extract files from a backup",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(opts, args[0], args[1:])
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVarP(&opts.base, "base", "B", nil, "path to base archive for differential backup")
	flags.StringVarP(&opts.listing, "listing", "L", "", "get file list from specified file")
	flags.StringVarP(&opts.root, "root", "R", "", "extract files to specified folder")
	flags.StringVarP(&opts.user, "user", "U", "", "act as specified user")
	flags.StringVarP(&opts.tar, "tar", "T", "", "extract files to tar archive")
	flags.StringVarP(&opts.plainFile, "plain-file", "P", "", "write single file content to stream")
	flags.BoolVarP(&opts.listOnly, "list-only", "D", false, "list files without extracting data")
	flags.StringVarP(&opts.execute, "execute", "E", "", "execute command to get slice if it missed")
	return cmd
}

func runExtract(opts *extractOpts, archivePath string, names []string) error {
	download, err := resolveHook(opts.execute)
	if err != nil {
		return err
	}
	src, err := catalog.Open(archivePath, opts.listing, download)
	if err != nil {
		return err
	}
	defer src.Close()
	for _, base := range opts.base {
		if err := src.AddBase(base, download); err != nil {
			return err
		}
	}

	switch {
	case opts.listOnly:
		return extractListOnly(src, names)
	case opts.tar != "":
		return extractToTar(src, names, opts.tar, opts.plainFile)
	default:
		return extractToRoot(src, names, opts.root, opts.user)
	}
}

func extractListOnly(src *catalog.Reader, names []string) error {
	for {
		ok, err := src.Read()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if common.CheckName(names, src.Info().Filename) {
			fmt.Println(src.Info().Str())
		}
	}
}

func extractToRoot(src *catalog.Reader, names []string, root, user string) error {
	if root == "" {
		if wd, err := os.Getwd(); err == nil {
			root = wd
		}
	}
	if user != "" {
		if _, _, err := hook.DropPrivileges(user); err != nil {
			return err
		}
	}

	w := record.NewWalk(root)
	defer w.Close()

	for {
		ok, err := src.Read()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		info := src.Info()
		if !common.CheckName(names, info.Filename) {
			continue
		}
		if err := w.Create(info); err != nil {
			fmt.Fprintf(os.Stderr, "%s\t%v\n", info.Filename, err)
			continue
		}
		if info.Kind == record.KindFile && info.Size > 0 {
			data, err := src.Data()
			if err != nil {
				return err
			}
			if err := w.CreateFile(info, data); err != nil {
				fmt.Fprintf(os.Stderr, "%s\t%v\n", info.Filename, err)
			}
		}
	}
}

// extractToTar rewrites the selected entries into a freestanding gzipped
// TAR stream rather than materializing them on disk. plainFile, when set,
// diverts exactly one regular file's payload to its own file on disk
// instead of into the tar (isptar.cpp's "dest" == tar branch).
func extractToTar(src *catalog.Reader, names []string, tarPath, plainFile string) error {
	out, err := os.Create(tarPath)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", common.ErrFormat, tarPath, err)
	}
	gzOut, err := gzstream.NewWriter(out, 9)
	if err != nil {
		out.Close()
		return err
	}
	w := tarcodec.NewWriter(gzOut)

	plainDone := false
	for {
		ok, err := src.Read()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		info := src.Info()
		if !common.CheckName(names, info.Filename) {
			continue
		}
		if plainDone {
			plainDone = false
			in, err := os.Open(plainFile)
			if err != nil {
				return fmt.Errorf("%w: reopen plain file %s: %v", common.ErrFormat, plainFile, err)
			}
			err = w.WriteData(in)
			in.Close()
			os.Remove(plainFile)
			if err != nil {
				return err
			}
		}
		if err := w.Add(info); err != nil {
			return err
		}
		if info.Kind == record.KindFile {
			switch {
			case plainFile != "":
				if info.Size > 0 {
					data, err := src.Data()
					if err != nil {
						return err
					}
					f, err := os.Create(plainFile)
					if err != nil {
						return fmt.Errorf("%w: create plain file %s: %v", common.ErrFormat, plainFile, err)
					}
					_, err = io.CopyBuffer(f, data, make([]byte, 64*1024))
					f.Close()
					if err != nil {
						return err
					}
				}
				plainDone = true
			case info.Size > 0:
				data, err := src.Data()
				if err != nil {
					return err
				}
				if err := w.WriteData(data); err != nil {
					return err
				}
			}
		}
	}

	if plainDone {
		out.Close()
		return os.Remove(tarPath)
	}
	if err := w.WriteTail(true); err != nil {
		return err
	}
	if err := gzOut.Flush(true); err != nil {
		return err
	}
	return out.Close()
}
