package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/beam-cloud/isptar/pkg/common"
	"github.com/beam-cloud/isptar/pkg/gzstream"
	"github.com/beam-cloud/isptar/pkg/sender"
	"github.com/beam-cloud/isptar/pkg/slicedio"
)

type isolateOpts struct {
	execute string
}

func newIsolateCmd() *cobra.Command {
	opts := &isolateOpts{}
	cmd := &cobra.Command{
		Use:   "isolate ARCHIVE OUTPUT",
		Short: "extract a backup's catalog into a standalone file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIsolate(opts, args[0], args[1])
		},
	}
	cmd.Flags().StringVarP(&opts.execute, "execute", "E", "", "execute command to get slice if it missed")
	return cmd
}

func runIsolate(opts *isolateOpts, archivePath, outPath string) error {
	download, err := resolveHook(opts.execute)
	if err != nil {
		return err
	}
	in := slicedio.NewReader(archivePath, download)
	defer in.Close()

	head, err := gzstream.GetHeader(in)
	if err != nil {
		return err
	}
	if len(head) == 0 {
		return fmt.Errorf("%w: no header found in %s", common.ErrFormat, archivePath)
	}
	listingSize, err := atoi64(head[common.HeaderListingSize])
	if err != nil {
		return err
	}
	headerSize, err := atoi64(head[common.HeaderSize])
	if err != nil {
		return err
	}
	if _, err := in.Seek(0, -(listingSize + headerSize), io.SeekEnd); err != nil {
		return fmt.Errorf("%w: seek listing: %v", common.ErrFormat, err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", common.ErrFormat, outPath, err)
	}
	defer out.Close()

	return sender.MakeIsolated(io.LimitReader(in, listingSize), head, out)
}

func atoi64(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("%w: bad integer header field %q: %v", common.ErrFormat, s, err)
	}
	return n, nil
}
