package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/beam-cloud/isptar/pkg/catalog"
	"github.com/beam-cloud/isptar/pkg/common"
	"github.com/beam-cloud/isptar/pkg/pipe"
	"github.com/beam-cloud/isptar/pkg/sender"
	"github.com/beam-cloud/isptar/pkg/slicedio"
)

type serverOpts struct {
	sliceSize   string
	base        string
	baseListing string
	copyData    bool
	refExecute  string
	saveListing string
	execute     string
}

func newServerCmd() *cobra.Command {
	opts := &serverOpts{}
	cmd := &cobra.Command{
		Use:   "server ARCHIVE",
		Short: "receive a walk from a client over stdio and write an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(opts, args[0])
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.sliceSize, "slice-size", "S", "100M", "set slice size")
	flags.StringVarP(&opts.base, "base", "B", "", "path to prev backup")
	flags.StringVarP(&opts.baseListing, "listing", "L", "", "get base's file list from specified file")
	flags.BoolVarP(&opts.copyData, "copy-data", "C", false, "copy data from prev backup into new")
	flags.StringVarP(&opts.refExecute, "ref-execute", "F", "", "execute command to get base slice if it missed")
	flags.StringVar(&opts.saveListing, "save-listing", "", "keep new listing file")
	flags.StringVarP(&opts.execute, "execute", "E", "", "execute command to upload a slice after it was created")
	return cmd
}

func runServer(opts *serverOpts, archivePath string) error {
	sliceSize, err := common.ParseSize(opts.sliceSize)
	if err != nil {
		return err
	}
	uploadHook, err := resolveHook(opts.execute)
	if err != nil {
		return err
	}
	downloadHook, err := resolveHook(opts.refExecute)
	if err != nil {
		return err
	}

	out, err := slicedio.NewWriter(archivePath, sliceSize, uploadHook)
	if err != nil {
		return err
	}
	dest, err := sender.New(out, opts.saveListing)
	if err != nil {
		return err
	}

	if opts.base != "" {
		base, err := catalog.Open(opts.base, opts.baseListing, downloadHook)
		if err != nil {
			return err
		}
		dest.SetSource(base, !opts.copyData)
	}

	in := os.Stdin
	chunks := pipe.NewChunkReader(in)
	for {
		info, ok, err := pipe.ReadInfo(in)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		save, err := dest.SendInfo(info)
		if err != nil {
			return err
		}
		if err := pipe.WriteResponse(os.Stdout, save); err != nil {
			return err
		}
		if save {
			if err := dest.SendData(chunks); err != nil {
				return err
			}
			if err := chunks.DrainTerminator(); err != nil {
				return err
			}
		}
	}
	if err := dest.WriteFooter(""); err != nil {
		return err
	}
	return out.Finish()
}
