package main

import (
	"github.com/spf13/cobra"

	"github.com/beam-cloud/isptar/pkg/catalog"
	"github.com/beam-cloud/isptar/pkg/common"
	"github.com/beam-cloud/isptar/pkg/sender"
	"github.com/beam-cloud/isptar/pkg/slicedio"
)

type splitOpts struct {
	sliceSize   string
	refExecute  string
	saveListing string
	execute     string
	singlePart  bool
}

func newSplitCmd() *cobra.Command {
	opts := &splitOpts{}
	cmd := &cobra.Command{
		Use:   "split ARCHIVE [PREFIX]",
		Short: "split an archive merge created back into its parts",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := "master"
			if len(args) > 1 {
				prefix = args[1]
			}
			return runSplit(opts, args[0], prefix)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.sliceSize, "slice-size", "S", "1T", "set slice size")
	flags.StringVarP(&opts.refExecute, "ref-execute", "F", "", "execute command to get base slice if it missed")
	flags.StringVar(&opts.saveListing, "save-listing", "", "keep new listing file")
	flags.StringVarP(&opts.execute, "execute", "E", "", "execute command to upload a slice after it was created")
	flags.BoolVarP(&opts.singlePart, "single-part", "1", false, "save new archive as a single part")
	return cmd
}

func runSplit(opts *splitOpts, archivePath, prefix string) error {
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

	src, err := catalog.Open(archivePath, "", downloadHook)
	if err != nil {
		return err
	}
	defer src.Close()

	var writers []*slicedio.Writer
	newSender := func(name string) (*sender.TarSender, error) {
		listing := opts.saveListing
		if listing != "" && !opts.singlePart {
			listing += name
		}
		out, err := slicedio.NewWriter(name, sliceSize, uploadHook)
		if err != nil {
			return nil, err
		}
		writers = append(writers, out)
		return sender.New(out, listing)
	}

	if err := sender.Split(prefix, opts.singlePart, newSender, src); err != nil {
		return err
	}
	for _, out := range writers {
		if err := out.Finish(); err != nil {
			return err
		}
	}
	return nil
}
