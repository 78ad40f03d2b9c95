package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/beam-cloud/isptar/pkg/common"
	"github.com/beam-cloud/isptar/pkg/sender"
	"github.com/beam-cloud/isptar/pkg/slicedio"
)

type mergeOpts struct {
	sliceSize   string
	refExecute  string
	saveListing string
	execute     string
}

func newMergeCmd() *cobra.Command {
	opts := &mergeOpts{}
	cmd := &cobra.Command{
		Use:   "merge OUTPUT ARCHIVE [BASE...] [: ARCHIVE [BASE...]]...",
		Short: "merge several archives into one multi-part archive",
		Long: "merge fuses each ':' separated group of archives into a single output, " +
			"recording part boundaries so split can later separate them back out",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMerge(opts, args[0], args[1:])
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.sliceSize, "slice-size", "S", "1T", "set slice size")
	flags.StringVarP(&opts.refExecute, "ref-execute", "F", "", "execute command to get base slice if it missed")
	flags.StringVar(&opts.saveListing, "save-listing", "", "keep new listing file")
	flags.StringVarP(&opts.execute, "execute", "E", "", "execute command to upload a slice after it was created")
	return cmd
}

func runMerge(opts *mergeOpts, output string, rest []string) error {
	groups := splitGroups(rest)
	if len(groups) == 0 {
		return fmt.Errorf("%w: merge needs at least one archive group", common.ErrUsage)
	}

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

	out, err := slicedio.NewWriter(output, sliceSize, uploadHook)
	if err != nil {
		return err
	}
	dest, err := sender.New(out, opts.saveListing)
	if err != nil {
		return err
	}

	if err := sender.Merge(dest, groups, downloadHook); err != nil {
		return err
	}
	return out.Finish()
}

// splitGroups breaks a flat archive-and-base argument list into groups at
// each token that starts with ":", a bare ":" or a ":label" alike
// (isptar.cpp main()'s merge-argument scan,
// args->Args(arg)[0] != ':', adapted to drop the separator outright
// rather than carry its quirky inline label).
func splitGroups(args []string) [][]string {
	var groups [][]string
	var cur []string
	for _, a := range args {
		if a == ":" || strings.HasPrefix(a, ":") {
			if len(cur) > 0 {
				groups = append(groups, cur)
			}
			cur = nil
			continue
		}
		cur = append(cur, a)
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}
