package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/beam-cloud/isptar/pkg/catalog"
)

type listOpts struct {
	execute string
}

func newListCmd() *cobra.Command {
	opts := &listOpts{}
	cmd := &cobra.Command{
		Use:   "list ARCHIVE",
		Short: "print a backup's catalog listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, args[0])
		},
	}
	cmd.Flags().StringVarP(&opts.execute, "execute", "E", "", "execute command to get slice if it missed")
	return cmd
}

func runList(opts *listOpts, archivePath string) error {
	download, err := resolveHook(opts.execute)
	if err != nil {
		return err
	}
	src, err := catalog.Open(archivePath, "", download)
	if err != nil {
		return err
	}
	defer src.Close()

	for {
		ok, err := src.Read()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		fmt.Println(src.Info().Str())
	}
}
