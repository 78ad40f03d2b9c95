package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/beam-cloud/isptar/pkg/catalog"
	"github.com/beam-cloud/isptar/pkg/common"
	"github.com/beam-cloud/isptar/pkg/hook"
	"github.com/beam-cloud/isptar/pkg/sender"
	"github.com/beam-cloud/isptar/pkg/slicedio"
	"github.com/beam-cloud/isptar/pkg/walker"
)

type createOpts struct {
	sliceSize      string
	base           string
	baseListing    string
	copyData       bool
	refExecute     string
	saveListing    string
	exclude        []string
	root           string
	execute        string
	user           string
	backupHook     string
	backupHookExec string
}

func newCreateCmd() *cobra.Command {
	opts := &createOpts{}
	cmd := &cobra.Command{
		Use:   "create ARCHIVE PATH...",
		Short: "create a new backup archive",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(opts, args[0], args[1:])
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.sliceSize, "slice-size", "S", "100M", "set slice size")
	flags.StringVarP(&opts.base, "base", "B", "", "path to prev backup")
	flags.StringVarP(&opts.baseListing, "listing", "L", "", "get base's file list from specified file")
	flags.BoolVarP(&opts.copyData, "copy-data", "C", false, "copy data from prev backup into new")
	flags.StringVarP(&opts.refExecute, "ref-execute", "F", "", "execute command to get base slice if it missed")
	flags.StringVar(&opts.saveListing, "save-listing", "", "keep new listing file")
	flags.StringSliceVarP(&opts.exclude, "exclude", "X", nil, "exclude files from backup")
	flags.StringVarP(&opts.root, "root", "R", "", "search files starting from this folder")
	flags.StringVarP(&opts.execute, "execute", "E", "", "execute command to upload a slice after it was created")
	flags.StringVarP(&opts.user, "user", "U", "", "act as specified user")
	flags.StringVar(&opts.backupHook, "backup-hook", "", "execute script before and after backing up files with this prefix")
	flags.StringVar(&opts.backupHookExec, "backup-hook-script", "", "backup hook script path")
	return cmd
}

func runCreate(opts *createOpts, archivePath string, sources []string) error {
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
	send, err := sender.New(out, opts.saveListing)
	if err != nil {
		return err
	}

	if opts.base != "" {
		base, err := catalog.Open(opts.base, opts.baseListing, downloadHook)
		if err != nil {
			return err
		}
		send.SetSource(base, !opts.copyData)
	}

	root := opts.root
	if root == "" {
		if wd, err := os.Getwd(); err == nil {
			root = wd
		}
	}

	w := walker.New(root, opts.exclude)
	if opts.backupHook != "" {
		w.SetBackupHook(opts.backupHook, hook.NewScript(opts.backupHookExec).Run)
	}

	if opts.user != "" {
		if _, _, err := hook.DropPrivileges(opts.user); err != nil {
			return err
		}
	}

	for _, source := range sources {
		if err := w.Walk(source, send); err != nil {
			return fmt.Errorf("%w: walk %s: %v", common.ErrFormat, source, err)
		}
	}

	if err := send.WriteFooter(""); err != nil {
		return err
	}
	return out.Finish()
}
