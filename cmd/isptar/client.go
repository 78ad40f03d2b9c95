package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/beam-cloud/isptar/pkg/hook"
	"github.com/beam-cloud/isptar/pkg/pipe"
	"github.com/beam-cloud/isptar/pkg/walker"
)

type clientOpts struct {
	root           string
	user           string
	exclude        []string
	backupHook     string
	backupHookExec string
}

func newClientCmd() *cobra.Command {
	opts := &clientOpts{}
	cmd := &cobra.Command{
		Use:   "client PATH...",
		Short: "walk local files and stream them to a server over stdio",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(opts, args)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.root, "root", "R", "", "search files starting from this folder")
	flags.StringVarP(&opts.user, "user", "U", "", "act as specified user")
	flags.StringSliceVarP(&opts.exclude, "exclude", "X", nil, "exclude files from backup")
	flags.StringVar(&opts.backupHook, "backup-hook", "", "execute script before and after backing up files with this prefix")
	flags.StringVar(&opts.backupHookExec, "backup-hook-script", "", "backup hook script path")
	return cmd
}

func runClient(opts *clientOpts, sources []string) error {
	root := opts.root
	if root == "" {
		if wd, err := os.Getwd(); err == nil {
			root = wd
		}
	}

	send := pipe.NewClientSender(os.Stdout, os.Stdin)

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
			return err
		}
	}
	return send.Finish()
}
