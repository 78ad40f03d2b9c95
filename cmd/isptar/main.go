// Command isptar creates, extracts and manipulates incremental, sliced,
// deduplicating TAR-shaped backup archives.
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	root := &cobra.Command{
		Use:   "isptar",
		Short: "incremental sliced TAR backup tool",
	}

	root.AddCommand(newCreateCmd())
	root.AddCommand(newExtractCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newIsolateCmd())
	root.AddCommand(newMergeCmd())
	root.AddCommand(newSplitCmd())
	root.AddCommand(newClientCmd())
	root.AddCommand(newServerCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
