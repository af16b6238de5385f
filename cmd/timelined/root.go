package main

import (
	"github.com/spf13/cobra"
)

var (
	feedsFile string
	feedIDs   []string
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "timelined",
		Short:         "Real-time timeline sync engine",
		Long:          "timelined keeps home, public, hashtag, list, profile and direct feeds in sync with a streaming server, polling while the stream is down.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&feedsFile, "feeds-file", "", "YAML feeds file (default $FEEDS_FILE)")
	rootCmd.PersistentFlags().StringSliceVar(&feedIDs, "feed", nil, "feed id to open, e.g. home or hashtag:golang (repeatable)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newTailCmd())
	rootCmd.AddCommand(newRelayCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
