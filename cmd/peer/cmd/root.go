// Package cmd holds the peer CLI: a headless participant of a shared
// surface room, useful for demos and smoke tests against a running relay.
package cmd

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	username  string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "peer",
	Short: "Headless Board mesh peer",
	Long:  "peer joins a Board room through the relay, opens direct links to every participant and exchanges surface events over them.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "ws://127.0.0.1:8080/api/ws/signal", "relay signaling URL")
	rootCmd.PersistentFlags().StringVarP(&username, "name", "n", "guest", "display name")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}
