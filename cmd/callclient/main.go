package main

import (
	"os"

	"github.com/mossy-p/webrtc-call/cmd/callclient/commands"
)

func main() {
	rootCmd := commands.RootCmd

	// Do not print usage when error occurs
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
