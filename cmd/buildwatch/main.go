package main

import (
	"os"

	"github.com/grovetools/buildwatch/cli"
)

func main() {
	rootCmd := cli.NewStandardCommand(
		"buildwatch",
		"Watchman session establishment for incremental builds",
	)

	rootCmd.AddCommand(newProbeCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
