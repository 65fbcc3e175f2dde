package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "dialogd",
		Short: "Chat message router for a multi-turn conversational agent",
	}
	root.AddCommand(newServeCmd(), newSweepCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
