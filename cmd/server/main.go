package main

import (
	"fmt"
	"os"

	_ "github.com/dweam-team/world-arcade/internal/game/demo"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "world-arcade",
	Short:         "Serve interactive simulations to browser clients",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(newServeCmd(), newWorkerCmd(), newGamesCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
