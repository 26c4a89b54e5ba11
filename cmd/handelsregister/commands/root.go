package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "handelsregister",
	Short: "handelsregister is a CLI for searching the German company register and downloading its documents.",
}

var configPath *string
var debug *bool

func init() {
	configPath = rootCmd.PersistentFlags().String("config", "handelsregister.json5", "The config file to read, <name>.local.json5 overrides it.")
	debug = rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging and dump every http exchange to .dev/resty.")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
