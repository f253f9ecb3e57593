package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opsmesh/dispatchd/internal/cli"
)

var rootCmd = &cobra.Command{Use: "dispatchd"}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
