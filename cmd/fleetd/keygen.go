package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pvik/fleetd/internal/sealed"
)

func init() {
	rootCmd.AddCommand(keygenCmd)
}

// keygen needs no config, so it skips the root pre-run
var keygenCmd = &cobra.Command{
	Use:              "keygen",
	Short:            "Print a new identity for [sealing] identity",
	Args:             cobra.NoArgs,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {},
	RunE: func(cmd *cobra.Command, args []string) error {
		identity, err := sealed.Generate()
		if err != nil {
			return err
		}
		fmt.Println(identity)
		return nil
	},
}
