/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/gersonrivera27/STACKPOS/internal/credentials"
	"github.com/spf13/cobra"
)

// hashCmd prints a bcrypt hash for seeding accounts by hand.
var hashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Print a bcrypt hash of a secret read from the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := promptSecret(cmd.ErrOrStderr(), "Secret")
		if err != nil {
			return err
		}
		hash, err := credentials.HashSecret(secret)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashCmd)
}
