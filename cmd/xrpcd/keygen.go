package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trickstertwo/xrpc"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a new cipher key",
	Long:  "Generates a random key for cipher.key in the base64: form. Every node exchanging messages must share it.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := xrpc.GenerateKey()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), xrpc.EncodeKey(key))
		return err
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
