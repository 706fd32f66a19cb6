package main

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

func registerKeygen(root *cobra.Command) {
	root.AddCommand(&cobra.Command{
		Use:   "keygen <path>",
		Short: "Generate a secp256k1 account key and print its address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err == nil {
				return fmt.Errorf("%s already exists", args[0])
			}
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			if err := crypto.SaveECDSA(args[0], key); err != nil {
				return fmt.Errorf("save key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), crypto.PubkeyToAddress(key.PublicKey).Hex())
			return nil
		},
	})
}
