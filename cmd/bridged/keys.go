package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"btc-bridge/internal/keys"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the configuration file and signing key",
	Long:  `Creates the configuration file with defaults when it does not exist and generates a signing key when none is set.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		km := keys.NewKeyManager()
		pub, err := km.GetPublicKey(cfg.Node.SigningKey)
		if err != nil {
			return err
		}
		addr, err := km.GetNativeAddress(cfg.Node.SigningKey)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Config:         %s\n", viper.GetString("config"))
		fmt.Fprintf(cmd.OutOrStdout(), "Public Key:     %s\n", pub)
		fmt.Fprintf(cmd.OutOrStdout(), "Native Address: %s\n", addr.Hex())
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a federator key pair",
	Long:  `Generates a secp256k1 key pair, or derives the public key and native address of --private.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		km := keys.NewKeyManager()
		privateKey, _ := cmd.Flags().GetString("private")
		generated := privateKey == ""
		if generated {
			var err error
			if privateKey, err = km.GeneratePrivateKey(); err != nil {
				return fmt.Errorf("error generating private key: %w", err)
			}
		}

		publicKey, err := km.GetPublicKey(privateKey)
		if err != nil {
			return fmt.Errorf("error getting public key: %w", err)
		}
		addr, err := km.GetNativeAddress(privateKey)
		if err != nil {
			return fmt.Errorf("error getting native address: %w", err)
		}

		out := cmd.OutOrStdout()
		if generated {
			fmt.Fprintf(out, "Private Key:    %s\n", privateKey)
		}
		fmt.Fprintf(out, "Public Key:     %s\n", publicKey)
		fmt.Fprintf(out, "Native Address: %s\n", addr.Hex())
		return nil
	},
}

func init() {
	keygenCmd.Flags().String("private", "", "Hex private key to derive the public key from")
}
