package main

import (
	"encoding/base64"
	"fmt"
	"io"

	"github.com/codleed/ephemeral-chat/chatcrypto"
	"github.com/spf13/cobra"
)

func newKeygenCommand() *cobra.Command {
	var pair bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print a fresh session key",
		Long: `Print a fresh random session key (64 hex characters). With --pair, also
print a P-256 key pair, base64 encoded, for exercising key agreement.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runKeygen(cmd.OutOrStdout(), pair)
		},
	}
	cmd.Flags().BoolVar(&pair, "pair", false, "also print an ECDH P-256 key pair")
	return cmd
}

func runKeygen(w io.Writer, pair bool) error {
	key, err := chatcrypto.GenerateSessionKey()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "session_key: %s\n", key); err != nil {
		return err
	}
	if !pair {
		return nil
	}
	kp, err := chatcrypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "public_key:  %s\nprivate_key: %s\n",
		base64.StdEncoding.EncodeToString(kp.PublicKey()),
		base64.StdEncoding.EncodeToString(kp.PrivateKey()),
	)
	return err
}
