// Command ephemeral-chat runs the ephemeral chat relay and its operator tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ephemeral-chat",
		Short: "Relay for short-lived, end-to-end encrypted chat sessions",
		Long: `ephemeral-chat relays encrypted messages between participants of
short-lived sessions identified by a six character access code. The server
never sees plaintext: session keys are chosen by the session creator and
messages are sealed client side.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(newServeCommand(), newKeygenCommand())
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
