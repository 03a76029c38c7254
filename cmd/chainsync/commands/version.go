package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/version"
)

// MakeVersionCommand prints the version of the binary.
func MakeVersionCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !verbose {
				fmt.Fprintln(cmd.OutOrStdout(), version.Version)
				return nil
			}
			values, err := json.MarshalIndent(struct {
				Chainsync   string `json:"chainsync"`
				P2PProtocol uint32 `json:"p2p_protocol"`
			}{
				Chainsync:   version.Version,
				P2PProtocol: p2p.ProtocolVersion,
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(values))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show protocol version")
	return cmd
}
