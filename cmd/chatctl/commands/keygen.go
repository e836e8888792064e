package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"snakkaz-e2ee/internal/cryptocore"
)

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a session sealing key (CHATD_SEALING_KEY)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := cryptocore.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key.String())
			return nil
		},
	}
}
