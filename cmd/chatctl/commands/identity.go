package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"snakkaz-e2ee/internal/cryptocore"
	"snakkaz-e2ee/internal/keystore"
)

type identityView struct {
	UserID      string `json:"userId,omitempty"`
	Curve       string `json:"curve"`
	PublicKey   []byte `json:"publicKey"`
	Fingerprint string `json:"fingerprint"`
	Created     bool   `json:"created,omitempty"`
}

func identityCmd() *cobra.Command {
	var create bool
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Print the device identity key and its fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			kx, err := keyExchange()
			if err != nil {
				return err
			}
			ks, err := openKeys()
			if err != nil {
				return err
			}
			defer ks.Close()

			var (
				kp      cryptocore.KeyPair
				created bool
			)
			if create {
				kp, created, err = keystore.LoadOrCreateIdentity(ks, kx)
			} else {
				kp, err = keystore.KeyPair(ks, keystore.IdentityKeyID)
				if errors.Is(err, keystore.ErrNotFound) {
					return errors.New("no identity key yet; rerun with --create or start chatd")
				}
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), identityView{
				UserID:      cfg.UserID,
				Curve:       string(kp.Curve),
				PublicKey:   kp.PublicKey,
				Fingerprint: cryptocore.Fingerprint(kp.PublicKey),
				Created:     created,
			})
		},
	}
	cmd.Flags().BoolVar(&create, "create", false, "generate the identity key if none is stored")
	return cmd
}
