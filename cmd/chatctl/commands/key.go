package commands

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"snakkaz-e2ee/internal/cryptocore"
	"snakkaz-e2ee/internal/keystore"
)

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage keys in the device key store",
	}
	cmd.AddCommand(keyListCmd(), keyImportChatCmd(), keyImportIdentityCmd(), keyShareChatCmd(), keyAcceptChatCmd(), keyRemoveCmd())
	return cmd
}

func keyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored key IDs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := openKeys()
			if err != nil {
				return err
			}
			defer ks.Close()
			ids, err := ks.IDs()
			if err != nil {
				return err
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

// key import-chat <conversation> <key>: migrate a chat key kept by an older
// client in hex, base64 or JWK form.
func keyImportChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-chat <conversation-id> <key>",
		Short: "Import a legacy chat key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := openKeys()
			if err != nil {
				return err
			}
			defer ks.Close()
			if _, err := keystore.MigrateLegacyChatKey(ks, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported chat key for %s\n", args[0])
			return nil
		},
	}
}

func keyImportIdentityCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "import-identity <jwk>",
		Short: "Import a legacy EC JWK key pair as the device identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := openKeys()
			if err != nil {
				return err
			}
			defer ks.Close()
			if _, err := keystore.KeyPair(ks, keystore.IdentityKeyID); err == nil && !force {
				return errors.New("an identity key is already stored; pass --force to replace it")
			} else if err != nil && !errors.Is(err, keystore.ErrNotFound) {
				return err
			}
			kp, err := keystore.MigrateLegacyKeyPair(ks, keystore.IdentityKeyID, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), identityView{
				Curve:       string(kp.Curve),
				PublicKey:   kp.PublicKey,
				Fingerprint: cryptocore.Fingerprint(kp.PublicKey),
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity key")
	return cmd
}

// key share-chat <conversation> <peer-public-key>: wrap the conversation's
// chat key, creating it first if needed, for the peer's identity key.
func keyShareChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "share-chat <conversation-id> <peer-public-key>",
		Short: "Wrap a chat key for a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := decodeKeyArg(args[1])
			if err != nil {
				return err
			}
			kx, err := keyExchange()
			if err != nil {
				return err
			}
			ks, err := openKeys()
			if err != nil {
				return err
			}
			defer ks.Close()
			w, err := keystore.ShareChatKey(ks, kx, args[0], pub)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), w)
		},
	}
}

func keyAcceptChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept-chat <conversation-id> <wrapped.json>",
		Short: "Unwrap a chat key shared with this device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var w cryptocore.WrappedKey
			if err := readJSON(args[1], &w); err != nil {
				return err
			}
			kx, err := keyExchange()
			if err != nil {
				return err
			}
			ks, err := openKeys()
			if err != nil {
				return err
			}
			defer ks.Close()
			identity, err := keystore.KeyPair(ks, keystore.IdentityKeyID)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}
			if _, err := keystore.AcceptSharedChatKey(ks, kx, identity, args[0], &w); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored chat key for %s\n", args[0])
			return nil
		},
	}
}

func keyRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a stored key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == keystore.IdentityKeyID {
				return errors.New("refusing to remove the identity key")
			}
			ks, err := openKeys()
			if err != nil {
				return err
			}
			defer ks.Close()
			return ks.Remove(args[0])
		},
	}
}

// decodeKeyArg parses a public key given on the command line in standard or
// URL-safe base64, as printed by "chatctl identity".
func decodeKeyArg(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawURLEncoding} {
		if raw, err := enc.DecodeString(s); err == nil {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("public key %q is not base64", s)
}
