package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"snakkaz-e2ee/internal/groupkey"
	"snakkaz-e2ee/internal/keystore"
)

func groupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage versioned group keys",
	}
	cmd.AddCommand(
		groupCreateCmd(),
		groupRotateCmd(),
		groupShowCmd(),
		groupWrapCmd(),
		groupAcceptCmd(),
		groupEncryptCmd(),
		groupDecryptCmd(),
		groupFileKeyCmd(),
	)
	return cmd
}

// withGroups opens the key store and runs fn with a group key manager over it.
func withGroups(fn func(ks *keystore.Bolt, groups *groupkey.Manager) error) error {
	kx, err := keyExchange()
	if err != nil {
		return err
	}
	ks, err := openKeys()
	if err != nil {
		return err
	}
	defer ks.Close()
	return fn(ks, groupkey.New(ks, kx))
}

func groupCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <group-id>",
		Short: "Create version 1 of a group key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGroups(func(_ *keystore.Bolt, groups *groupkey.Manager) error {
				k, err := groups.Generate(args[0], cfg.UserID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), k)
			})
		},
	}
}

func groupRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <group-id>",
		Short: "Replace the current group key with the next version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGroups(func(_ *keystore.Bolt, groups *groupkey.Manager) error {
				k, err := groups.Rotate(args[0], cfg.UserID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), k)
			})
		},
	}
}

func groupShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <group-id>",
		Short: "Print the key history of a group (no secrets)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGroups(func(_ *keystore.Bolt, groups *groupkey.Manager) error {
				h, err := groups.History(args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), h)
			})
		},
	}
}

func groupWrapCmd() *cobra.Command {
	var version uint32
	cmd := &cobra.Command{
		Use:   "wrap <group-id> <member-public-key>",
		Short: "Seal a group key for a member's identity key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := decodeKeyArg(args[1])
			if err != nil {
				return err
			}
			return withGroups(func(_ *keystore.Bolt, groups *groupkey.Manager) error {
				w, err := groups.WrapForMember(args[0], version, pub)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), w)
			})
		},
	}
	cmd.Flags().Uint32Var(&version, "version", 0, "key version to wrap (default: current)")
	return cmd
}

func groupAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <wrapped.json>",
		Short: "Unwrap a group key sent to this device and store it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var w groupkey.WrappedKey
			if err := readJSON(args[0], &w); err != nil {
				return err
			}
			return withGroups(func(ks *keystore.Bolt, groups *groupkey.Manager) error {
				identity, err := keystore.KeyPair(ks, keystore.IdentityKeyID)
				if err != nil {
					return fmt.Errorf("load identity: %w", err)
				}
				k, err := groups.Accept(&w, identity)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "installed %s version %d\n", k.GroupID, k.Version)
				return nil
			})
		},
	}
}

func groupEncryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt <group-id> <text>",
		Short: "Seal a message under the current group key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGroups(func(_ *keystore.Bolt, groups *groupkey.Manager) error {
				msg, err := groups.Encrypt(args[0], []byte(args[1]))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), msg)
			})
		},
	}
}

func groupDecryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt <message.json>",
		Short: "Open a group message with the key version it names",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var msg groupkey.Message
			if err := readJSON(args[0], &msg); err != nil {
				return err
			}
			return withGroups(func(_ *keystore.Bolt, groups *groupkey.Manager) error {
				pt, err := groups.Decrypt(&msg)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(pt))
				return err
			})
		},
	}
}

func groupFileKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "file-key <group-id>",
		Short: "Generate a one-off key for a file shared in a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, key, err := groupkey.GenerateFileKey(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"keyId": id, "key": key.String()})
		},
	}
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
