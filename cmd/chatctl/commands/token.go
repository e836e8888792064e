package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"snakkaz-e2ee/internal/authz"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue tokens for the local chatd API",
	}
	cmd.AddCommand(tokenIssueCmd(), tokenKeygenCmd())
	return cmd
}

func tokenIssueCmd() *cobra.Command {
	var (
		ttl        time.Duration
		ed25519Key string
		kid        string
	)
	cmd := &cobra.Command{
		Use:   "issue [subject]",
		Short: "Sign a bearer token (HS256 with the configured secret, or EdDSA)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sub := cfg.UserID
			if len(args) == 1 {
				sub = args[0]
			}
			if sub == "" {
				return errors.New("no subject: pass one or set user_id")
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			var (
				signer *authz.Signer
				err    error
			)
			switch {
			case ed25519Key != "":
				signer, err = authz.NewEd25519Signer(ed25519Key, kid, cfg.Auth.Issuer)
			case cfg.Auth.HS256Secret != "":
				signer, err = authz.NewHMACSigner(cfg.Auth.HS256Secret, cfg.Auth.Issuer)
			default:
				return errors.New("no signing key: set auth.hs256_secret or pass --ed25519-key")
			}
			if err != nil {
				return err
			}
			tok, err := signer.Sign(sub, ttl, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default from config)")
	cmd.Flags().StringVar(&ed25519Key, "ed25519-key", "", "base64 Ed25519 private key; signs EdDSA instead of HS256")
	cmd.Flags().StringVar(&kid, "kid", "chatctl", "key ID for EdDSA tokens")
	return cmd
}

func tokenKeygenCmd() *cobra.Command {
	var kid string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 signing key and print it with its JWKS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := authz.NewEd25519Signer("", kid, cfg.Auth.Issuer)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"privateKey": signer.PrivateKeyBase64(),
				"jwks":       signer.JWKS(),
			})
		},
	}
	cmd.Flags().StringVar(&kid, "kid", "chatctl", "key ID")
	return cmd
}
