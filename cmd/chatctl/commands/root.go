// Package commands implements chatctl, the operator CLI for a chatd device:
// identity and key management, session inspection, media envelopes and API
// tokens.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"snakkaz-e2ee/internal/config"
	"snakkaz-e2ee/internal/cryptocore"
	"snakkaz-e2ee/internal/keystore"
	"snakkaz-e2ee/internal/observability/logging"
	"snakkaz-e2ee/internal/ratchet"
	"snakkaz-e2ee/internal/store"
)

var (
	configPath   string
	keystorePath string
	passphrase   string
	databaseURL  string
	logLevel     string

	cfg config.Config
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "Manage the keys and sessions of a chatd device",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			slog.SetDefault(logging.NewLogger(logging.Config{
				ServiceName: "chatctl",
				Level:       logLevel,
				Output:      cmd.ErrOrStderr(),
			}))
			var err error
			if cfg, err = config.Read(configPath); err != nil {
				return err
			}
			if keystorePath != "" {
				cfg.Keystore.Path = keystorePath
			}
			if passphrase != "" {
				cfg.Keystore.Passphrase = passphrase
			}
			if databaseURL != "" {
				cfg.Database.URL = databaseURL
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CHATD_CONFIG"), "chatd TOML config file")
	root.PersistentFlags().StringVar(&keystorePath, "keystore", "", "device key store path (overrides config)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "key store passphrase (overrides config)")
	root.PersistentFlags().StringVar(&databaseURL, "database", "", "session database URL (overrides config)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")

	root.AddCommand(identityCmd(), keyCmd(), groupCmd(), sessionCmd(), mediaCmd(), tokenCmd(), keygenCmd())
	return root
}

func keyExchange() (*cryptocore.KeyExchange, error) {
	curve, err := cryptocore.ParseCurve(cfg.Curve)
	if err != nil {
		return nil, err
	}
	return cryptocore.NewKeyExchange(curve)
}

func openKeys() (*keystore.Bolt, error) {
	return keystore.OpenBolt(cfg.Keystore.Path, []byte(cfg.Keystore.Passphrase))
}

type sessionEnv struct {
	engine   *ratchet.Engine
	sessions *store.SessionStore
	close    func()
}

// openSessions opens the configured session database with an engine over it.
func openSessions(ctx context.Context) (*sessionEnv, error) {
	kx, err := keyExchange()
	if err != nil {
		return nil, err
	}
	var opts []store.Option
	if cfg.Database.SealingKey != "" {
		key, err := cryptocore.ImportLegacyKey(cfg.Database.SealingKey)
		if err != nil {
			return nil, fmt.Errorf("sealing key: %w", err)
		}
		opts = append(opts, store.WithSealingKey(key))
	}
	db, err := store.Open(store.Config{DSN: cfg.Database.URL, LogSQL: cfg.Database.LogSQL})
	if err != nil {
		return nil, err
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	st := store.New(db, opts...)
	if err := st.AutoMigrate(ctx); err != nil {
		closeDB()
		return nil, err
	}
	sessions := st.Sessions()
	return &sessionEnv{
		engine:   ratchet.New(sessions, kx, ratchet.WithLogger(slog.Default())),
		sessions: sessions,
		close:    closeDB,
	}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
