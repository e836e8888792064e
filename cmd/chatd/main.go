package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"snakkaz-e2ee/internal/authz"
	"snakkaz-e2ee/internal/channel"
	"snakkaz-e2ee/internal/config"
	"snakkaz-e2ee/internal/cryptocore"
	"snakkaz-e2ee/internal/keystore"
	"snakkaz-e2ee/internal/observability/logging"
	"snakkaz-e2ee/internal/observability/metrics"
	"snakkaz-e2ee/internal/ratchet"
	"snakkaz-e2ee/internal/signaling"
	"snakkaz-e2ee/internal/signaling/pgnotify"
	"snakkaz-e2ee/internal/signaling/ws"
	"snakkaz-e2ee/internal/store"
	transport "snakkaz-e2ee/internal/transport/http"
	"snakkaz-e2ee/internal/transport/loopback"
	"snakkaz-e2ee/internal/transport/webrtc"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)
	metrics.MustRegister(cfg.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting service", "user_id", cfg.UserID, "curve", cfg.Curve,
		"signaling", cfg.Signaling.Backend, "transport", cfg.Transport.Kind)
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("chatd exited", "error", err)
		os.Exit(1)
	}
	logger.Info("chatd stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	curve, err := cryptocore.ParseCurve(cfg.Curve)
	if err != nil {
		return err
	}
	kx, err := cryptocore.NewKeyExchange(curve)
	if err != nil {
		return err
	}

	if cfg.Keystore.Passphrase == "" {
		logger.Warn("keystore passphrase is empty; set CHATD_KEYSTORE_PASSPHRASE")
	}
	keys, err := keystore.OpenBolt(cfg.Keystore.Path, []byte(cfg.Keystore.Passphrase))
	if err != nil {
		return err
	}
	defer keys.Close()
	identity, created, err := keystore.LoadOrCreateIdentity(keys, kx)
	if err != nil {
		return err
	}
	logger.Info("device identity loaded", "created", created, "fingerprint", cryptocore.Fingerprint(identity.PublicKey))

	sessions, err := openSessions(ctx, cfg, logger)
	if err != nil {
		return err
	}
	engine := ratchet.New(sessions, kx,
		ratchet.WithMaxSkip(cfg.Ratchet.MaxSkip),
		ratchet.WithLogger(logger),
	)

	g, ctx := errgroup.WithContext(ctx)

	var (
		signaler signaling.Signaler
		hub      *signaling.Hub
	)
	switch cfg.Signaling.Backend {
	case "ws":
		c, err := ws.New(ws.Config{
			RelayURL: cfg.Signaling.RelayURL,
			UserID:   cfg.UserID,
			Token:    cfg.Signaling.Token,
		}, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return c.Run(ctx) })
		signaler = c
	case "pgnotify":
		c, err := pgnotify.Connect(ctx, pgnotify.Config{
			DSN:    cfg.SignalingDSN(),
			UserID: cfg.UserID,
			Prefix: cfg.Signaling.Prefix,
		}, logger)
		if err != nil {
			return err
		}
		defer c.Close()
		g.Go(func() error { return c.Run(ctx) })
		signaler = c
	case "hub":
		hub = signaling.NewHub()
		ep := hub.Endpoint(cfg.UserID)
		defer ep.Close()
		signaler = ep
	}

	var network *loopback.Network
	newTransport := func(userID string) channel.Transport {
		if cfg.Transport.Kind == "loopback" {
			return network.Transport(userID)
		}
		return webrtc.New(webrtc.Config{
			ICEServers:      cfg.Transport.ICEServers,
			ICEUsername:     cfg.Transport.ICEUsername,
			ICECredential:   cfg.Transport.ICECredential,
			IncludeLoopback: cfg.Transport.IncludeLoopback,
		}, logger.With("user_id", userID))
	}
	if cfg.Transport.Kind == "loopback" {
		network = loopback.NewNetwork()
	}

	chCfg := channel.Config{
		MaxReconnectAttempts: cfg.Channel.MaxReconnectAttempts,
		Backoff: channel.Backoff{
			Base:   cfg.Channel.BackoffBase,
			Factor: cfg.Channel.BackoffFactor,
			Max:    cfg.Channel.BackoffMax,
		},
		ConnectTimeout: cfg.Channel.ConnectTimeout,
		SendTimeout:    cfg.Channel.SendTimeout,
		AutoReconnect:  cfg.Channel.AutoReconnect,
	}
	inbox := transport.NewInbox(cfg.Channel.InboxSize)
	mgr, err := channel.New(chCfg, cfg.UserID, identity, engine, newTransport(cfg.UserID), signaler,
		channel.WithLogger(logger),
		channel.WithMessageHandler(inbox.Push),
		channel.WithErrorHandler(func(peerID string, err error) {
			logger.Warn("channel error", "peer_id", peerID, "error", err)
		}),
	)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if hub != nil {
		echo, err := startEcho(ctx, hub, newTransport, chCfg, kx, cfg.UserID, logger)
		if err != nil {
			return err
		}
		defer echo.Close()
		g.Go(func() error {
			connectCtx, cancel := context.WithTimeout(ctx, chCfg.ConnectTimeout)
			defer cancel()
			if err := mgr.ConnectToPeer(connectCtx, echo.LocalID(), echo.identity.PublicKey); err != nil {
				logger.Warn("echo peer unavailable", "error", err)
			}
			return nil
		})
	}

	authMW, closeAuth, err := newAuth(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeAuth()

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: transport.NewRouter(transport.Config{
			Channels:       mgr,
			Sessions:       engine,
			Inbox:          inbox,
			Identity:       identity,
			Auth:           authMW,
			Logger:         logger,
			CORSOrigins:    cfg.HTTP.CORSOrigins,
			RateLimit:      cfg.HTTP.RateLimit,
			RateWindow:     cfg.HTTP.RateWindow,
			RequestTimeout: cfg.HTTP.RequestTimeout,
			MaxWait:        cfg.HTTP.MaxWait,
		}),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	g.Go(func() error {
		slog.Info("chatd listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openSessions(ctx context.Context, cfg config.Config, logger *slog.Logger) (ratchet.Store, error) {
	db, err := store.Open(store.Config{DSN: cfg.Database.URL, LogSQL: cfg.Database.LogSQL})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	var opts []store.Option
	if cfg.Database.SealingKey != "" {
		key, err := cryptocore.ImportLegacyKey(cfg.Database.SealingKey)
		if err != nil {
			return nil, fmt.Errorf("sealing key: %w", err)
		}
		opts = append(opts, store.WithSealingKey(key))
	} else {
		logger.Warn("session records are stored unsealed; set CHATD_SEALING_KEY")
	}
	st := store.New(db, opts...)
	if err := st.AutoMigrate(ctx); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return store.NewCached(st.Sessions(), cfg.Database.CacheSize, cfg.Database.CacheTTL), nil
}

// newAuth picks HS256 when a shared secret is configured, JWKS otherwise.
func newAuth(ctx context.Context, cfg config.Config, logger *slog.Logger) (func(http.Handler) http.Handler, func(), error) {
	if cfg.Auth.HS256Secret != "" {
		logger.Info("using HS256 shared-secret token validation")
		return authz.NewHMACValidator(cfg.Auth.HS256Secret, cfg.Auth.Issuer).Middleware, func() {}, nil
	}
	logger.Info("using JWKS token validation", "jwks_url", cfg.Auth.JWKSURL)
	jv, err := authz.NewJWTValidator(ctx, cfg.Auth.JWKSURL, cfg.Auth.Issuer)
	if err != nil {
		return nil, nil, fmt.Errorf("init JWT validator: %w", err)
	}
	return jv.Middleware, jv.Close, nil
}
