package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"scuffedchat/auth"
	"scuffedchat/config"
	"scuffedchat/core"
	"scuffedchat/database"
	"scuffedchat/events"
	"scuffedchat/handlers"
	"scuffedchat/logging"
	"scuffedchat/middleware"
	"scuffedchat/models"
)

const shutdownTimeout = 10 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the session and the local API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address, overrides server.addr",
			},
		},
		Action: serve,
	}
}

func initConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "init-config",
		Usage: "Write a sample configuration file",
		Action: func(c *cli.Context) error {
			path := c.String("config")
			if path == "" {
				path = "scuffedchat.toml"
			}
			if err := config.InitConfig(path); err != nil {
				return err
			}
			fmt.Printf("Wrote sample configuration to %s\n", path)
			return nil
		},
	}
}

func addProfileCommand() *cli.Command {
	return &cli.Command{
		Name:  "add-profile",
		Usage: "Create or update a user profile in the database",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "User `ID`", Required: true},
			&cli.StringFlag{Name: "name", Usage: "Display `NAME`", Required: true},
			&cli.StringFlag{Name: "avatar", Usage: "Avatar storage `REF`"},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c, false)
			if err != nil {
				return err
			}
			db, err := database.Open(c.Context, cfg.Database.URL, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			return db.UpsertProfile(c.Context, models.Peer{
				ID:          c.String("id"),
				DisplayName: c.String("name"),
				AvatarRef:   c.String("avatar"),
			})
		},
	}
}

func friendRequestCommand() *cli.Command {
	return &cli.Command{
		Name:  "friend-request",
		Usage: "Send a friend request from the configured account",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "to", Usage: "Recipient user `ID`", Required: true},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c, true)
			if err != nil {
				return err
			}
			identity, err := auth.ParseAccessToken(cfg.Supabase.AccessToken, cfg.Supabase.JWTSecret)
			if err != nil {
				return err
			}
			db, err := database.Open(c.Context, cfg.Database.URL, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			req, err := db.Account(identity.UserID).SendFriendRequest(c.Context, c.String("to"))
			if err != nil {
				return err
			}
			fmt.Printf("Sent friend request %s\n", req.ID)
			return nil
		},
	}
}

// setup loads the configuration and installs the logger. validate is false
// for commands that only touch the database.
func setup(c *cli.Context, validate bool) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if validate {
		if err := config.Validate(cfg); err != nil {
			return nil, zerolog.Nop(), fmt.Errorf("invalid configuration: %w", err)
		}
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Pretty, os.Stderr)
	return cfg, logger, nil
}

func serve(c *cli.Context) error {
	cfg, logger, err := setup(c, true)
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	identity, err := auth.ParseAccessToken(cfg.Supabase.AccessToken, cfg.Supabase.JWTSecret)
	if err != nil {
		return err
	}
	if identity.Expired(time.Now()) {
		logger.Warn().Time("expires_at", identity.ExpiresAt).Msg("Access token has expired")
	}
	logger = logger.With().Str("user_id", identity.UserID).Logger()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database.URL, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.UpsertProfile(ctx, models.Peer{ID: identity.UserID, DisplayName: displayName(identity)}); err != nil {
		return fmt.Errorf("register profile: %w", err)
	}
	account := db.Account(identity.UserID)

	var source events.Source
	if cfg.Supabase.URL != "" {
		adapter, err := events.NewRealtimeAdapter(events.RealtimeConfig{
			URL:             cfg.Supabase.URL,
			APIKey:          cfg.Supabase.AnonKey,
			AccessToken:     cfg.Supabase.AccessToken,
			Heartbeat:       cfg.Realtime.HeartbeatInterval,
			Reconnect:       cfg.Realtime.Reconnect,
			ResyncPerMinute: cfg.Realtime.ResyncPerMinute,
		}, nil, logger)
		if err != nil {
			return err
		}
		source = adapter
		logger.Info().Str("url", cfg.Supabase.URL).Msg("Using Supabase Realtime")
	} else {
		source = events.NewPoller(account, cfg.Realtime.PollInterval, nil, logger)
		logger.Info().Str("database", string(db.Dialect())).Msg("Polling the database for events")
	}

	session := core.New(account, source, core.Options{
		SendTimeout:      cfg.Chat.SendTimeout,
		ReadDebounce:     cfg.Chat.ReadDebounce,
		HistoryLimit:     cfg.Chat.HistoryLimit,
		MaxNotifications: cfg.Notifications.MaxItems,
	}, logger)

	hub := handlers.NewHub(logger)
	session.OnChange(hub.Broadcast)
	go hub.Run(ctx)

	h := handlers.New(session, hub, handlers.PublicConfig{
		SupabaseURL:     cfg.Supabase.URL,
		SupabaseAnonKey: cfg.Supabase.AnonKey,
	}, logger)
	tokenAuth, err := middleware.NewTokenAuth(cfg.Server.APIToken, cfg.Supabase.JWTSecret, identity, logger)
	if err != nil {
		return err
	}
	r := mux.NewRouter()
	h.Routes(r, tokenAuth.Auth)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- session.Run(ctx)
	}()
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err = <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("Stopping after failure")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn().Err(serr).Msg("Server shutdown")
	}
	session.Close()
	select {
	case <-session.Done():
	case <-shutdownCtx.Done():
		logger.Warn().Msg("Session did not stop in time")
	}
	return err
}

func displayName(id *auth.Identity) string {
	if name, _, ok := strings.Cut(id.Email, "@"); ok && name != "" {
		return name
	}
	return id.UserID
}
