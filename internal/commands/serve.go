package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mossy-p/blink-signaling/internal/handlers"
)

const shutdownTimeout = 10 * time.Second

type serveCmd struct {
	root         *rootCommand
	cobraCommand *cobra.Command
}

func newServeCmd(root *rootCommand) *serveCmd {
	return &serveCmd{root: root}
}

func (c *serveCmd) Cobra() *cobra.Command {
	c.cobraCommand = &cobra.Command{
		Use:   "serve",
		Short: "Run the signaling gateway for browser participants",
		Args:  cobra.NoArgs,
		RunE:  c.runE,
	}

	cfg := c.root.cfg
	flags := c.cobraCommand.Flags()
	flags.StringVarP(&cfg.Port, "port", "p", cfg.Port, "Port to bind to")
	flags.StringVar(&cfg.Environment, "environment", cfg.Environment, "development or production")
	flags.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", cfg.AllowedOrigins, `Origins allowed to call the gateway, "*" for any`)
	flags.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "Secret signing participant tokens")
	flags.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "Lifetime of participant tokens")
	flags.BoolVar(&cfg.MDNS, "mdns", cfg.MDNS, "Advertise the gateway over mDNS")

	return c.cobraCommand
}

func (c *serveCmd) runE(cmd *cobra.Command, args []string) error {
	cfg, log := c.root.cfg, c.root.log

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()
	log.Info("store ready", log.Args("store", cfg.Store, "prefix", cfg.Redis.KeyPrefix))

	router, gateway := handlers.NewRouter(handlers.Deps{
		Config:   cfg,
		Store:    b.store,
		Presence: b.presence,
		Log:      log,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.MDNS {
		shutdown, err := advertise(cfg.Port)
		if err != nil {
			log.Warn("mDNS advertisement failed", log.Args("error", err))
		} else {
			defer shutdown()
			log.Info("advertising over mDNS", log.Args("service", mdnsService))
		}
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	log.Info("starting signaling server", log.Args("port", cfg.Port, "environment", cfg.Environment))

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	// Sessions are ended before the deferred backend close.
	if gwErr := gateway.Close(shutdownCtx); gwErr != nil {
		log.Warn("participants not closed cleanly", log.Args("error", gwErr))
	}
	return err
}
