package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rudransh-shrivastava/nguli/internal/config"
	"github.com/rudransh-shrivastava/nguli/internal/logger"
	"github.com/rudransh-shrivastava/nguli/internal/rendezvous"
	"github.com/spf13/cobra"
)

var (
	addr     string
	dbPath   string
	ttl      time.Duration
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:          `nguli-rendezvous`,
	Long:         `nguli-rendezvous lets gamepad clients find hosts by pairing code and relays their session setup`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the rendezvous server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(); err != nil {
			return err
		}

		log := logger.NewLogger()
		level := logLevel
		if !cmd.Flags().Changed("log-level") {
			if env := os.Getenv(config.EnvLogLevel); env != "" {
				level = env
			}
		}
		log.SetLevel(logger.ParseLevel(level))

		srv, err := rendezvous.NewServer(rendezvous.Config{
			Addr:      addr,
			DBPath:    dbPath,
			AdvertTTL: ttl,
			Logger:    log,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")
	serveCmd.Flags().StringVar(&dbPath, "db", "", "sqlite database path, in-memory when empty")
	serveCmd.Flags().DurationVar(&ttl, "ttl", rendezvous.DefaultAdvertTTL, "how long an advert lives without a heartbeat")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
