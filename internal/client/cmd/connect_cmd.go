package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rudransh-shrivastava/nguli/internal/config"
	"github.com/rudransh-shrivastava/nguli/internal/controller"
	"github.com/rudransh-shrivastava/nguli/internal/input"
	"github.com/rudransh-shrivastava/nguli/internal/logger"
	"github.com/rudransh-shrivastava/nguli/internal/rendezvous"
	"github.com/rudransh-shrivastava/nguli/internal/transport/webrtc"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	rendezvousURL string
	timeout       time.Duration
	joystickIndex int
)

var connectCmd = &cobra.Command{
	Use:   "connect code",
	Short: "connect to a host by pairing code",
	Long:  `looks for a host advertising the pairing code, opens an encrypted session to it and streams gamepad input until interrupted`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("rendezvous") {
			cfg.RendezvousURL = rendezvousURL
		}
		if cmd.Flags().Changed("timeout") {
			cfg.ConnectionTimeout = timeout
		}
		if cmd.Flags().Changed("joystick") {
			cfg.JoystickIndex = joystickIndex
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		log := logger.NewLogger()
		log.SetLevel(logger.ParseLevel(cfg.LogLevel))

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runConnect(ctx, cfg, log, args[0])
	},
}

func init() {
	connectCmd.Flags().StringVar(&rendezvousURL, "rendezvous", "", "rendezvous server websocket URL")
	connectCmd.Flags().DurationVar(&timeout, "timeout", controller.DefaultConnectionTimeout, "how long to look for the host")
	connectCmd.Flags().IntVar(&joystickIndex, "joystick", 0, "joystick device index")
}

func runConnect(ctx context.Context, cfg *config.Config, log *logrus.Logger, code string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sampler, err := input.OpenJoystick(input.JoystickConfig{
		Index:    cfg.JoystickIndex,
		PollRate: cfg.PollRate,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	defer func() { _ = sampler.Close() }()

	rv, err := rendezvous.Dial(ctx, rendezvous.ClientConfig{
		URL:    cfg.RendezvousURL,
		Logger: log,
	})
	if err != nil {
		return err
	}
	defer func() { _ = rv.Close() }()

	session := webrtc.New(rv, webrtc.Config{
		LocalID:     rv.ID(),
		STUNServers: cfg.STUNServers,
		Logger:      log,
	})
	defer func() { _ = session.Close() }()
	go func() { _ = session.Run(ctx) }()

	ctrl := controller.New(controller.Options{
		Browser:           rv,
		Session:           session,
		Logger:            log,
		ConnectionTimeout: cfg.ConnectionTimeout,
		InvitationTimeout: cfg.InvitationTimeout,
		Reconnect:         cfg.ReconnectPolicy(),
		MaxReconnects:     cfg.MaxReconnects,
	})
	go func() { _ = ctrl.Run(ctx) }()
	defer ctrl.Close()

	samplerErr := make(chan error, 1)
	go func() {
		samplerErr <- sampler.Run(ctx, ctrl.HandleFrame)
	}()

	updates, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	if err := ctrl.Connect(ctx, code); err != nil {
		return err
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(fmt.Sprintf("Looking for host %s", code)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)
	spin := time.NewTicker(100 * time.Millisecond)
	defer spin.Stop()

	connecting := true
	for {
		select {
		case <-ctx.Done():
			_ = bar.Finish()
			stats := ctrl.Stats()
			log.Infof("Sent %d frames, %d failed", stats.FramesSent, stats.SendFailures)
			return nil

		case <-spin.C:
			if connecting {
				_ = bar.Add(1)
			}

		case err := <-samplerErr:
			_ = bar.Finish()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err

		case <-rv.Done():
			_ = bar.Finish()
			return errors.New("lost connection to rendezvous server")

		case st := <-updates:
			switch st.State {
			case controller.Connecting:
				if !connecting {
					connecting = true
					bar.Reset()
					bar.Describe(fmt.Sprintf("Reconnecting to host %s", st.Code))
				}
			case controller.Connected:
				if connecting {
					connecting = false
					_ = bar.Finish()
					log.WithField("peer", st.Peer).Info("Connected, streaming input")
				}
			case controller.Idle:
				_ = bar.Finish()
				switch st.Outcome {
				case controller.OutcomeTimedOut:
					return fmt.Errorf("no host with code %s: %w", code, controller.ErrConnectionTimeout)
				case controller.OutcomePeerLost:
					return errors.New("lost connection to host")
				case controller.OutcomeFailed:
					return errors.New("failed to connect")
				case controller.OutcomeDisconnected:
					return nil
				}
			}
		}
	}
}
