package main

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/colonialwars/cwclient/internal/errors"
	"github.com/colonialwars/cwclient/pkg/cwdtp/cwdtptest"
	"github.com/colonialwars/cwclient/pkg/predict"
	"github.com/colonialwars/cwclient/pkg/secure"
)

type mockServerOptions struct {
	addr         string
	pingInterval time.Duration
	tick         time.Duration
	speed        float64
	width        float64
	height       float64
	noGame       bool
	hash         string
}

func mockServerCmd(flags *globalFlags) *cobra.Command {
	opts := mockServerOptions{
		addr:         "localhost:8080",
		pingInterval: 25 * time.Second,
	}
	def := cwdtptest.DefaultGameOptions()
	opts.tick = def.TickInterval
	opts.speed = def.Speed
	opts.width = def.Bounds.X
	opts.height = def.Bounds.Y

	cmd := &cobra.Command{
		Use:   "mockserver",
		Short: "Run a local CWDTP server",
		Long: `Run a local CWDTP server with a tiny authoritative simulation.

Each connection gets its own player. The server answers the
handshake, pings on the protocol interval, applies client-action
inputs and broadcasts updates every tick.

Examples:
  cwclient mockserver
  cwclient mockserver --addr=:9000 --tick=100ms
  cwclient mockserver --no-game --ping-interval=5s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, format := "info", "text"
			if flags.logLevel != "" {
				level = flags.logLevel
			}
			if flags.logFormat != "" {
				format = flags.logFormat
			}
			logger, err := newLogger(cmd.ErrOrStderr(), level, format)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", opts.addr)
			if err != nil {
				return errors.New("C062").Wrap(err)
			}
			success(cmd.OutOrStdout(), "Listening on ws://%s%s", ln.Addr(), cwdtptest.Path)
			return runMockServer(ctx, ln, opts, logger)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.addr, "addr", "a", opts.addr, "Listen address")
	f.DurationVar(&opts.pingInterval, "ping-interval", opts.pingInterval, "Time between pings (0 disables)")
	f.DurationVar(&opts.tick, "tick", opts.tick, "Time between update broadcasts")
	f.Float64Var(&opts.speed, "speed", opts.speed, "Player speed in units per second")
	f.Float64Var(&opts.width, "width", opts.width, "World width")
	f.Float64Var(&opts.height, "height", opts.height, "World height")
	f.BoolVar(&opts.noGame, "no-game", false, "Only speak the protocol, no simulation")
	f.StringVar(&opts.hash, "hash", "sha256", "Handshake hash algorithm")

	return cmd
}

// newMockHandler builds the CWDTP handler for opts.
func newMockHandler(opts mockServerOptions, logger *slog.Logger) (*cwdtptest.Handler, error) {
	alg, err := secure.ParseAlgorithm(opts.hash)
	if err != nil {
		return nil, errors.New("C043").Wrap(err)
	}
	hasher, err := secure.NewHasher(alg)
	if err != nil {
		return nil, errors.New("C043").Wrap(err)
	}

	sopts := cwdtptest.Options{
		PingInterval: opts.pingInterval,
		Hasher:       hasher,
		Logger:       logger,
	}
	if !opts.noGame {
		g := cwdtptest.DefaultGameOptions()
		g.TickInterval = opts.tick
		g.Speed = opts.speed
		g.Bounds = predict.Vector2{X: opts.width, Y: opts.height}
		g.Start = g.Bounds.Scale(0.5)
		sopts.Game = &g
	}
	return cwdtptest.NewHandler(sopts), nil
}

// runMockServer serves on ln until ctx is done.
func runMockServer(ctx context.Context, ln net.Listener, opts mockServerOptions, logger *slog.Logger) error {
	h, err := newMockHandler(opts, logger)
	if err != nil {
		_ = ln.Close()
		return err
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Drain the accept queue so it never fills up.
	go func() {
		for ctx.Err() == nil {
			p, err := h.Accept(time.Second)
			if err != nil {
				continue
			}
			logger.Info("player joined", "peer", p.ID, "peers", h.Peers())
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if !stderrors.Is(err, http.ErrServerClosed) {
			return errors.New("C062").Wrap(err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", "peers", h.Peers())
	h.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
