package main

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/colonialwars/cwclient/internal/config"
	"github.com/colonialwars/cwclient/internal/errors"
	"github.com/colonialwars/cwclient/pkg/cwdtp"
	"github.com/colonialwars/cwclient/pkg/game"
	"github.com/colonialwars/cwclient/pkg/predict"
	"github.com/colonialwars/cwclient/pkg/replay"
	"github.com/colonialwars/cwclient/pkg/telemetry"
)

// playOptions are the play flags that override the config.
type playOptions struct {
	serverURL   string
	token       string
	script      string
	duration    time.Duration
	metricsAddr string
	record      bool
	seed        uint64
}

func playCmd(flags *globalFlags) *cobra.Command {
	var opts playOptions

	cmd := &cobra.Command{
		Use:   "play",
		Short: "Run a headless play session",
		Long: `Connect to a game server and play without a renderer.

Inputs come from a script (--script) or a random walk. Every input
is predicted locally and reconciled when the server acknowledges it.

Examples:
  cwclient play
  cwclient play --server=wss://play.example.com/ws --duration=30s
  cwclient play --script="up*10,right*10,idle*5" --metrics-addr=:9090
  cwclient play --record`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			applyPlayFlags(cfg, opts)
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPlay(ctx, cfg, opts, logger, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.serverURL, "server", "s", "", "Server URL (default from cwclient.json or CW_SERVER_URL)")
	f.StringVar(&opts.token, "token", "", "Bearer token (default CW_AUTH_TOKEN)")
	f.StringVar(&opts.script, "script", "", `Input script, e.g. "up*3,up+right,idle" (default random walk)`)
	f.DurationVarP(&opts.duration, "duration", "d", 0, "Stop after this long (default until interrupted)")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	f.BoolVar(&opts.record, "record", false, "Record a replay journal and save it on exit")
	f.Uint64Var(&opts.seed, "seed", 0, "Random walk seed (default time based)")

	return cmd
}

func applyPlayFlags(cfg *config.Config, opts playOptions) {
	if opts.serverURL != "" {
		cfg.ServerURL = opts.serverURL
	}
	if opts.token != "" {
		cfg.AuthToken = opts.token
	}
	if opts.script != "" {
		cfg.Game.Script = opts.script
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	if opts.record {
		cfg.Replay.Enabled = true
	}
}

// playResult summarizes a finished session.
type playResult struct {
	Inputs   int
	Final    predict.State
	Journal  string
	Rejected int
}

func runPlay(ctx context.Context, cfg *config.Config, opts playOptions, logger *slog.Logger, out io.Writer) error {
	res, err := play(ctx, cfg, opts, logger)
	if res != nil {
		success(out, "Sent %d inputs", res.Inputs)
		info(out, "Final position: (%.1f, %.1f), %d pending", res.Final.Position.X, res.Final.Position.Y, res.Final.Pending)
		if res.Rejected > 0 {
			info(out, "Rejected payloads: %d", res.Rejected)
		}
		if res.Journal != "" {
			success(out, "Replay saved to %s", res.Journal)
		}
	}
	return err
}

func play(ctx context.Context, cfg *config.Config, opts playOptions, logger *slog.Logger) (*playResult, error) {
	connCfg, err := cfg.ConnConfig()
	if err != nil {
		return nil, err
	}
	source, err := newInputSource(cfg.Game.Script, opts.seed)
	if err != nil {
		return nil, errors.Newf(errors.CategoryCLI, "invalid input script").Wrap(err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := telemetry.NewMetrics(
		telemetry.WithNamespace(cfg.Metrics.Namespace),
		telemetry.WithRegistry(registry),
	)
	tracer := telemetry.NewTracer(telemetry.WithParent(ctx))

	reconcilers := []predict.Observer{metrics}
	var rec *replay.Recorder
	if cfg.Replay.Enabled {
		rec = replay.NewRecorder(replay.WithLimit(cfg.Replay.Limit))
		reconcilers = append(reconcilers, rec)
	}

	engine := predict.NewEngine(
		predict.WithSpeed(cfg.Game.Speed),
		predict.WithObserver(telemetry.MultiReconciler(reconcilers...)),
	)
	conn := cwdtp.New(connCfg,
		cwdtp.WithLogger(logger),
		cwdtp.WithObserver(telemetry.Multi(metrics, tracer)),
	)
	session := game.NewSession(conn, engine, game.WithLogger(logger), game.WithRecorder(rec))

	if cfg.Metrics.Addr != "" {
		shutdown, err := serveMetrics(cfg.Metrics.Addr, registry, logger)
		if err != nil {
			return nil, err
		}
		defer shutdown()
	}

	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	logger.Info("connecting", "url", cfg.ServerURL)
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx, cfg.ServerURL) }()

	res := &playResult{}
	runErr := drive(ctx, session, source, cfg.InputInterval(), done, res, logger)

	res.Final = engine.State()
	if rec != nil {
		loc, err := saveJournal(cfg, rec, logger)
		if err != nil {
			logger.Error("replay save failed", "error", err)
		}
		res.Journal = loc
	}

	if runErr != nil {
		return res, errors.FromError(runErr, "C001")
	}
	return res, nil
}

// drive sends one input per interval once the session is ready and returns
// Run's result.
func drive(ctx context.Context, s *game.Session, source inputSource, interval time.Duration, done <-chan error, res *playResult, logger *slog.Logger) error {
	select {
	case <-s.Ready():
		logger.Info("session ready", "id", s.RenderState().ID)
	case err := <-done:
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	status := time.NewTicker(time.Second)
	defer status.Stop()

	for {
		select {
		case err := <-done:
			return err
		case err := <-s.Errors():
			var perr *game.PayloadError
			if stderrors.As(err, &perr) {
				res.Rejected++
			}
			logger.Warn("session error", "error", err)
		case <-status.C:
			rs := s.RenderState()
			logger.Info("state",
				"tick", rs.Tick,
				"x", rs.Self.Position.X,
				"y", rs.Self.Position.Y,
				"pending", rs.Self.Pending,
				"others", len(rs.Others),
			)
		case <-ticker.C:
			if ctx.Err() != nil {
				continue
			}
			in, err := s.HandleInput(source.Next())
			if err != nil {
				logger.Debug("input not sent", "error", err)
				continue
			}
			res.Inputs++
			logger.Debug("input", "num", in.InputNum, "dir", in.Direction)
		}
	}
}

func newInputSource(script string, seed uint64) (inputSource, error) {
	if script == "" {
		if seed == 0 {
			seed = uint64(time.Now().UnixNano())
		}
		return newRandomSource(seed), nil
	}
	dirs, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptSource{dirs: dirs}, nil
}

// newMetricsRouter exposes the registry at /metrics.
func newMetricsRouter(registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.New("C061").Wrap(err)
	}
	srv := &http.Server{
		Handler:           newMetricsRouter(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// newSink picks S3 when a bucket is configured and a local directory
// otherwise.
func newSink(cfg *config.Config) (replay.Sink, error) {
	if cfg.Replay.Bucket != "" {
		client := replay.NewS3Client(cfg.S3())
		return replay.NewS3Sink(client, cfg.Replay.Bucket, cfg.Replay.Prefix), nil
	}
	return replay.NewFileSink(cfg.Replay.Dir)
}

func saveJournal(cfg *config.Config, rec *replay.Recorder, logger *slog.Logger) (string, error) {
	sink, err := newSink(cfg)
	if err != nil {
		return "", errors.New("C060").Wrap(err)
	}
	// The session context is already done here.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	loc, err := rec.Flush(ctx, sink)
	if err != nil {
		return "", errors.New("C060").Wrap(err)
	}
	logger.Info("replay saved", "location", loc, "entries", rec.Len(), "dropped", rec.Dropped())
	return loc, nil
}

