package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/colonialwars/cwclient/internal/config"
	"github.com/colonialwars/cwclient/internal/errors"
	"github.com/colonialwars/cwclient/pkg/cwdtp"
	"github.com/colonialwars/cwclient/pkg/cwdtp/cwdtptest"
	"github.com/colonialwars/cwclient/pkg/predict"
	"github.com/colonialwars/cwclient/pkg/protocol"
	"github.com/colonialwars/cwclient/pkg/replay"
	"github.com/colonialwars/cwclient/pkg/secure"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestParseScript(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		want    []predict.Direction
		wantErr bool
	}{
		{
			name:   "single steps",
			script: "up,down left right",
			want:   []predict.Direction{{Up: true}, {Down: true}, {Left: true}, {Right: true}},
		},
		{
			name:   "combined and repeated",
			script: "up+right*2, idle",
			want:   []predict.Direction{{Up: true, Right: true}, {Up: true, Right: true}, {}},
		},
		{
			name:   "short names",
			script: "U+L",
			want:   []predict.Direction{{Up: true, Left: true}},
		},
		{name: "unknown direction", script: "up,jump", wantErr: true},
		{name: "bad repeat", script: "up*0", wantErr: true},
		{name: "empty", script: " , ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseScript(tt.script)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseScript(%q) = %v, want error", tt.script, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseScript(%q) error = %v", tt.script, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d steps, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("step %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestInputSources(t *testing.T) {
	src, err := newInputSource("up,right", 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []predict.Direction{{Up: true}, {Right: true}, {Up: true}}
	for i, w := range want {
		if got := src.Next(); got != w {
			t.Errorf("step %d = %+v, want %+v", i, got, w)
		}
	}

	a, _ := newInputSource("", 42)
	b, _ := newInputSource("", 42)
	for i := 0; i < 50; i++ {
		if da, db := a.Next(), b.Next(); da != db {
			t.Fatalf("random walks with the same seed diverged at step %d", i)
		}
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level, format string
		wantErr       bool
	}{
		{"info", "text", false},
		{"DEBUG", "json", false},
		{"warn", "", false},
		{"loud", "text", true},
		{"info", "xml", true},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := newLogger(&buf, tt.level, tt.format)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("newLogger() error = %v", err)
			}
			logger.Error("hello", "k", "v")
			if !strings.Contains(buf.String(), "hello") {
				t.Errorf("log output = %q", buf.String())
			}
		})
	}
}

func TestMetricsRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "cwclient_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	srv := httptest.NewServer(newMetricsRouter(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "cwclient_test_total 3") {
		t.Errorf("metrics body missing counter:\n%s", body)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
}

func TestServeMetricsAddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	_, err = serveMetrics(ln.Addr().String(), prometheus.NewRegistry(), discardLogger())
	if !errors.Is(err, "C061") {
		t.Errorf("serveMetrics() error = %v, want C061", err)
	}
}

func TestNewSink(t *testing.T) {
	cfg := config.New()
	cfg.Replay.Dir = t.TempDir()
	sink, err := newSink(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := sink.(*replay.FileSink); !ok {
		t.Errorf("sink = %T, want *replay.FileSink", sink)
	}

	cfg.Replay.Bucket = "cw-replays"
	cfg.Replay.Region = "eu-west-1"
	sink, err = newSink(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := sink.(*replay.S3Sink); !ok {
		t.Errorf("sink = %T, want *replay.S3Sink", sink)
	}
}

func TestApplyPlayFlags(t *testing.T) {
	cfg := config.New()
	applyPlayFlags(cfg, playOptions{
		serverURL:   "ws://flag:1/ws",
		token:       "tok",
		script:      "up",
		metricsAddr: ":0",
		record:      true,
	})
	if cfg.ServerURL != "ws://flag:1/ws" || cfg.AuthToken != "tok" || cfg.Game.Script != "up" {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if cfg.Metrics.Addr != ":0" || !cfg.Replay.Enabled {
		t.Errorf("flags not applied: metrics=%q replay=%v", cfg.Metrics.Addr, cfg.Replay.Enabled)
	}
}

func TestPlayAgainstMockServer(t *testing.T) {
	g := cwdtptest.DefaultGameOptions()
	g.TickInterval = 20 * time.Millisecond
	srv := cwdtptest.NewServer(cwdtptest.Options{Game: &g, Logger: discardLogger()})
	defer srv.Close()

	cfg := config.New()
	cfg.ServerURL = srv.URL
	cfg.Game.Script = "right"
	cfg.Game.InputRate = 50
	cfg.Replay.Enabled = true
	cfg.Replay.Dir = t.TempDir()

	res, err := play(context.Background(), cfg, playOptions{duration: 400 * time.Millisecond}, discardLogger())
	if err != nil {
		t.Fatalf("play() error = %v", err)
	}
	if res.Inputs == 0 {
		t.Fatal("no inputs sent")
	}
	if res.Final.Position.X <= g.Start.X {
		t.Errorf("final position %+v did not move right of %+v", res.Final.Position, g.Start)
	}
	if res.Final.Position.Y != g.Start.Y {
		t.Errorf("Y drifted to %v", res.Final.Position.Y)
	}
	if res.Journal == "" {
		t.Fatal("no journal saved")
	}
	f, err := os.Open(res.Journal)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	entries, err := replay.ReadEntries(f)
	if err != nil {
		t.Fatal(err)
	}
	inputs := 0
	for _, e := range entries {
		if e.Kind == replay.KindInput {
			inputs++
		}
	}
	if inputs < res.Inputs {
		t.Errorf("journal has %d inputs, sent %d", inputs, res.Inputs)
	}
}

func TestPlayConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg := config.New()
	cfg.ServerURL = "ws://" + addr + "/ws"
	cfg.Game.Script = "up"

	var out bytes.Buffer
	err = runPlay(context.Background(), cfg, playOptions{}, discardLogger(), &out)
	if !errors.Is(err, "C001") {
		t.Errorf("runPlay() error = %v, want C001", err)
	}
	if !strings.Contains(out.String(), "Sent 0 inputs") {
		t.Errorf("summary = %q", out.String())
	}
}

func TestPlayInvalidConfig(t *testing.T) {
	cfg := config.New()
	cfg.ServerURL = "http://localhost/ws"
	_, err := play(context.Background(), cfg, playOptions{}, discardLogger())
	if !errors.Is(err, "C042") {
		t.Errorf("play() error = %v, want C042", err)
	}
}

func TestMockServerServesClients(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	opts := mockServerOptions{tick: 20 * time.Millisecond, speed: 100, width: 200, height: 100, hash: "sha3-256"}
	go func() { done <- runMockServer(ctx, ln, opts, discardLogger()) }()

	alg, err := secure.ParseAlgorithm(opts.hash)
	if err != nil {
		t.Fatal(err)
	}
	connCfg := cwdtp.DefaultConfig()
	connCfg.Hash = alg
	conn := cwdtp.New(connCfg, cwdtp.WithLogger(discardLogger()))
	ready := make(chan cwdtp.Event, 1)
	conn.On(protocol.EventReadyAck, func(ev cwdtp.Event) { ready <- ev })
	conn.On(cwdtp.EventConnect, func(cwdtp.Event) { _ = conn.Send(protocol.EventReady) })

	url := "ws://" + ln.Addr().String() + cwdtptest.Path
	if err := conn.Connect(ctx, url); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	select {
	case ev := <-ready:
		m, _ := ev.Arg(0).(map[string]any)
		bounds, err := predict.ParseVector(m["bounds"])
		if err != nil || bounds != (predict.Vector2{X: 200, Y: 100}) {
			t.Errorf("bounds = %+v (%v)", bounds, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no ready-ack")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("runMockServer() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("mock server did not stop")
	}
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Error("client not disconnected on server shutdown")
	}
}

func TestMockServerBadHash(t *testing.T) {
	if _, err := newMockHandler(mockServerOptions{hash: "md5"}, discardLogger()); !errors.Is(err, "C043") {
		t.Errorf("newMockHandler() error = %v, want C043", err)
	}
}

func TestVersionCmd(t *testing.T) {
	for _, args := range [][]string{{"--short"}, {}} {
		var out bytes.Buffer
		cmd := versionCmd()
		cmd.SetOut(&out)
		cmd.SetArgs(args)
		if err := cmd.Execute(); err != nil {
			t.Fatalf("version %v: %v", args, err)
		}
		if !strings.Contains(out.String(), version) {
			t.Errorf("version %v output = %q", args, out.String())
		}
		if len(args) == 0 && !strings.Contains(out.String(), protocol.Subprotocol) {
			t.Errorf("full output missing subprotocol: %q", out.String())
		}
	}
}
