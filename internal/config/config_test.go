package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/colonialwars/cwclient/internal/errors"
	"github.com/colonialwars/cwclient/pkg/secure"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func env(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestNew(t *testing.T) {
	cfg := New()

	if cfg.ServerURL != DefaultServerURL {
		t.Errorf("ServerURL = %q, want %q", cfg.ServerURL, DefaultServerURL)
	}
	if cfg.Hash != DefaultHash {
		t.Errorf("Hash = %q, want %q", cfg.Hash, DefaultHash)
	}
	if cfg.PingTimeout != "30s" {
		t.Errorf("PingTimeout = %q, want 30s", cfg.PingTimeout)
	}
	if cfg.Game.InputRate != DefaultInputRate {
		t.Errorf("Game.InputRate = %d, want %d", cfg.Game.InputRate, DefaultInputRate)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := load(filepath.Join(dir, ConfigFileName), false, env(nil))
	if err != nil {
		t.Fatalf("optional load error = %v", err)
	}
	if cfg.Path() != "" {
		t.Errorf("Path() = %q, want empty", cfg.Path())
	}

	_, err = load(filepath.Join(dir, ConfigFileName), true, env(nil))
	if !errors.Is(err, "C040") {
		t.Errorf("required load error = %v, want C040", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, ConfigFileName, `{
  "server_url": "wss://play.example.com/ws",
  "hash": "sha3-256",
  "ping_timeout": "45s",
  "abort_on_protocol_violation": true,
  "game": {"input_rate": 10, "script": "up,right"},
  "replay": {"enabled": true, "bucket": "cw-replays", "region": "eu-west-1"},
  "metrics": {"addr": ":9090"}
}
`)

	cfg, err := load(path, true, env(nil))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if cfg.Path() != path {
		t.Errorf("Path() = %q, want %q", cfg.Path(), path)
	}
	if cfg.ServerURL != "wss://play.example.com/ws" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.Game.InputRate != 10 || cfg.Game.Script != "up,right" {
		t.Errorf("Game = %+v", cfg.Game)
	}
	if !cfg.Replay.Enabled || cfg.Replay.Bucket != "cw-replays" {
		t.Errorf("Replay = %+v", cfg.Replay)
	}
	if cfg.Metrics.Addr != ":9090" {
		t.Errorf("Metrics.Addr = %q", cfg.Metrics.Addr)
	}
	// Unset fields keep their defaults.
	if cfg.HandshakeTimeout != "10s" {
		t.Errorf("HandshakeTimeout = %q, want default", cfg.HandshakeTimeout)
	}
	if cfg.Replay.Dir != DefaultReplayDir {
		t.Errorf("Replay.Dir = %q, want default", cfg.Replay.Dir)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, ConfigFileName, `{"server_url": `)

	_, err := load(path, true, env(nil))
	if !errors.Is(err, "C040") {
		t.Fatalf("error = %v, want C040", err)
	}
	if !strings.Contains(errors.FromError(err, "").FormatCompact(), path) {
		t.Errorf("error does not name the file: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, ConfigFileName, `{"server_url": "ws://file:1/ws", "hash": "sha512"}`)
	writeFile(t, dir, EnvFileName, "CW_SERVER_URL=ws://dotenv:2/ws\nCW_AUTH_TOKEN=from-dotenv\nCW_INPUT_RATE=5\n")

	cfg, err := load(path, true, env(map[string]string{
		EnvServerURL:   "ws://process:3/ws",
		EnvPingTimeout: "1m",
		EnvHash:        "",
	}))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"process env beats .env and file", cfg.ServerURL, "ws://process:3/ws"},
		{".env beats file", cfg.AuthToken, "from-dotenv"},
		{"numeric override", cfg.Game.InputRate, 5},
		{"duration override", cfg.PingTimeout, "1m"},
		{"empty value ignored", cfg.Hash, "sha512"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		code   string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing url", func(c *Config) { c.ServerURL = " " }, "C041"},
		{"http scheme", func(c *Config) { c.ServerURL = "http://localhost:8080/ws" }, "C042"},
		{"no host", func(c *Config) { c.ServerURL = "ws:///ws" }, "C042"},
		{"bad hash", func(c *Config) { c.Hash = "md5" }, "C043"},
		{"bad duration", func(c *Config) { c.PingTimeout = "soon" }, "C044"},
		{"negative duration", func(c *Config) { c.CloseTimeout = "-1s" }, "C044"},
		{"bucket without region", func(c *Config) { c.Replay.Bucket = "b" }, "C045"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.code == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.code) {
				t.Errorf("Validate() error = %v, want %s", err, tt.code)
			}
		})
	}
}

func TestConnConfig(t *testing.T) {
	cfg := New()
	cfg.Hash = "blake2b-256"
	cfg.HandshakeTimeout = "2s"
	cfg.PingTimeout = "500ms"
	cfg.AuthToken = "tok"
	cfg.AbortOnProtocolViolation = true

	cc, err := cfg.ConnConfig()
	if err != nil {
		t.Fatalf("ConnConfig() error = %v", err)
	}
	if cc.Hash != secure.BLAKE2b256 {
		t.Errorf("Hash = %v", cc.Hash)
	}
	if cc.HandshakeTimeout != 2*time.Second {
		t.Errorf("HandshakeTimeout = %v", cc.HandshakeTimeout)
	}
	if cc.PingTimeout != 500*time.Millisecond {
		t.Errorf("PingTimeout = %v", cc.PingTimeout)
	}
	if cc.CloseTimeout != 5*time.Second {
		t.Errorf("CloseTimeout = %v, want default", cc.CloseTimeout)
	}
	if cc.AuthToken != "tok" || !cc.AbortOnProtocolViolation {
		t.Errorf("AuthToken/Abort not carried over: %+v", cc)
	}

	cfg.MaxMessageSize = -1
	if _, err := cfg.ConnConfig(); !errors.Is(err, "C040") {
		t.Errorf("ConnConfig() with negative max_message_size error = %v, want C040", err)
	}
	cfg.MaxMessageSize = 0

	cfg.ServerURL = ""
	if _, err := cfg.ConnConfig(); !errors.Is(err, "C041") {
		t.Errorf("ConnConfig() on invalid config error = %v", err)
	}
}

func TestS3AndInputInterval(t *testing.T) {
	cfg := New()
	cfg.Replay.Region = "us-east-1"
	cfg.Replay.Endpoint = "http://localhost:9000"
	cfg.Replay.UsePathStyle = true
	cfg.ApplyEnv(env(map[string]string{EnvAWSAccessKeyID: "AK", EnvAWSSecretKey: "SK"}))

	s3 := cfg.S3()
	if s3.Region != "us-east-1" || s3.Endpoint != "http://localhost:9000" || !s3.UsePathStyle {
		t.Errorf("S3() = %+v", s3)
	}
	if s3.AccessKeyID != "AK" || s3.SecretAccessKey != "SK" {
		t.Errorf("credentials not taken from the environment: %+v", s3)
	}

	cfg.Game.InputRate = 50
	if got := cfg.InputInterval(); got != 20*time.Millisecond {
		t.Errorf("InputInterval() = %v, want 20ms", got)
	}
	cfg.Game.InputRate = 0
	if got := cfg.InputInterval(); got != 50*time.Millisecond {
		t.Errorf("InputInterval() with zero rate = %v, want 50ms", got)
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	if Exists(dir) {
		t.Error("Exists() = true for empty dir")
	}
	writeFile(t, dir, ConfigFileName, "{}")
	if !Exists(dir) {
		t.Error("Exists() = false after writing the file")
	}
}
