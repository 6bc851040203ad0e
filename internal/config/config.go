package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sugawarayuuta/sonnet"

	"github.com/colonialwars/cwclient/internal/errors"
	"github.com/colonialwars/cwclient/pkg/cwdtp"
	"github.com/colonialwars/cwclient/pkg/replay"
	"github.com/colonialwars/cwclient/pkg/secure"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "cwclient.json"

	// EnvFileName is the optional dotenv file loaded next to the config.
	EnvFileName = ".env"

	// DefaultServerURL is the endpoint of a locally running mock server.
	DefaultServerURL = "ws://localhost:8080/ws"

	// DefaultHash is the handshake hash algorithm.
	DefaultHash = "sha256"

	// DefaultSpeed is the player speed in world units per second used until
	// the server reports one.
	DefaultSpeed = 200

	// DefaultInputRate is the number of inputs sent per second.
	DefaultInputRate = 20

	// DefaultReplayDir is where journals are written without S3.
	DefaultReplayDir = "replays"
)

// Environment variables that override the file.
const (
	EnvServerURL        = "CW_SERVER_URL"
	EnvAuthToken        = "CW_AUTH_TOKEN"
	EnvHash             = "CW_HASH"
	EnvHandshakeTimeout = "CW_HANDSHAKE_TIMEOUT"
	EnvPingTimeout      = "CW_PING_TIMEOUT"
	EnvCloseTimeout     = "CW_CLOSE_TIMEOUT"
	EnvInputRate        = "CW_INPUT_RATE"
	EnvReplayDir        = "CW_REPLAY_DIR"
	EnvReplayBucket     = "CW_REPLAY_BUCKET"
	EnvReplayRegion     = "CW_REPLAY_REGION"
	EnvReplayEndpoint   = "CW_REPLAY_ENDPOINT"
	EnvAWSAccessKeyID   = "AWS_ACCESS_KEY_ID"
	EnvAWSSecretKey     = "AWS_SECRET_ACCESS_KEY"
	EnvMetricsAddr      = "CW_METRICS_ADDR"
	EnvLogLevel         = "CW_LOG_LEVEL"
	EnvLogFormat        = "CW_LOG_FORMAT"
)

// Config represents cwclient.json after environment overrides.
type Config struct {
	// ServerURL is the ws:// or wss:// CWDTP endpoint.
	ServerURL string `json:"server_url"`

	// AuthToken is sent as a bearer token on the upgrade request.
	AuthToken string `json:"auth_token,omitempty"`

	// Hash names the handshake hash algorithm.
	Hash string `json:"hash,omitempty"`

	// Timeouts are Go duration strings such as "10s".
	DialTimeout      string `json:"dial_timeout,omitempty"`
	HandshakeTimeout string `json:"handshake_timeout,omitempty"`
	PingTimeout      string `json:"ping_timeout,omitempty"`
	CloseTimeout     string `json:"close_timeout,omitempty"`
	WriteTimeout     string `json:"write_timeout,omitempty"`

	// MaxMessageSize caps incoming frames, in bytes.
	MaxMessageSize int64 `json:"max_message_size,omitempty"`

	// AbortOnProtocolViolation closes the connection on an illegal
	// metadata key instead of dropping the frame.
	AbortOnProtocolViolation bool `json:"abort_on_protocol_violation,omitempty"`

	Game    GameConfig    `json:"game"`
	Replay  ReplayConfig  `json:"replay"`
	Metrics MetricsConfig `json:"metrics"`
	Log     LogConfig     `json:"log"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// GameConfig contains headless play settings.
type GameConfig struct {
	// Speed is the initial player speed.
	Speed float64 `json:"speed,omitempty"`

	// InputRate is the number of inputs sent per second.
	InputRate int `json:"input_rate,omitempty"`

	// Script is a comma separated list of directions such as "up,up,right".
	// Empty means random input.
	Script string `json:"script,omitempty"`
}

// ReplayConfig contains session journal settings.
type ReplayConfig struct {
	// Enabled turns journaling on.
	Enabled bool `json:"enabled,omitempty"`

	// Dir is the local directory for journals when Bucket is empty.
	Dir string `json:"dir,omitempty"`

	// Limit caps the number of journal entries. Zero means unlimited.
	Limit int `json:"limit,omitempty"`

	// S3 upload settings. Bucket selects S3 over the local directory.
	Bucket          string `json:"bucket,omitempty"`
	Prefix          string `json:"prefix,omitempty"`
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	UsePathStyle    bool   `json:"use_path_style,omitempty"`
	AccessKeyID     string `json:"-"`
	SecretAccessKey string `json:"-"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables the endpoint.
	Addr string `json:"addr,omitempty"`

	// Namespace prefixes every metric name.
	Namespace string `json:"namespace,omitempty"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level,omitempty"`

	// Format is text or json.
	Format string `json:"format,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	def := cwdtp.DefaultConfig()
	return &Config{
		ServerURL:        DefaultServerURL,
		Hash:             DefaultHash,
		DialTimeout:      def.DialTimeout.String(),
		HandshakeTimeout: def.HandshakeTimeout.String(),
		PingTimeout:      def.PingTimeout.String(),
		CloseTimeout:     def.CloseTimeout.String(),
		WriteTimeout:     def.WriteTimeout.String(),
		MaxMessageSize:   def.MaxMessageSize,
		Game: GameConfig{
			Speed:     DefaultSpeed,
			InputRate: DefaultInputRate,
		},
		Replay: ReplayConfig{
			Dir: DefaultReplayDir,
		},
		Metrics: MetricsConfig{
			Namespace: "cwclient",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads cwclient.json and .env from dir, then applies the process
// environment. Both files are optional.
func Load(dir string) (*Config, error) {
	return load(filepath.Join(dir, ConfigFileName), false, os.LookupEnv)
}

// LoadFile reads the configuration file at path, which must exist, plus
// the .env file next to it and the process environment.
func LoadFile(path string) (*Config, error) {
	return load(path, true, os.LookupEnv)
}

func load(path string, required bool, lookup func(string) (string, bool)) (*Config, error) {
	cfg := New()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := sonnet.Unmarshal(data, cfg); err != nil {
			return nil, errors.New("C040").
				WithLocation(path, 0).
				WithDetail("Failed to parse " + filepath.Base(path) + ": " + err.Error())
		}
		cfg.configPath = path
	case os.IsNotExist(err) && !required:
	case os.IsNotExist(err):
		return nil, errors.New("C040").
			WithLocation(path, 0).
			WithDetail("No " + filepath.Base(path) + " found in " + filepath.Dir(path)).
			WithSuggestion("Create the file or drop --config to use defaults and environment variables")
	default:
		return nil, errors.New("C040").WithLocation(path, 0).Wrap(err)
	}

	envPath := filepath.Join(filepath.Dir(path), EnvFileName)
	dotenv, err := godotenv.Read(envPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.New("C040").
			WithLocation(envPath, 0).
			WithDetail("Failed to parse " + EnvFileName).
			Wrap(err)
	}

	// Process environment wins over .env.
	cfg.ApplyEnv(func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	})
	cfg.applyDefaults()
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. Empty values are
// ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(EnvServerURL, &c.ServerURL)
	set(EnvAuthToken, &c.AuthToken)
	set(EnvHash, &c.Hash)
	set(EnvHandshakeTimeout, &c.HandshakeTimeout)
	set(EnvPingTimeout, &c.PingTimeout)
	set(EnvCloseTimeout, &c.CloseTimeout)
	set(EnvReplayDir, &c.Replay.Dir)
	set(EnvReplayBucket, &c.Replay.Bucket)
	set(EnvReplayRegion, &c.Replay.Region)
	set(EnvReplayEndpoint, &c.Replay.Endpoint)
	set(EnvAWSAccessKeyID, &c.Replay.AccessKeyID)
	set(EnvAWSSecretKey, &c.Replay.SecretAccessKey)
	set(EnvMetricsAddr, &c.Metrics.Addr)
	set(EnvLogLevel, &c.Log.Level)
	set(EnvLogFormat, &c.Log.Format)

	if v, ok := lookup(EnvInputRate); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Game.InputRate = n
		}
	}
}

// Path returns the path where the config was loaded from, or "" when no
// file was read.
func (c *Config) Path() string {
	return c.configPath
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	def := New()
	if c.ServerURL == "" {
		c.ServerURL = def.ServerURL
	}
	if c.Hash == "" {
		c.Hash = def.Hash
	}
	if c.DialTimeout == "" {
		c.DialTimeout = def.DialTimeout
	}
	if c.HandshakeTimeout == "" {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.PingTimeout == "" {
		c.PingTimeout = def.PingTimeout
	}
	if c.CloseTimeout == "" {
		c.CloseTimeout = def.CloseTimeout
	}
	if c.WriteTimeout == "" {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.Game.Speed <= 0 {
		c.Game.Speed = def.Game.Speed
	}
	if c.Game.InputRate <= 0 {
		c.Game.InputRate = def.Game.InputRate
	}
	if c.Replay.Dir == "" {
		c.Replay.Dir = def.Replay.Dir
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = def.Metrics.Namespace
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return c.locate(errors.New("C041")).
			WithSuggestion("Set server_url in " + ConfigFileName + " or " + EnvServerURL)
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		ce := c.locate(errors.New("C042")).WithDetail("Got " + strconv.Quote(c.ServerURL) + ".")
		if err != nil {
			ce.Wrap(err)
		}
		return ce
	}
	if _, err := secure.ParseAlgorithm(c.Hash); err != nil {
		return c.locate(errors.New("C043")).Wrap(err)
	}
	for _, d := range []struct{ name, value string }{
		{"dial_timeout", c.DialTimeout},
		{"handshake_timeout", c.HandshakeTimeout},
		{"ping_timeout", c.PingTimeout},
		{"close_timeout", c.CloseTimeout},
		{"write_timeout", c.WriteTimeout},
	} {
		if _, err := parsePositive(d.value); err != nil {
			return c.locate(errors.New("C044")).
				WithSuggestion("Fix " + d.name + " (" + strconv.Quote(d.value) + ")").
				Wrap(err)
		}
	}
	if c.Replay.Bucket != "" && c.Replay.Region == "" {
		return c.locate(errors.New("C045")).
			WithSuggestion("Set replay.region or " + EnvReplayRegion)
	}
	return nil
}

func (c *Config) locate(ce *errors.ClientError) *errors.ClientError {
	if c.configPath != "" {
		ce.WithLocation(c.configPath, 0)
	}
	return ce
}

// ConnConfig maps the settings onto a connection config. It validates
// first, so a nil error means every field parsed.
func (c *Config) ConnConfig() (*cwdtp.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	out := cwdtp.DefaultConfig()
	out.Hash, _ = secure.ParseAlgorithm(c.Hash)
	out.DialTimeout, _ = parsePositive(c.DialTimeout)
	out.HandshakeTimeout, _ = parsePositive(c.HandshakeTimeout)
	out.PingTimeout, _ = parsePositive(c.PingTimeout)
	out.CloseTimeout, _ = parsePositive(c.CloseTimeout)
	out.WriteTimeout, _ = parsePositive(c.WriteTimeout)
	out.MaxMessageSize = c.MaxMessageSize
	out.AuthToken = c.AuthToken
	out.AbortOnProtocolViolation = c.AbortOnProtocolViolation
	if err := out.Validate(); err != nil {
		return nil, c.locate(errors.New("C040")).Wrap(err)
	}
	return out, nil
}

// S3 returns the client settings for replay uploads.
func (c *Config) S3() replay.S3Config {
	return replay.S3Config{
		Region:          c.Replay.Region,
		AccessKeyID:     c.Replay.AccessKeyID,
		SecretAccessKey: c.Replay.SecretAccessKey,
		Endpoint:        c.Replay.Endpoint,
		UsePathStyle:    c.Replay.UsePathStyle,
	}
}

// InputInterval is the time between two scripted inputs.
func (c *Config) InputInterval() time.Duration {
	if c.Game.InputRate <= 0 {
		return time.Second / DefaultInputRate
	}
	return time.Second / time.Duration(c.Game.InputRate)
}

func parsePositive(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.Newf(errors.CategoryConfig, "duration %s is not positive", s)
	}
	return d, nil
}

// Exists checks if a config file exists in the given directory.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}
