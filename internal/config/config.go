package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPollTimeout  = 10 * time.Millisecond
	defaultIdleInterval = 10 * time.Millisecond
	maxWaitInterval     = time.Second
)

// MuxConfig holds configuration for a multiplexer and its engine.
type MuxConfig struct {
	PollTimeout  time.Duration // Readiness wait bound while transfers are active (default: 10ms)
	IdleInterval time.Duration // Sleep between iterations when nothing is active (default: 10ms)
	LogLevel     string
	MaxRecvSpeed int64  // Per-transfer receive cap in bytes/sec, 0 = unlimited
	MetricsAddr  string // Address for the Prometheus /metrics listener, empty = disabled
	Pipelining   bool   // Allow connection sharing between transfers (default: off)
}

// FetchConfig holds configuration for the fetchmux get command.
type FetchConfig struct {
	Mux            MuxConfig
	URLs           []string
	OutDir         string        // Directory to write bodies to, empty = discard
	Parallel       int           // Max transfers in flight (1..256)
	Timeout        time.Duration // Per-transfer timeout, 0 = none
	Insecure       bool          // Skip TLS verification (https, wss, quic)
	AcceptEncoding string        // Comma-separated encodings to request and decode
	Headers        []string      // Extra request headers, "Key: Value"
}

// ParseMuxConfig parses multiplexer configuration from flags and environment variables.
// Flags take precedence over environment variables.
func ParseMuxConfig() MuxConfig {
	return parseMuxConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseMuxConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseMuxConfigWithFlagSet(fs *flag.FlagSet, args []string) MuxConfig {
	cfg := muxConfigFromEnv()
	registerMuxFlags(fs, &cfg)
	fs.Parse(args)
	clampMuxConfig(&cfg)
	return cfg
}

// ParseFetchConfig parses the get command's configuration from args and environment variables.
// Positional arguments are the URLs to fetch.
func ParseFetchConfig(args []string) (FetchConfig, error) {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	return parseFetchConfigWithFlagSet(fs, args)
}

func parseFetchConfigWithFlagSet(fs *flag.FlagSet, args []string) (FetchConfig, error) {
	cfg := FetchConfig{
		Mux:      muxConfigFromEnv(),
		Parallel: 8,
	}
	if outDir := os.Getenv("FETCHMUX_OUT_DIR"); outDir != "" {
		cfg.OutDir = outDir
	}
	if timeout, ok := envDuration("FETCHMUX_TIMEOUT"); ok {
		cfg.Timeout = timeout
	}

	registerMuxFlags(fs, &cfg.Mux)
	fs.StringVar(&cfg.OutDir, "out", cfg.OutDir, "directory to write bodies to (default: discard)")
	fs.IntVar(&cfg.Parallel, "parallel", cfg.Parallel, "max transfers in flight (1..256)")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "per-transfer timeout (0 = none)")
	fs.BoolVar(&cfg.Insecure, "insecure", false, "skip TLS certificate verification")
	fs.StringVar(&cfg.AcceptEncoding, "accept-encoding", "", "encodings to request and decode (gzip, zstd)")

	headers := make([]string, 0)
	fs.Var((*stringSlice)(&headers), "header", "extra request header \"Key: Value\" (repeatable)")

	if err := fs.Parse(args); err != nil {
		return FetchConfig{}, err
	}
	cfg.URLs = fs.Args()
	cfg.Headers = headers

	clampMuxConfig(&cfg.Mux)
	if cfg.Parallel < 1 {
		cfg.Parallel = 1
	}
	if cfg.Parallel > 256 {
		cfg.Parallel = 256
	}
	if cfg.Timeout < 0 {
		cfg.Timeout = 0
	}
	return cfg, nil
}

func muxConfigFromEnv() MuxConfig {
	cfg := MuxConfig{
		PollTimeout:  defaultPollTimeout,
		IdleInterval: defaultIdleInterval,
		LogLevel:     "info",
	}

	// Read from environment first
	if d, ok := envDuration("FETCHMUX_POLL_TIMEOUT"); ok {
		cfg.PollTimeout = d
	}
	if d, ok := envDuration("FETCHMUX_IDLE_INTERVAL"); ok {
		cfg.IdleInterval = d
	}
	if logLevel := os.Getenv("FETCHMUX_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if speed := os.Getenv("FETCHMUX_MAX_RECV_SPEED"); speed != "" {
		if v, err := strconv.ParseInt(speed, 10, 64); err == nil {
			cfg.MaxRecvSpeed = v
		}
	}
	if addr := os.Getenv("FETCHMUX_METRICS_ADDR"); addr != "" {
		cfg.MetricsAddr = addr
	}
	if p := os.Getenv("FETCHMUX_PIPELINING"); p != "" {
		if v, err := strconv.ParseBool(p); err == nil {
			cfg.Pipelining = v
		}
	}
	return cfg
}

// registerMuxFlags binds flags to cfg; current field values become the flag defaults.
func registerMuxFlags(fs *flag.FlagSet, cfg *MuxConfig) {
	fs.DurationVar(&cfg.PollTimeout, "poll-timeout", cfg.PollTimeout, "readiness wait bound while transfers are active")
	fs.DurationVar(&cfg.IdleInterval, "idle-interval", cfg.IdleInterval, "sleep between iterations while idle")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.Int64Var(&cfg.MaxRecvSpeed, "max-recv-speed", cfg.MaxRecvSpeed, "per-transfer receive cap in bytes/sec (0 = unlimited)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")
	fs.BoolVar(&cfg.Pipelining, "pipelining", cfg.Pipelining, "allow connection sharing between transfers")
}

func clampMuxConfig(cfg *MuxConfig) {
	cfg.PollTimeout = clampWait(cfg.PollTimeout, defaultPollTimeout)
	cfg.IdleInterval = clampWait(cfg.IdleInterval, defaultIdleInterval)
	if cfg.MaxRecvSpeed < 0 {
		cfg.MaxRecvSpeed = 0
	}
}

// clampWait keeps loop waits short so queued operations are picked up promptly.
func clampWait(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	if d > maxWaitInterval {
		return maxWaitInterval
	}
	return d
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func (s *stringSlice) Get() interface{} {
	return []string(*s)
}

var _ flag.Value = (*stringSlice)(nil)
var _ flag.Getter = (*stringSlice)(nil)
