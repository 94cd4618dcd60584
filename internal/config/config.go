// Package config parses daemon and CLI configuration from environment
// variables and flags. Flags take precedence over environment.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for a normally provisioned process. BULKPIPE_CONSTRAINED=1
// switches to tighter limits for small deployments.
const (
	defaultMaxSessions     = 20
	defaultMaxConcurrent   = 15
	constrainedMaxSessions = 10
	constrainedConcurrent  = 10
)

// DaemonConfig holds configuration for the bulkpiped binary.
type DaemonConfig struct {
	Addr     string
	LogLevel string

	// Endpoints maps endpoint IDs to QUIC addresses. ID 1 is the home
	// endpoint new sessions authenticate against.
	Endpoints map[uint16]string
	// HomeEndpoint is the endpoint ID sessions dial first.
	HomeEndpoint uint16

	// CredentialsFile is an optional file seeding the credential store,
	// one "owner token [endpoint]" triple per line.
	CredentialsFile string

	// Insecure skips endpoint TLS verification. Development only.
	Insecure bool

	MaxSessions        int
	SessionIdleTimeout time.Duration
	ReapInterval       time.Duration

	MaxConcurrent      int
	StandardCooldown   time.Duration
	PrivilegedCooldown time.Duration
	SweepInterval      time.Duration

	ConnsPerTransfer int
}

// ClientConfig holds configuration for the bulkpipe one-shot CLI.
type ClientConfig struct {
	Endpoint string
	Token    string
	Owner    string
	LogLevel string
	Conns    int
	Insecure bool
}

// ParseDaemonConfig parses daemon configuration from flags and
// environment variables.
func ParseDaemonConfig() (DaemonConfig, error) {
	return parseDaemonConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseDaemonConfigWithFlagSet is an internal helper for testing with
// isolated flag sets.
func parseDaemonConfigWithFlagSet(fs *flag.FlagSet, args []string) (DaemonConfig, error) {
	cfg := DaemonConfig{
		Addr:               ":8080",
		LogLevel:           "info",
		HomeEndpoint:       1,
		MaxSessions:        defaultMaxSessions,
		SessionIdleTimeout: 10 * time.Minute,
		ReapInterval:       2 * time.Minute,
		MaxConcurrent:      defaultMaxConcurrent,
		StandardCooldown:   60 * time.Second,
		PrivilegedCooldown: 15 * time.Second,
		SweepInterval:      5 * time.Minute,
		ConnsPerTransfer:   8,
	}
	if isConstrained() {
		cfg.MaxSessions = constrainedMaxSessions
		cfg.MaxConcurrent = constrainedConcurrent
	}

	// Read from environment first
	if addr := os.Getenv("BULKPIPE_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if logLevel := os.Getenv("BULKPIPE_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	endpoints := os.Getenv("BULKPIPE_ENDPOINTS")
	if credsFile := os.Getenv("BULKPIPE_CREDENTIALS_FILE"); credsFile != "" {
		cfg.CredentialsFile = credsFile
	}

	// Flags override environment
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "daemon listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&endpoints, "endpoints", endpoints, "endpoint map, e.g. 1=files.example.com:4433,2=eu.example.com:4433")
	fs.StringVar(&cfg.CredentialsFile, "credentials-file", cfg.CredentialsFile, "credential store seed file")
	var home uint
	fs.UintVar(&home, "home-endpoint", uint(cfg.HomeEndpoint), "endpoint ID sessions authenticate against")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "session pool capacity")
	fs.DurationVar(&cfg.SessionIdleTimeout, "session-idle-timeout", cfg.SessionIdleTimeout, "idle time before a session is reaped")
	fs.DurationVar(&cfg.ReapInterval, "reap-interval", cfg.ReapInterval, "how often idle sessions are reaped")
	fs.IntVar(&cfg.MaxConcurrent, "max-concurrent", cfg.MaxConcurrent, "global ceiling on simultaneous transfers")
	fs.DurationVar(&cfg.StandardCooldown, "standard-cooldown", cfg.StandardCooldown, "post-transfer cooldown for standard owners")
	fs.DurationVar(&cfg.PrivilegedCooldown, "privileged-cooldown", cfg.PrivilegedCooldown, "post-transfer cooldown for privileged owners")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "how often stale admission bookkeeping is swept")
	fs.IntVar(&cfg.ConnsPerTransfer, "conns-per-transfer", cfg.ConnsPerTransfer, "max parallel connections per transfer (1..16)")
	fs.BoolVar(&cfg.Insecure, "insecure", os.Getenv("BULKPIPE_INSECURE") == "1", "skip endpoint TLS verification (development only)")
	if err := fs.Parse(args); err != nil {
		return DaemonConfig{}, err
	}

	if home == 0 || home > 0xFFFF {
		return DaemonConfig{}, fmt.Errorf("invalid home endpoint %d", home)
	}
	cfg.HomeEndpoint = uint16(home)

	parsed, err := ParseEndpoints(endpoints)
	if err != nil {
		return DaemonConfig{}, err
	}
	cfg.Endpoints = parsed
	if len(cfg.Endpoints) > 0 {
		if _, ok := cfg.Endpoints[cfg.HomeEndpoint]; !ok {
			return DaemonConfig{}, fmt.Errorf("home endpoint %d missing from endpoint map", cfg.HomeEndpoint)
		}
	}

	if cfg.MaxSessions < 1 {
		cfg.MaxSessions = 1
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.ConnsPerTransfer < 1 {
		cfg.ConnsPerTransfer = 1
	}
	if cfg.ConnsPerTransfer > 16 {
		cfg.ConnsPerTransfer = 16
	}

	return cfg, nil
}

// ParseClientConfig parses CLI configuration from flags and environment
// variables. Remaining args (the subcommand and its operands) are
// returned alongside.
func ParseClientConfig() (ClientConfig, []string, error) {
	return parseClientConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseClientConfigWithFlagSet is an internal helper for testing with
// isolated flag sets.
func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) (ClientConfig, []string, error) {
	cfg := ClientConfig{
		LogLevel: "info",
		Owner:    "cli",
		Conns:    8,
	}

	// Read from environment first
	if endpoint := os.Getenv("BULKPIPE_ENDPOINT"); endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if token := os.Getenv("BULKPIPE_TOKEN"); token != "" {
		cfg.Token = token
	}
	if logLevel := os.Getenv("BULKPIPE_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	// Flags override environment
	fs.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "endpoint QUIC address")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "authorization token")
	fs.StringVar(&cfg.Owner, "owner", cfg.Owner, "owner identifier")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.IntVar(&cfg.Conns, "conns", cfg.Conns, "max parallel connections (1..16)")
	fs.BoolVar(&cfg.Insecure, "insecure", false, "skip endpoint TLS verification")
	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, nil, err
	}

	if cfg.Endpoint == "" {
		return ClientConfig{}, nil, fmt.Errorf("endpoint is required (flag -endpoint or BULKPIPE_ENDPOINT)")
	}
	if cfg.Conns < 1 {
		cfg.Conns = 1
	}
	if cfg.Conns > 16 {
		cfg.Conns = 16
	}

	return cfg, fs.Args(), nil
}

// ParseEndpoints parses an "id=addr,id=addr" endpoint map. An empty
// string yields an empty map.
func ParseEndpoints(s string) (map[uint16]string, error) {
	out := make(map[uint16]string)
	if s == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, addr, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid endpoint entry %q (want id=addr)", pair)
		}
		n, err := strconv.ParseUint(strings.TrimSpace(id), 10, 16)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid endpoint id %q", id)
		}
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return nil, fmt.Errorf("empty address for endpoint %d", n)
		}
		if _, dup := out[uint16(n)]; dup {
			return nil, fmt.Errorf("duplicate endpoint id %d", n)
		}
		out[uint16(n)] = addr
	}
	return out, nil
}

func isConstrained() bool {
	v := os.Getenv("BULKPIPE_CONSTRAINED")
	return v == "1" || strings.EqualFold(v, "true")
}
