package config

import (
	"flag"
	"testing"
	"time"
)

func TestParseEndpoints(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    map[uint16]string
		wantErr bool
	}{
		{"empty", "", map[uint16]string{}, false},
		{"single", "1=files.example.com:4433", map[uint16]string{1: "files.example.com:4433"}, false},
		{"multiple", "1=a:1,2=b:2, 3 = c:3", map[uint16]string{1: "a:1", 2: "b:2", 3: "c:3"}, false},
		{"missing separator", "1files.example.com", nil, true},
		{"zero id", "0=a:1", nil, true},
		{"bad id", "x=a:1", nil, true},
		{"empty addr", "1=", nil, true},
		{"duplicate id", "1=a:1,1=b:2", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEndpoints(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseEndpoints(%q) succeeded, want error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEndpoints(%q): %v", tt.in, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for id, addr := range tt.want {
				if got[id] != addr {
					t.Errorf("endpoint %d = %q, want %q", id, got[id], addr)
				}
			}
		})
	}
}

func TestDaemonDefaults(t *testing.T) {
	t.Setenv("BULKPIPE_ADDR", "")
	t.Setenv("BULKPIPE_LOG_LEVEL", "")
	t.Setenv("BULKPIPE_CONSTRAINED", "")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseDaemonConfigWithFlagSet(fs, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.LogLevel != "info" {
		t.Fatalf("addr=%q level=%q", cfg.Addr, cfg.LogLevel)
	}
	if cfg.MaxSessions != defaultMaxSessions || cfg.MaxConcurrent != defaultMaxConcurrent {
		t.Fatalf("sessions=%d concurrent=%d", cfg.MaxSessions, cfg.MaxConcurrent)
	}
	if cfg.HomeEndpoint != 1 {
		t.Fatalf("home endpoint = %d, want 1", cfg.HomeEndpoint)
	}
	if cfg.StandardCooldown != 60*time.Second || cfg.PrivilegedCooldown != 15*time.Second {
		t.Fatalf("cooldowns %v / %v", cfg.StandardCooldown, cfg.PrivilegedCooldown)
	}
}

func TestDaemonFlagsOverrideEnv(t *testing.T) {
	t.Setenv("BULKPIPE_ADDR", ":9000")
	t.Setenv("BULKPIPE_LOG_LEVEL", "debug")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseDaemonConfigWithFlagSet(fs, []string{"-addr", ":9999"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("addr = %q, flag must win over env", cfg.Addr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q, env must apply when no flag given", cfg.LogLevel)
	}
}

func TestConstrainedModeTightensLimits(t *testing.T) {
	t.Setenv("BULKPIPE_CONSTRAINED", "1")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseDaemonConfigWithFlagSet(fs, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.MaxSessions != constrainedMaxSessions || cfg.MaxConcurrent != constrainedConcurrent {
		t.Fatalf("sessions=%d concurrent=%d, want constrained limits", cfg.MaxSessions, cfg.MaxConcurrent)
	}
}

func TestDaemonRejectsMissingHomeEndpoint(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	_, err := parseDaemonConfigWithFlagSet(fs, []string{"-endpoints", "2=b:2", "-home-endpoint", "1"})
	if err == nil {
		t.Fatal("expected error: home endpoint missing from map")
	}
}

func TestDaemonClampsConnsPerTransfer(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseDaemonConfigWithFlagSet(fs, []string{"-conns-per-transfer", "99"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ConnsPerTransfer != 16 {
		t.Fatalf("conns = %d, want clamp to 16", cfg.ConnsPerTransfer)
	}
}

func TestClientRequiresEndpoint(t *testing.T) {
	t.Setenv("BULKPIPE_ENDPOINT", "")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	if _, _, err := parseClientConfigWithFlagSet(fs, []string{"upload", "file.bin"}); err == nil {
		t.Fatal("expected error without endpoint")
	}
}

func TestClientParsesSubcommandArgs(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, args, err := parseClientConfigWithFlagSet(fs, []string{"-endpoint", "files.example.com:4433", "-token", "tok", "upload", "file.bin"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Endpoint != "files.example.com:4433" || cfg.Token != "tok" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(args) != 2 || args[0] != "upload" || args[1] != "file.bin" {
		t.Fatalf("args = %v", args)
	}
}
