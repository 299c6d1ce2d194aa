// Package config wires command-line flags and the session-wide zap
// logger, using package-level flag vars.
package config

import (
	"flag"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the process-wide settings parsed from flags.
type Config struct {
	Device          string
	LocalIPFallback string
	MitmPort        string
	StatsTable      bool
	Debug           bool

	// Session parameters for the illustrative CLI entry point; a real
	// deployment supplies these over the external session-control
	// surface described in SPEC_FULL.md §6, not via flags.
	TargetPID    int
	DBFilter     string
	ServerFilter string
}

var (
	device          = flag.String("iface", "any", "capture device / interface name")
	localIPFallback = flag.String("local-ip-fallback", "127.0.0.1", "fallback local IP when detection fails")
	mitmPort        = flag.String("mitm-port", ":8888", "MITM proxy listen address")
	stats           = flag.Bool("stats", false, "print a stats table on shutdown")
	debug           = flag.Bool("debug", false, "enable debug logging and spew dumps")
	targetPID       = flag.Int("target-pid", 0, "PID to attribute captured traffic to (0 disables live capture)")
	dbFilter        = flag.String("db-filter", "3306,6379,5432", "comma-separated database ports")
	serverFilter    = flag.String("server-filter", "", "comma-separated server IPs to restrict capture to")
)

// Parse parses os.Args into a Config. Call once from main.
func Parse() *Config {
	flag.Parse()
	return &Config{
		Device:          *device,
		LocalIPFallback: *localIPFallback,
		MitmPort:        *mitmPort,
		StatsTable:      *stats,
		Debug:           *debug,
		TargetPID:       *targetPID,
		DBFilter:        *dbFilter,
		ServerFilter:    *serverFilter,
	}
}

// NewLogger builds the session's zap.Logger, matching the teacher's
// convention of one named logger per package scoped off a shared root.
func NewLogger(debugEnabled bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debugEnabled {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		cfg.Development = true
	}
	return cfg.Build()
}
