// Command netsharkd is the process entry point: it owns the explicit
// registry of live capture/MITM sessions (replacing the source's
// module-level singleton proxy and engine-by-session-id map, per the
// Design Notes) and wires the Capture Engine, MITM Engine, and
// Subscriber Fan-out together.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/evilsocket/islazy/tui"
	"go.uber.org/zap"

	"github.com/netshark-go/netshark/internal/capture"
	"github.com/netshark-go/netshark/internal/config"
	"github.com/netshark-go/netshark/internal/fanout"
	"github.com/netshark-go/netshark/internal/mitm"
)

// registry is the explicit, process-owned collection of live sessions.
// It replaces the source's module-level singletons.
type registry struct {
	log *zap.Logger

	fan    *fanout.Fanout
	engine *capture.Engine
	mitmEngine *mitm.Engine
}

func main() {
	cfg := config.Parse()

	log, err := config.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck // best-effort flush on exit

	reg := &registry{
		log: log,
		fan: fanout.New(fanout.DefaultQueueDepth, 5*time.Minute, log),
	}

	ca, err := mitm.NewSelfSignedCA("netshark-go MITM CA")
	if err != nil {
		log.Fatal("failed to generate MITM CA", zap.Error(err))
	}
	reg.mitmEngine = mitm.NewEngine(ca, log)

	reg.engine = capture.NewEngine(cfg.Device, cfg.LocalIPFallback, cfg.Debug, log)

	if err := reg.mitmEngine.Start(cfg.MitmPort, func(txn mitm.Transaction) {
		log.Debug("mitm transaction",
			zap.String("method", txn.Request.Method),
			zap.String("url", txn.Request.URL),
			zap.Float64("duration_ms", txn.DurationMS))
		reg.fan.BroadcastTransaction(txn.ToRecord())
	}); err != nil {
		log.Fatal("failed to start mitm engine", zap.Error(err))
	}

	if cfg.TargetPID > 0 {
		req := capture.SessionRequest{
			TargetPID:    int32(cfg.TargetPID),
			DBFilter:     cfg.DBFilter,
			ServerFilter: cfg.ServerFilter,
		}
		if err := reg.engine.Start(req, reg.fan.BroadcastPacket); err != nil {
			log.Fatal("failed to start capture session", zap.Error(err))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go reg.runStreamGC()

	if cfg.StatsTable {
		defer reg.printStatsTable()
	}

	<-sigCh
	log.Info("shutting down")
	reg.engine.Stop()
	reg.mitmEngine.Stop()
}

func (r *registry) runStreamGC() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		removed := r.engine.GCStreams(5 * time.Minute)
		if removed > 0 {
			r.log.Debug("stream table GC", zap.Int("removed", removed))
		}
	}
}

func (r *registry) printStatsTable() {
	rows := [][]string{
		{"subscribers", strconv.Itoa(r.fan.Count())},
	}
	tui.Table(os.Stdout, []string{"metric", "value"}, rows)
}
