// Package portmap implements the Port/PID Resolver (C1): a snapshot of the
// OS inet-socket table, rebuilt on each explicit Refresh call, indexed
// both by local port and by owning PID.
package portmap

import (
	"sync/atomic"

	"github.com/pkg/errors"
	gnet "github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"
)

// Snapshot is an immutable view of the socket table at one generation.
// Old snapshots are never mutated; Resolver.Refresh swaps in a new one.
type Snapshot struct {
	Generation uint64
	portToPID  map[int]int32
	pidToPorts map[int32]map[int]struct{}
}

// PIDOf returns the owning PID of a local port, if attributable.
func (s *Snapshot) PIDOf(port int) (int32, bool) {
	if s == nil {
		return 0, false
	}
	pid, ok := s.portToPID[port]
	return pid, ok
}

// PortsOf returns the set of local ports owned by pid.
func (s *Snapshot) PortsOf(pid int32) map[int]struct{} {
	if s == nil {
		return nil
	}
	return s.pidToPorts[pid]
}

// BelongsTo reports whether port is attributed to pid in this snapshot.
func (s *Snapshot) BelongsTo(port int, pid int32) bool {
	owner, ok := s.PIDOf(port)
	return ok && owner == pid
}

// Resolver owns the current Snapshot and refreshes it on demand. Refresh
// is never timer-driven — the Capture Engine calls it explicitly.
type Resolver struct {
	current atomic.Pointer[Snapshot]
	log     *zap.Logger
}

// NewResolver constructs a Resolver with an empty initial snapshot.
func NewResolver(log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Resolver{log: log.Named("portmap")}
	r.current.Store(&Snapshot{portToPID: map[int]int32{}, pidToPorts: map[int32]map[int]struct{}{}})
	return r
}

// Refresh rebuilds the mapping from the OS inet-socket table. Permission
// errors enumerating sockets are logged and produce an empty snapshot;
// this is never fatal to the caller.
func (r *Resolver) Refresh() *Snapshot {
	conns, err := gnet.Connections("inet")
	if err != nil {
		r.log.Warn("failed to enumerate socket table, using empty snapshot",
			zap.Error(errors.Wrap(err, "gopsutil net.Connections")))
		conns = nil
	}

	prev := r.current.Load()
	next := &Snapshot{
		Generation: prev.Generation + 1,
		portToPID:  make(map[int]int32, len(conns)),
		pidToPorts: make(map[int32]map[int]struct{}),
	}

	for _, c := range conns {
		if c.Laddr.Port == 0 || c.Pid == 0 {
			continue
		}
		port := int(c.Laddr.Port)
		next.portToPID[port] = c.Pid
		if next.pidToPorts[c.Pid] == nil {
			next.pidToPorts[c.Pid] = make(map[int]struct{})
		}
		next.pidToPorts[c.Pid][port] = struct{}{}
	}

	r.current.Store(next)
	return next
}

// Current returns the most recently built Snapshot without refreshing.
func (r *Resolver) Current() *Snapshot {
	return r.current.Load()
}

// PIDOf is a convenience wrapper over Current().PIDOf.
func (r *Resolver) PIDOf(port int) (int32, bool) { return r.Current().PIDOf(port) }

// PortsOf is a convenience wrapper over Current().PortsOf.
func (r *Resolver) PortsOf(pid int32) map[int]struct{} { return r.Current().PortsOf(pid) }

// BelongsTo is a convenience wrapper over Current().BelongsTo.
func (r *Resolver) BelongsTo(port int, pid int32) bool { return r.Current().BelongsTo(port, pid) }
