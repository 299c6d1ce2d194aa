package portmap

import "testing"

func TestSnapshotBelongsTo(t *testing.T) {
	s := &Snapshot{
		portToPID:  map[int]int32{443: 101, 80: 202},
		pidToPorts: map[int32]map[int]struct{}{101: {443: {}}, 202: {80: {}}},
	}

	if !s.BelongsTo(443, 101) {
		t.Fatalf("expected port 443 to belong to pid 101")
	}
	if s.BelongsTo(443, 202) {
		t.Fatalf("port 443 should not belong to pid 202")
	}
	if _, ok := s.PIDOf(9999); ok {
		t.Fatalf("unattributed port must report ok=false")
	}
}

func TestRefreshIdempotentGeneration(t *testing.T) {
	r := NewResolver(nil)
	first := r.Refresh()
	second := r.Refresh()

	if second.Generation <= first.Generation {
		t.Fatalf("generation must advance monotonically: %d -> %d", first.Generation, second.Generation)
	}
	// Idempotence property from spec §8: absent an OS change, the
	// resulting port->pid mapping content is equal across refreshes.
	if len(first.portToPID) != len(second.portToPID) {
		t.Fatalf("expected stable mapping size across refreshes without OS change")
	}
}

func TestNilSnapshotIsSafe(t *testing.T) {
	var s *Snapshot
	if _, ok := s.PIDOf(80); ok {
		t.Fatalf("nil snapshot must never attribute a port")
	}
	if s.BelongsTo(80, 1) {
		t.Fatalf("nil snapshot must never claim ownership")
	}
}
