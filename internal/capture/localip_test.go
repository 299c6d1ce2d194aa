package capture

import "testing"

func TestStickySetMarksAndDetectsReverse(t *testing.T) {
	s := newStickySet()
	s.markOutbound("10.0.0.1", 5000, "93.184.216.34", 443)

	if !s.isReverseOfKnown("93.184.216.34", 443, "10.0.0.1", 5000) {
		t.Fatalf("expected the reverse of a marked outbound tuple to be recognized")
	}
	if s.isReverseOfKnown("1.2.3.4", 80, "10.0.0.1", 5000) {
		t.Fatalf("an unrelated tuple must not be recognized as a known reverse")
	}
}

func TestStickySetForwardTupleIsNotItsOwnReverse(t *testing.T) {
	s := newStickySet()
	s.markOutbound("10.0.0.1", 5000, "93.184.216.34", 443)

	if s.isReverseOfKnown("10.0.0.1", 5000, "93.184.216.34", 443) {
		t.Fatalf("the forward tuple itself must not match as a reverse of itself")
	}
}

func TestFiveTupleKeyDistinguishesDirection(t *testing.T) {
	fwd := fiveTupleKey("10.0.0.1", 5000, "10.0.0.2", 443)
	rev := fiveTupleKey("10.0.0.2", 443, "10.0.0.1", 5000)
	if fwd == rev {
		t.Fatalf("forward and reverse five-tuple keys must differ")
	}
}
