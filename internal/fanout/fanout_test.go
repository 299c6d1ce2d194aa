package fanout

import (
	"testing"

	"github.com/netshark-go/netshark/internal/record"
)

// Scenario 6: subscriber backpressure.
func TestSubscriberBackpressure(t *testing.T) {
	f := New(1024, 0, nil)
	sub := f.Register("sub-1")

	for i := 0; i < 2048; i++ {
		f.BroadcastPacket(record.Packet{ID: uint64(i)})
	}

	delivered := 0
	for {
		select {
		case <-sub.Deliveries():
			delivered++
		default:
			goto done
		}
	}
done:
	if delivered != 1024 {
		t.Fatalf("expected exactly 1024 delivered, got %d", delivered)
	}
	if sub.Dropped() != 1024 {
		t.Fatalf("expected dropped_count == 1024, got %d", sub.Dropped())
	}
}

func TestUnregisterIsolatesSubscriber(t *testing.T) {
	f := New(4, 0, nil)
	s1 := f.Register("a")
	s2 := f.Register("b")

	f.Unregister("a")
	f.BroadcastPacket(record.Packet{ID: 1})

	select {
	case ev, ok := <-s1.Deliveries():
		if ok {
			t.Fatalf("unregistered subscriber must not receive further deliveries, got %+v", ev)
		}
	default:
		t.Fatalf("unregistered subscriber's channel must be closed, not merely empty")
	}

	select {
	case ev := <-s2.Deliveries():
		if ev.Packet == nil || ev.Packet.ID != 1 {
			t.Fatalf("expected packet record ID 1, got %+v", ev)
		}
	default:
		t.Fatalf("remaining subscriber must still receive deliveries")
	}
}

func TestBroadcastTransactionReachesSubscribers(t *testing.T) {
	f := New(4, 0, nil)
	sub := f.Register("a")

	f.BroadcastTransaction(record.MITMTransaction{
		Request:    record.MITMRequest{Method: "GET", URL: "https://example.com/a"},
		DurationMS: 12.5,
	})

	select {
	case ev := <-sub.Deliveries():
		if ev.Transaction == nil || ev.Transaction.Request.URL != "https://example.com/a" {
			t.Fatalf("expected the broadcast transaction, got %+v", ev)
		}
		if ev.Packet != nil {
			t.Fatalf("transaction event must not also carry a packet")
		}
	default:
		t.Fatalf("subscriber should have received the transaction event")
	}
}
