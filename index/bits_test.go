package index

import "testing"

func TestLiveDocsClearAndMarshalRoundTrip(t *testing.T) {
	b := newLiveDocs(10)
	if b.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", b.Len())
	}
	if b.liveCount() != 10 {
		t.Fatalf("liveCount() = %d, want 10", b.liveCount())
	}
	for i := 0; i < 10; i++ {
		if !b.Test(i) {
			t.Errorf("doc %d should start live", i)
		}
	}

	b.Clear(3)
	b.Clear(7)
	if b.Test(3) || b.Test(7) {
		t.Errorf("cleared docs still report live")
	}
	if b.liveCount() != 8 {
		t.Errorf("liveCount() after 2 clears = %d, want 8", b.liveCount())
	}
	// Clearing twice is a no-op, not a double-decrement.
	b.Clear(3)
	if b.liveCount() != 8 {
		t.Errorf("liveCount() after redundant clear = %d, want 8", b.liveCount())
	}

	data := b.marshal()
	b2, err := unmarshalLiveDocs(data)
	if err != nil {
		t.Fatalf("unmarshalLiveDocs: %v", err)
	}
	if b2.Len() != b.Len() || b2.liveCount() != b.liveCount() {
		t.Fatalf("round trip mismatch: got Len=%d liveCount=%d, want Len=%d liveCount=%d",
			b2.Len(), b2.liveCount(), b.Len(), b.liveCount())
	}
	for i := 0; i < 10; i++ {
		if b2.Test(i) != b.Test(i) {
			t.Errorf("doc %d liveness mismatch after round trip", i)
		}
	}
}

func TestUnmarshalLiveDocsTruncated(t *testing.T) {
	if _, err := unmarshalLiveDocs([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error unmarshaling truncated live docs data")
	}
}
