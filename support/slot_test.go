package support

import "testing"

func TestSlotCacheGetPutClear(t *testing.T) {
	c := NewSlotCache()

	if _, ok := c.Get(1, "k"); ok {
		t.Fatalf("expected miss on empty cache")
	}

	c.Put(1, "k", 42)
	c.Put(1, "other", "v")
	c.Put(2, "k", 7)

	v, ok := c.Get(1, "k")
	if !ok || v.(int) != 42 {
		t.Fatalf("Get(1,\"k\") = %v, %v; want 42, true", v, ok)
	}
	v2, ok := c.Get(2, "k")
	if !ok || v2.(int) != 7 {
		t.Fatalf("Get(2,\"k\") = %v, %v; want 7, true", v2, ok)
	}

	c.Clear(1)
	if _, ok := c.Get(1, "k"); ok {
		t.Errorf("expected slot 1 cleared")
	}
	if _, ok := c.Get(1, "other"); ok {
		t.Errorf("expected slot 1 fully cleared, not just one key")
	}
	if v2, ok := c.Get(2, "k"); !ok || v2.(int) != 7 {
		t.Errorf("clearing slot 1 should not affect slot 2")
	}
}
