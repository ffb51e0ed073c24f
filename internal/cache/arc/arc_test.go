package arc

import "testing"

type sizedInt int64

func (s sizedInt) ByteSize() int64 { return int64(s) }

func TestInsertGetRoundTrip(t *testing.T) {
	c := New[string, sizedInt](1000, nil)
	c.Insert("a", sizedInt(100))
	v, ok := c.Get("a")
	if !ok || v != 100 {
		t.Fatalf("expected hit with value 100, got %v %v", v, ok)
	}
}

func TestInvariantBytesWithinCapacity(t *testing.T) {
	c := New[string, sizedInt](1000, nil)
	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, k := range keys {
		c.Insert(k, sizedInt(300))
		s := c.Stats()
		if s.T1Size+s.T2Size > s.MaxBytes {
			t.Fatalf("t1Size+t2Size=%d exceeds maxBytes=%d after inserting %s", s.T1Size+s.T2Size, s.MaxBytes, k)
		}
		if s.P < 0 || s.P > s.MaxBytes {
			t.Fatalf("p=%d out of [0,%d] after inserting %s", s.P, s.MaxBytes, k)
		}
	}
}

func TestGhostListBound(t *testing.T) {
	c := New[int, sizedInt](16384, nil) // bound = 1 ghost per list
	for i := 0; i < 50; i++ {
		c.Insert(i, sizedInt(16384))
		s := c.Stats()
		if s.B1Len+s.B2Len > 2 {
			t.Fatalf("ghost lists grew beyond bound: b1=%d b2=%d", s.B1Len, s.B2Len)
		}
	}
}

func TestEvictionCallbackFires(t *testing.T) {
	var evicted []string
	c := New[string, sizedInt](300, func(k string) { evicted = append(evicted, k) })
	c.Insert("a", sizedInt(150))
	c.Insert("b", sizedInt(150))
	c.Insert("c", sizedInt(150)) // forces an eviction
	if len(evicted) == 0 {
		t.Fatalf("expected at least one eviction, got none")
	}
}

func TestInvalidateIsIdempotentAndSafeOnUnknownKeys(t *testing.T) {
	c := New[string, sizedInt](1000, nil)
	c.Invalidate("never-inserted")
	c.Insert("a", sizedInt(10))
	c.Invalidate("a")
	c.Invalidate("a")
	if c.Has("a") {
		t.Fatalf("expected a to be gone after invalidate")
	}
}

func TestGetPromotesT1ToT2(t *testing.T) {
	c := New[string, sizedInt](1000, nil)
	c.Insert("a", sizedInt(10))
	if _, ok := c.t1Index["a"]; !ok {
		t.Fatalf("expected a in T1 after cold insert")
	}
	c.Get("a")
	if _, ok := c.t2Index["a"]; !ok {
		t.Fatalf("expected a promoted to T2 after a hit")
	}
}

// TestPromotionAndAdaptation exercises spec.md §8 scenario 6: insert
// A, B, C (each 30% of capacity, 900 of 1000 bytes, so no eviction
// yet), access B twice, insert D (evicts A, the LRU of T1, to B1),
// insert A again (ghost hit in B1 increases p and restores A into T2).
func TestPromotionAndAdaptation(t *testing.T) {
	const cap = 1000
	const sz = 300 // 30% of capacity
	c := New[string, sizedInt](cap, nil)

	c.Insert("A", sizedInt(sz))
	c.Insert("B", sizedInt(sz))
	c.Insert("C", sizedInt(sz)) // A,B,C = 900 <= 1000, no eviction yet

	c.Get("B")
	c.Get("B") // B is now resident in T2

	c.Insert("D", sizedInt(sz)) // forces an eviction: A, the LRU of T1, moves to B1

	if c.Has("B") {
		// B must remain resident throughout, it was promoted to T2.
	} else {
		t.Fatalf("expected B to remain resident after inserting D")
	}

	pBefore := c.Stats().P
	c.Insert("A", sizedInt(sz)) // ghost hit in B1 if A was evicted
	pAfter := c.Stats().P

	if !c.Has("A") {
		t.Fatalf("expected A resident again after re-insertion")
	}
	if pAfter < pBefore {
		t.Fatalf("expected p to not decrease on a B1 ghost hit: before=%d after=%d", pBefore, pAfter)
	}
}
