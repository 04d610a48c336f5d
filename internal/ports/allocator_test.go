package ports

import (
	"sync"
	"testing"
)

func TestAllocateStrictlyIncreasing(t *testing.T) {
	a := New(20000, 0)
	p1 := a.Allocate()
	p2 := a.Allocate()
	if p1.RTCP != p1.RTP+1 {
		t.Fatalf("rtcp must be rtp+1, got %+v", p1)
	}
	if p2.RTP <= p1.RTP {
		t.Fatalf("expected strictly increasing ports, got %+v then %+v", p1, p2)
	}
}

func TestFreeReleasesPorts(t *testing.T) {
	a := New(20000, 0)
	p1 := a.Allocate()
	a.Free(p1.RTP, p1.RTCP)
	if a.InUse() != 0 {
		t.Fatalf("expected 0 ports in use after free, got %d", a.InUse())
	}
}

func TestFreeIsIdempotent(t *testing.T) {
	a := New(20000, 0)
	p1 := a.Allocate()
	a.Free(p1.RTP, p1.RTCP)
	a.Free(p1.RTP, p1.RTCP)
	if a.InUse() != 0 {
		t.Fatalf("expected 0 ports in use, got %d", a.InUse())
	}
}

func TestConcurrentAllocationsDoNotOverlap(t *testing.T) {
	a := New(20000, 0)
	const n = 200
	pairs := make([]Pair, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pairs[i] = a.Allocate()
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, p := range pairs {
		if seen[p.RTP] || seen[p.RTCP] {
			t.Fatalf("port collision detected: %+v", p)
		}
		seen[p.RTP] = true
		seen[p.RTCP] = true
	}
	if a.InUse() != n*2 {
		t.Fatalf("expected %d ports in use, got %d", n*2, a.InUse())
	}
}

func TestAllocateSkipsUsedPorts(t *testing.T) {
	a := New(20000, 0)
	p1 := a.Allocate()
	p2 := a.Allocate()
	a.Free(p1.RTP, p1.RTCP)
	p3 := a.Allocate()
	if p3.RTP == p1.RTP || p3.RTP == p2.RTP {
		t.Fatalf("expected a fresh pair, got %+v (p1=%+v p2=%+v)", p3, p1, p2)
	}
}

func TestExhaustionPanics(t *testing.T) {
	a := New(20000, 20002)
	a.Allocate()
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on exhaustion")
		}
	}()
	a.Allocate()
}
