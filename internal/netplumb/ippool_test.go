package netplumb

import "testing"

func TestIPPoolPopAndReleaseReuse(t *testing.T) {
	pool, err := NewIPPool("10.0.0.0/29")
	if err != nil {
		t.Fatalf("NewIPPool: %v", err)
	}

	seen := make(map[string]bool)
	var got []string
	for {
		addr, err := pool.Get()
		if err == ErrPoolExhausted {
			break
		}
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if seen[addr] {
			t.Fatalf("address %s handed out twice while in use", addr)
		}
		seen[addr] = true
		got = append(got, addr)
	}
	if len(got) == 0 {
		t.Fatal("pool produced no addresses")
	}

	// Release one and confirm it comes back out exactly once.
	pool.Release(got[0])
	addr, err := pool.Get()
	if err != nil {
		t.Fatalf("Get after release: %v", err)
	}
	if addr != got[0] {
		t.Fatalf("Get() after Release(%s) = %s, want reused address", got[0], addr)
	}

	if _, err := pool.Get(); err != ErrPoolExhausted {
		t.Fatalf("Get() on exhausted pool = %v, want ErrPoolExhausted", err)
	}
}

func TestIPPoolReleaseUnknownIsNoop(t *testing.T) {
	pool, err := NewIPPool("10.0.0.0/29")
	if err != nil {
		t.Fatalf("NewIPPool: %v", err)
	}
	before := len(pool.free)
	pool.Release("192.168.1.1")
	if len(pool.free) != before {
		t.Fatalf("Release of unknown address changed free pool size")
	}
}
