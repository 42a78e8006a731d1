package ring

import (
	"fmt"
	"testing"

	"memberd/internal/transport"
)

func members(n int) []transport.Endpoint {
	out := make([]transport.Endpoint, n)
	for i := range out {
		out[i] = transport.Endpoint(fmt.Sprintf("10.0.0.%d:7000", i+1))
	}
	return out
}

func TestRing_OwnerDeterministic(t *testing.T) {
	r1 := New(64)
	r2 := New(64)
	r1.SetMembers(members(5))
	r2.SetMembers(members(5))

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%d", i)
		o1, ok1 := r1.Owner(key)
		o2, ok2 := r2.Owner(key)
		if !ok1 || !ok2 {
			t.Fatal("owner lookup failed on populated ring")
		}
		if o1 != o2 {
			t.Fatalf("same membership produced different owners for %q: %s vs %s", key, o1, o2)
		}
	}
}

func TestRing_EmptyRing(t *testing.T) {
	r := New(64)
	if _, ok := r.Owner("key"); ok {
		t.Error("empty ring should have no owner")
	}
	if got := r.PreferenceList("key", 3); got != nil {
		t.Errorf("empty ring preference list should be nil, got %v", got)
	}
}

func TestRing_PreferenceListDistinct(t *testing.T) {
	r := New(64)
	r.SetMembers(members(5))

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%d", i)
		prefs := r.PreferenceList(key, 3)
		if len(prefs) != 3 {
			t.Fatalf("expected 3 replicas for %q, got %d", key, len(prefs))
		}
		seen := make(map[transport.Endpoint]bool)
		for _, ep := range prefs {
			if seen[ep] {
				t.Fatalf("duplicate endpoint %s in preference list for %q", ep, key)
			}
			seen[ep] = true
		}
		if owner, _ := r.Owner(key); prefs[0] != owner {
			t.Fatalf("preference list for %q does not start with the owner", key)
		}
	}
}

func TestRing_PreferenceListCappedByMembership(t *testing.T) {
	r := New(64)
	r.SetMembers(members(2))
	if got := len(r.PreferenceList("key", 5)); got != 2 {
		t.Fatalf("expected list capped at 2 members, got %d", got)
	}
}

func TestRing_MembershipChangeMovesFewKeys(t *testing.T) {
	r := New(128)
	r.SetMembers(members(10))

	before := make(map[string]transport.Endpoint)
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("key-%d", i)
		before[key], _ = r.Owner(key)
	}

	// Drop one member; most keys should keep their owner.
	r.SetMembers(members(9))
	moved := 0
	for key, owner := range before {
		if now, _ := r.Owner(key); now != owner {
			moved++
		}
	}
	// With 10 -> 9 members, expected movement is roughly 1/10 of keys.
	if moved > 300 {
		t.Fatalf("too many keys moved after removing one member: %d of 1000", moved)
	}
}

func TestRing_DuplicateMembersIgnored(t *testing.T) {
	r := New(16)
	r.SetMembers([]transport.Endpoint{"10.0.0.1:7000", "10.0.0.1:7000"})
	if got := len(r.Members()); got != 1 {
		t.Fatalf("expected 1 member after duplicate add, got %d", got)
	}
}
