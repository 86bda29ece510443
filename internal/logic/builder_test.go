package logic

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"
)

func assertIDs(t *testing.T, label string, m Manifest, want ...string) {
	t.Helper()
	got := m.IDs()
	if len(want) == 0 {
		want = []string{}
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("%s: manifest got %v, want %v", label, got, want)
	}
}

func TestBuildEmptyStore(t *testing.T) {
	b := NewBuilder(NewStore(), testConfig(2))
	m := b.Build(at(0))
	assertIDs(t, "empty", m)
	if !m.GeneratedAt.Equal(at(0)) {
		t.Errorf("GeneratedAt: got %v, want %v", m.GeneratedAt, at(0))
	}
}

func TestBuildMarksManifested(t *testing.T) {
	s := NewStore()
	b := NewBuilder(s, testConfig(2))
	s.Start("A", at(0), Info{})

	m := b.Build(at(10))
	if !m.Records[0].EverManifested {
		t.Error("manifest record should carry EverManifested=true")
	}
	if !mustGet(t, s, "A").EverManifested {
		t.Error("store record should be marked manifested")
	}
}

// TestBuildScenario walks the documented four-customer rotation with
// manifest_size=2, active_time=60, cooldown_time=300, refresh_time=20.
func TestBuildScenario(t *testing.T) {
	s := NewStore()
	b := NewBuilder(s, testConfig(2))

	s.Start("A", at(0), Info{})
	s.Start("B", at(0), Info{})
	m := b.Build(at(20))
	assertIDs(t, "t=20", m, "A", "B")

	s.Start("C", at(5), Info{})
	m = b.Build(at(40))
	assertIDs(t, "t=40", m, "B", "C")
	if m.Demoted != 1 {
		t.Errorf("t=40: Demoted got %d, want 1", m.Demoted)
	}
	a := mustGet(t, s, "A")
	if !a.InCooldown() || !a.CooldownSince.Equal(at(40)) {
		t.Errorf("t=40: A should be in cooldown since t=40, got %+v", a.CooldownSince)
	}

	s.Stop("B", at(45))
	m = b.Build(at(60))
	assertIDs(t, "t=60", m, "C")
	if !mustGet(t, s, "A").InCooldown() {
		t.Error("t=60: A should still be cooling down")
	}

	// C started at t=5 and runs out of active time at t=65, so by t=80 only
	// D remains eligible. A has no active window left and stays in cooldown.
	s.Start("D", at(70), Info{})
	m = b.Build(at(80))
	assertIDs(t, "t=80", m, "D")
	if !mustGet(t, s, "A").InCooldown() {
		t.Error("t=80: A should still be cooling down")
	}

	// A's cooldown ends at t=340.
	b.Build(at(339))
	if s.Len() != 1 {
		t.Errorf("t=339: expected only A left, got %d records", s.Len())
	}
	b.Build(at(340))
	if s.Len() != 0 {
		t.Errorf("t=340: expected empty store, got %d records", s.Len())
	}
}

func TestBuildReleasesCooldownWhenPoolDrops(t *testing.T) {
	s := NewStore()
	b := NewBuilder(s, testConfig(2))

	s.Start("A", at(0), Info{})
	s.Start("B", at(0), Info{})
	b.Build(at(10))
	s.Start("C", at(15), Info{})
	assertIDs(t, "t=20", b.Build(at(20)), "B", "C")

	// B stops while A still has active time left: A comes back early.
	s.Stop("B", at(25))
	m := b.Build(at(30))
	assertIDs(t, "t=30", m, "A", "C")
	if m.Sweep.Released != 1 {
		t.Errorf("Released: got %d, want 1", m.Sweep.Released)
	}
}

func TestBuildPromotionPreferredOverTruncation(t *testing.T) {
	s := NewStore()
	b := NewBuilder(s, testConfig(3))

	for i, id := range []string{"A", "B", "C"} {
		s.Start(id, at(i), Info{})
	}
	assertIDs(t, "first", b.Build(at(10)), "A", "B", "C")

	for i, id := range []string{"D", "E", "F"} {
		s.Start(id, at(20+i), Info{})
	}
	m := b.Build(at(30))
	assertIDs(t, "rotation", m, "D", "E", "F")
	if m.Demoted != 3 || m.Truncated != 0 {
		t.Errorf("got Demoted=%d Truncated=%d, want 3 and 0", m.Demoted, m.Truncated)
	}
	if s.Len() != 6 {
		t.Errorf("no record should be removed, store has %d", s.Len())
	}
}

func TestBuildDemotesOnlyAsManyAsNeeded(t *testing.T) {
	s := NewStore()
	b := NewBuilder(s, testConfig(3))

	for i, id := range []string{"A", "B", "C"} {
		s.Start(id, at(i), Info{})
	}
	b.Build(at(10))
	s.Start("D", at(20), Info{})

	m := b.Build(at(30))
	assertIDs(t, "t=30", m, "B", "C", "D")
	if m.Demoted != 1 {
		t.Errorf("Demoted: got %d, want 1", m.Demoted)
	}
}

func TestBuildHardTruncatesFreshRecords(t *testing.T) {
	s := NewStore()
	b := NewBuilder(s, testConfig(2))

	s.Start("D", at(3), Info{})
	s.Start("C", at(2), Info{})
	s.Start("B", at(1), Info{})
	s.Start("A", at(1), Info{})

	m := b.Build(at(10))
	assertIDs(t, "t=10", m, "A", "B")
	if m.Truncated != 2 {
		t.Errorf("Truncated: got %d, want 2", m.Truncated)
	}
	if m.Demoted != 0 {
		t.Errorf("Demoted: got %d, want 0", m.Demoted)
	}
	// Truncated records are removed outright and never cooled down.
	if s.Len() != 2 {
		t.Errorf("expected truncated records removed, store has %d", s.Len())
	}
}

func TestBuildDemoteThenTruncate(t *testing.T) {
	s := NewStore()
	b := NewBuilder(s, testConfig(2))

	s.Start("A", at(0), Info{})
	b.Build(at(5))
	s.Start("B", at(6), Info{})
	s.Start("C", at(7), Info{})
	s.Start("D", at(8), Info{})

	m := b.Build(at(10))
	assertIDs(t, "t=10", m, "B", "C")
	if m.Demoted != 1 || m.Truncated != 1 {
		t.Errorf("got Demoted=%d Truncated=%d, want 1 and 1", m.Demoted, m.Truncated)
	}
	if !mustGet(t, s, "A").InCooldown() {
		t.Error("A should be in cooldown")
	}
	if s.Len() != 3 {
		t.Errorf("expected D removed, store has %d", s.Len())
	}
}

func TestBuildStopDominance(t *testing.T) {
	s := NewStore()
	b := NewBuilder(s, testConfig(5))
	s.Start("A", at(0), Info{})
	assertIDs(t, "before stop", b.Build(at(10)), "A")

	s.Stop("A", at(11))
	for sec := 20; sec <= 60; sec += 20 {
		assertIDs(t, fmt.Sprintf("t=%d", sec), b.Build(at(sec)))
	}

	s.Start("A", at(70), Info{})
	assertIDs(t, "after restart", b.Build(at(80)), "A")
}

func TestBuildExcludesExpired(t *testing.T) {
	s := NewStore()
	b := NewBuilder(s, testConfig(5))
	s.Start("A", at(0), Info{})
	s.Start("B", at(30), Info{})

	m := b.Build(at(61))
	assertIDs(t, "t=61", m, "B")
	if m.Sweep.Expired != 1 {
		t.Errorf("Expired: got %d, want 1", m.Sweep.Expired)
	}
}

func TestBuildSetConfig(t *testing.T) {
	s := NewStore()
	b := NewBuilder(s, testConfig(5))
	for i, id := range []string{"A", "B", "C"} {
		s.Start(id, at(i), Info{})
	}
	cfg := testConfig(1)
	b.SetConfig(cfg)
	if got := b.Config(); got != cfg {
		t.Errorf("Config: got %+v, want %+v", got, cfg)
	}
	assertIDs(t, "resized", b.Build(at(10)), "A")
}

// randomRun drives a builder with a seeded random event stream and returns
// every manifest produced.
func randomRun(seed int64, size int) [][]string {
	rng := rand.New(rand.NewSource(seed))
	s := NewStore()
	b := NewBuilder(s, testConfig(size))

	var out [][]string
	for sec := 0; sec < 2000; sec++ {
		for n := rng.Intn(3); n > 0; n-- {
			id := fmt.Sprintf("0770090%04d", rng.Intn(40))
			if rng.Intn(4) == 0 {
				s.Stop(id, at(sec))
			} else {
				s.Start(id, at(sec), Info{})
			}
		}
		if sec%7 == 0 {
			b.Sweeper().Sweep(at(sec))
		}
		if sec%20 == 0 {
			out = append(out, b.Build(at(sec)).IDs())
		}
	}
	return out
}

func TestBuildCapacityBound(t *testing.T) {
	for _, size := range []int{1, 2, 5, 10} {
		for seed := int64(1); seed <= 5; seed++ {
			for i, m := range randomRun(seed, size) {
				if len(m) > size {
					t.Fatalf("size=%d seed=%d cycle %d: manifest has %d records", size, seed, i, len(m))
				}
			}
		}
	}
}

func TestBuildDeterministic(t *testing.T) {
	a := randomRun(42, 4)
	b := randomRun(42, 4)
	if !reflect.DeepEqual(a, b) {
		t.Error("identical event streams produced different manifests")
	}
}

func TestBuildCooldownInvariants(t *testing.T) {
	// After every cycle, each cooldown record has been manifested, is not
	// stopped, and has not outlived its cooldown. Stops land on cooldown
	// records between cycles, so the sweep must clear them.
	rng := rand.New(rand.NewSource(7))
	s := NewStore()
	b := NewBuilder(s, testConfig(3))
	cfg := b.Config()

	stoppedInCooldown := 0
	for sec := 0; sec < 3000; sec++ {
		now := at(sec)
		id := fmt.Sprintf("c%02d", rng.Intn(12))
		switch rng.Intn(4) {
		case 0, 1:
			s.Start(id, now, Info{})
		case 2:
			for _, r := range s.Snapshot(now) {
				if r.ID == id && r.InCooldown() {
					stoppedInCooldown++
				}
			}
			s.Stop(id, now)
		}
		if sec%20 != 0 {
			continue
		}
		m := b.Build(now)
		for _, r := range m.Records {
			if r.Stopped {
				t.Fatalf("t=%d: stopped %s in manifest", sec, r.ID)
			}
		}

		for _, r := range s.Snapshot(now) {
			if !r.InCooldown() {
				continue
			}
			if !r.EverManifested {
				t.Fatalf("t=%d: %s in cooldown without being manifested", sec, r.ID)
			}
			if r.Stopped {
				t.Fatalf("t=%d: %s stopped but in cooldown", sec, r.ID)
			}
			if now.Sub(*r.CooldownSince) >= cfg.CooldownTime {
				t.Fatalf("t=%d: %s still in cooldown past its end", sec, r.ID)
			}
		}
	}
	if stoppedInCooldown == 0 {
		t.Fatal("run never stopped a record in cooldown")
	}
}
