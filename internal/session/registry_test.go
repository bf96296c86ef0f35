package session

import (
	"errors"
	"reflect"
	"testing"

	"github.com/nvandessel/cmrsim/internal/estimate"
)

func TestRegistry_OpenGetClose(t *testing.T) {
	r := NewRegistry(RegistryConfig{Session: DefaultConfig()})

	c, err := r.Open(estimate.ModeKnown)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	got, err := r.Get(c.ID())
	if err != nil || got != c {
		t.Fatalf("Get(%q) = %v, %v", c.ID(), got, err)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}

	if err := r.Close(c.ID()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := r.Get(c.ID()); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Get after Close error = %v, want ErrUnknownSession", err)
	}
	if err := r.Close(c.ID()); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("second Close error = %v, want ErrUnknownSession", err)
	}
}

func TestRegistry_MaxSessions(t *testing.T) {
	r := NewRegistry(RegistryConfig{MaxSessions: 2, Session: DefaultConfig()})

	for i := 0; i < 2; i++ {
		if _, err := r.Open(estimate.ModeKnown); err != nil {
			t.Fatalf("Open #%d error = %v", i, err)
		}
	}
	if _, err := r.Open(estimate.ModeKnown); !errors.Is(err, ErrTooManySessions) {
		t.Errorf("third Open error = %v, want ErrTooManySessions", err)
	}
	if got := len(r.IDs()); got != 2 {
		t.Errorf("IDs() has %d entries, want 2", got)
	}
}

func TestRegistry_SessionsAreIsolated(t *testing.T) {
	r := NewRegistry(RegistryConfig{Session: DefaultConfig()})

	a, _ := r.Open(estimate.ModeKnown)
	b, _ := r.Open(estimate.ModeKnown)
	if a.ID() == b.ID() {
		t.Fatal("sessions share an id")
	}
	if err := a.Create(1000); err != nil {
		t.Fatal(err)
	}
	if err := b.Create(2000); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Tag(100); err != nil {
		t.Fatal(err)
	}

	if got := b.Snapshot().Marked; got != 0 {
		t.Errorf("tagging a changed b: M = %d", got)
	}
	b.Reset()
	if s := a.Snapshot(); s.Phase != PhaseTagging || s.Marked != 100 {
		t.Errorf("resetting b changed a: %+v", s)
	}
}

func TestRegistry_SeededIsReproducible(t *testing.T) {
	seed := uint64(99)
	run := func() []int {
		r := NewRegistry(RegistryConfig{Session: DefaultConfig(), Seed: &seed})
		var sizes []int
		for i := 0; i < 3; i++ {
			c, err := r.Open(estimate.ModeHidden)
			if err != nil {
				t.Fatal(err)
			}
			if err := c.CreateRandom(); err != nil {
				t.Fatal(err)
			}
			sizes = append(sizes, c.pop.Size())
		}
		return sizes
	}
	first, second := run(), run()
	if !reflect.DeepEqual(first, second) {
		t.Errorf("seeded registries diverged: %v vs %v", first, second)
	}
}

func TestRegistry_ObserverAttached(t *testing.T) {
	var seen []string
	r := NewRegistry(RegistryConfig{
		Session:  DefaultConfig(),
		Observer: ObserverFunc(func(ev Event) { seen = append(seen, ev.SessionID) }),
	})
	c, _ := r.Open(estimate.ModeKnown)
	if err := c.Create(1000); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0] != c.ID() {
		t.Errorf("observer saw %v, want [%s]", seen, c.ID())
	}
}
