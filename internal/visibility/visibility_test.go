package visibility_test

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/MrWong99/vicinity/internal/visibility"
	"github.com/MrWong99/vicinity/internal/world"
)

type recorder struct{ changes []visibility.Change }

func (r *recorder) Deliver(c visibility.Change) { r.changes = append(r.changes, c) }

func (r *recorder) take() []visibility.Change {
	c := r.changes
	r.changes = nil
	return c
}

func bound(t *testing.T, w *world.World, name string) *world.Entity {
	t.Helper()
	e, err := w.CreateEntity(name)
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if err := w.Bind(e.ID(), world.NewBinding(uuid.New(), "en", nil)); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return e
}

func TestCanSee(t *testing.T) {
	t.Parallel()
	def := visibility.Ranges{Max: 10}
	base := world.Attributes{Talk: 0b01, Listen: 0b01}
	at := func(x float64, mod func(*world.Attributes)) world.Attributes {
		a := base
		a.Position = mgl64.Vec3{x, 0, 0}
		if mod != nil {
			mod(&a)
		}
		return a
	}

	tests := []struct {
		name     string
		observer world.Attributes
		subject  world.Attributes
		want     bool
	}{
		{"in range", at(0, nil), at(5, nil), true},
		{"exactly at max range", at(0, nil), at(10, nil), true},
		{"out of range", at(0, nil), at(10.5, nil), false},
		{"subject override extends range", at(0, nil), at(15, func(a *world.Attributes) { a.MaxRange = 20 }), true},
		{"observer override extends range", at(0, func(a *world.Attributes) { a.MaxRange = 20 }), at(15, nil), true},
		{"override below default is ignored", at(0, func(a *world.Attributes) { a.MaxRange = 2 }), at(5, nil), true},
		{"bitmask miss", at(0, func(a *world.Attributes) { a.Listen = 0b10 }), at(1, nil), false},
		{"different zone", at(0, nil), at(1, func(a *world.Attributes) { a.WorldID = "cave" }), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := visibility.CanSee(tt.observer, tt.subject, def); got != tt.want {
				t.Errorf("CanSee = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEffectiveMinRange_CappedAtMax(t *testing.T) {
	t.Parallel()
	got := visibility.EffectiveMinRange(world.Attributes{MinRange: 50}, world.Attributes{}, visibility.Ranges{Max: 10})
	if got != 10 {
		t.Errorf("EffectiveMinRange = %v, want 10", got)
	}
}

func TestTick_AsymmetricScenario(t *testing.T) {
	t.Parallel()
	w := world.New()
	rec := &recorder{}
	sys := visibility.New(w, rec, visibility.WithRanges(visibility.Ranges{Max: 10}))
	t.Cleanup(sys.Close)

	a := bound(t, w, "A")
	a.SetTalkBitmask(0b01)
	b := bound(t, w, "B")
	b.SetListenBitmask(0b01)
	b.SetPosition(mgl64.Vec3{5, 0, 0})
	b.SetProperty(3, world.FloatValue(2))

	st := sys.Tick()

	if st.Gained != 1 {
		t.Fatalf("Gained = %d, want 1", st.Gained)
	}
	if !b.CanSee(a.ID()) {
		t.Error("B should see A")
	}
	if a.CanSee(b.ID()) {
		t.Error("A must not see B: A listens on no bits")
	}
	got := rec.take()
	if len(got) != 1 || got[0].Kind != visibility.Gained || got[0].Observer != b.ID() {
		t.Fatalf("changes = %+v", got)
	}
	if diff := cmp.Diff(a.Snapshot(), got[0].Subject); diff != "" {
		t.Errorf("gained snapshot mismatch (-want +got):\n%s", diff)
	}

	// A second tick without movement changes nothing.
	if st := sys.Tick(); st != (visibility.Stats{}) {
		t.Errorf("steady-state tick = %+v, want zero", st)
	}
}

func TestTick_LostWhenOutOfRange(t *testing.T) {
	t.Parallel()
	w := world.New()
	rec := &recorder{}
	sys := visibility.New(w, rec, visibility.WithRanges(visibility.Ranges{Max: 10}))
	t.Cleanup(sys.Close)

	a := bound(t, w, "A")
	a.SetTalkBitmask(1)
	b := bound(t, w, "B")
	b.SetListenBitmask(1)
	sys.Tick()
	rec.take()

	a.SetPosition(mgl64.Vec3{0, 0, 11})
	sys.Tick()

	want := []visibility.Change{{Kind: visibility.Lost, Observer: b.ID(), SubjectID: a.ID()}}
	if diff := cmp.Diff(want, rec.take()); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}
	if _, ok := w.Entity(a.ID()); !ok {
		t.Error("lost visibility must not destroy the subject")
	}
}

func TestTick_UnboundSubjectsAreIgnored(t *testing.T) {
	t.Parallel()
	w := world.New()
	sys := visibility.New(w, nil)
	t.Cleanup(sys.Close)

	npc, _ := w.CreateEntity("npc")
	npc.SetTalkBitmask(1)
	obs := bound(t, w, "obs")
	obs.SetListenBitmask(1)

	sys.Tick()
	if obs.CanSee(npc.ID()) {
		t.Error("unbound entity must not become visible")
	}
}

func TestDestroyRemovesFromVisibleSets(t *testing.T) {
	t.Parallel()
	w := world.New()
	sys := visibility.New(w, nil)
	t.Cleanup(sys.Close)

	a := bound(t, w, "A")
	a.SetTalkBitmask(1)
	b := bound(t, w, "B")
	b.SetListenBitmask(1)
	sys.Tick()
	if !b.CanSee(a.ID()) {
		t.Fatal("precondition: B sees A")
	}

	if err := w.DestroyEntity(a.ID()); err != nil {
		t.Fatalf("DestroyEntity: %v", err)
	}
	if b.CanSee(a.ID()) {
		t.Error("destroyed id still in visible set before the next tick")
	}
}

func TestTick_TrimsAfterReset(t *testing.T) {
	t.Parallel()
	w := world.New()
	sys := visibility.New(w, nil)
	t.Cleanup(sys.Close)

	a := bound(t, w, "A")
	a.SetTalkBitmask(1)
	b := bound(t, w, "B")
	b.SetListenBitmask(1)
	sys.Tick()

	// A stale entry pointing at an id that no longer exists.
	b.AddVisible(99)
	st := sys.Tick()
	if st.Trimmed != 1 {
		t.Errorf("Trimmed = %d, want 1", st.Trimmed)
	}
	if diff := cmp.Diff([]int{a.ID()}, b.VisibleIDs()); diff != "" {
		t.Errorf("visible set (-want +got):\n%s", diff)
	}
}
