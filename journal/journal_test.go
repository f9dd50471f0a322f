package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/modload/debugger"
	"github.com/chazu/modload/loader"
	"github.com/chazu/modload/profiler"
	"github.com/chazu/modload/sim"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func TestAppendAndList(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, kind := range []Kind{KindStep, KindTrace, KindStep} {
		unit := "u1"
		if i == 1 {
			unit = "u2"
		}
		if err := store.Append(ctx, Entry{
			UnitID:    unit,
			Module:    "m",
			Domain:    "d",
			Kind:      kind,
			Level:     "BEGIN",
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	all, err := store.List(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("entries = %d, want 3", len(all))
	}
	if all[1].Kind != KindTrace || all[1].UnitID != "u2" {
		t.Errorf("entry[1] = %+v", all[1])
	}
	if !all[2].CreatedAt.Equal(now.Add(2 * time.Second)) {
		t.Errorf("created_at = %v", all[2].CreatedAt)
	}

	one, err := store.List(ctx, "u1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(one) != 1 || one[0].UnitID != "u1" {
		t.Errorf("filtered = %+v", one)
	}
}

func TestAppendValidation(t *testing.T) {
	store := openTempStore(t)
	if err := store.Append(context.Background(), Entry{}); err == nil {
		t.Fatal("expected validation error for empty entry")
	}
	if err := store.Append(context.Background(), Entry{UnitID: "u"}); err == nil {
		t.Fatal("expected validation error for missing kind")
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestJournalWrapsSinks(t *testing.T) {
	store := openTempStore(t)
	j := New(store)

	w, err := sim.NewWorld([]sim.ImageSpec{
		{Name: "good"},
		{Name: "bad", FailAt: loader.LevelVTableFixups},
	})
	if err != nil {
		t.Fatal(err)
	}
	prof := profiler.New()
	dbg := debugger.NewServer(16)

	var d *loader.Domain
	d = loader.NewDomain(loader.Options{
		Modules:  w.Modules(),
		Sinks:    j.Wrap(loader.Sinks{Profiler: prof, Debugger: dbg}),
		Recorder: j.Recorder(func(name string) (*loader.Unit, bool) { return d.Lookup(name) }, nil),
	})
	dbg.Attach(d)

	units, _ := w.OpenAll(d, sim.Allocator{})
	ctx := context.Background()
	for _, u := range units {
		_, _ = u.Ensure(ctx, loader.LevelActive)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	good, bad := units[0], units[1]
	counts := []struct {
		unit *loader.Unit
		kind Kind
		want int
	}{
		{good, KindStep, 7},
		{good, KindTrace, 1},
		{good, KindProfiler, 1},
		{good, KindEnumerable, 1},
		{good, KindDebuggerLoad, 1},
		{good, KindDebuggerUnload, 1},
		{bad, KindStep, 4},
		{bad, KindTrace, 1},
		{bad, KindEnumerable, 0},
	}
	for _, c := range counts {
		n, err := store.Count(ctx, c.unit.ID().String(), c.kind)
		if err != nil {
			t.Fatal(err)
		}
		if n != c.want {
			t.Errorf("%s %s entries = %d, want %d", c.unit.Name(), c.kind, n, c.want)
		}
	}

	entries, err := store.List(ctx, bad.ID().String(), 0)
	if err != nil {
		t.Fatal(err)
	}
	var traced *Entry
	for i := range entries {
		if entries[i].Kind == KindTrace {
			traced = &entries[i]
		}
	}
	if traced == nil || traced.Err != "" {
		t.Errorf("bad trace entry = %+v, want success recorded before the failure", traced)
	}

	if prof.Stats().Modules != 2 {
		t.Errorf("wrapped profiler saw %d modules", prof.Stats().Modules)
	}
}

func TestWrapWithoutDebugger(t *testing.T) {
	j := New(openTempStore(t))
	sinks := j.Wrap(loader.Sinks{})
	if sinks.Debugger != nil {
		t.Error("wrapping a nil debugger should leave it nil")
	}
	if sinks.Tracer == nil || sinks.Profiler == nil || sinks.Diagnostics == nil {
		t.Error("journal sinks should always be installed")
	}
}

func TestWrappedDebuggerForwardsAttach(t *testing.T) {
	dbg := debugger.NewServer(4)
	sinks := New(openTempStore(t)).Wrap(loader.Sinks{Debugger: dbg, Profiler: profiler.New()})
	if sinks.Debugger.Attached() {
		t.Error("wrapped debugger should start detached")
	}
	dbg.Attach(nil)
	if !sinks.Debugger.Attached() {
		t.Error("wrapped debugger should report the server's attach")
	}
}
