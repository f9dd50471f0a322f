package profiler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chazu/modload/loader"
	"github.com/chazu/modload/sim"
)

func loadAll(t *testing.T, p *Profiler, specs ...sim.ImageSpec) []*loader.Unit {
	t.Helper()
	w, err := sim.NewWorld(specs)
	if err != nil {
		t.Fatal(err)
	}
	d := loader.NewDomain(loader.Options{
		Modules: w.Modules(),
		Sinks:   loader.Sinks{Profiler: p},
	})
	t.Cleanup(func() { _ = d.Close() })

	units, failed := w.OpenAll(d, sim.Allocator{})
	if len(failed) != 0 {
		t.Fatalf("open failures: %v", failed)
	}
	var wg sync.WaitGroup
	for _, u := range units {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = u.Ensure(context.Background(), loader.LevelActive)
		}()
	}
	wg.Wait()
	return units
}

func TestProfilerOneCallbackPerUnit(t *testing.T) {
	p := New()
	units := loadAll(t, p,
		sim.ImageSpec{Name: "a"},
		sim.ImageSpec{Name: "b", FailAt: loader.LevelVTableFixups},
		sim.ImageSpec{Name: "c", FailAt: loader.LevelBeforeTypeLoad},
		sim.ImageSpec{Name: "d", AOT: true},
	)

	stats := p.Stats()
	if stats.Modules != len(units) {
		t.Errorf("Modules = %d, want %d", stats.Modules, len(units))
	}
	if stats.Notifications != uint64(len(units)) {
		t.Errorf("Notifications = %d, want %d", stats.Notifications, len(units))
	}
	if stats.Duplicates != 0 {
		t.Errorf("Duplicates = %d, want 0", stats.Duplicates)
	}
	// Only c reports an error; b fails after its callback went out.
	if stats.Failed != 1 {
		t.Errorf("Failed = %d, want 1", stats.Failed)
	}

	for _, u := range units {
		profile := p.Profile(u)
		if profile == nil {
			t.Errorf("no profile for %s", u.Name())
			continue
		}
		if u.Name() == "c" {
			if !errors.Is(profile.Err, loader.ErrImageNotLoaded) {
				t.Errorf("c profile error = %v", profile.Err)
			}
			continue
		}
		if profile.Err != nil {
			t.Errorf("%s profile error = %v, want nil", u.Name(), profile.Err)
		}
		if profile.Level != loader.LevelBegin {
			t.Errorf("%s notified at %s, want BEGIN", u.Name(), profile.Level)
		}
	}
}

func TestProfilerOnLoadFinishedHook(t *testing.T) {
	p := New()
	var mu sync.Mutex
	var seen []string
	p.OnLoadFinished = func(u *loader.Unit, profile *ModuleProfile) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, profile.Name)
	}
	loadAll(t, p, sim.ImageSpec{Name: "x"}, sim.ImageSpec{Name: "y"})
	if len(seen) != 2 {
		t.Errorf("hook ran for %v, want two units", seen)
	}
}

func TestProfilesOrdering(t *testing.T) {
	p := New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	times := []time.Time{base.Add(time.Second), base, base}
	i := 0
	p.now = func() time.Time {
		ts := times[i]
		i++
		return ts
	}

	w, err := sim.NewWorld([]sim.ImageSpec{{Name: "late"}, {Name: "zeta"}, {Name: "alpha"}})
	if err != nil {
		t.Fatal(err)
	}
	d := loader.NewDomain(loader.Options{Modules: w.Modules(), Sinks: loader.Sinks{Profiler: p}})
	t.Cleanup(func() { _ = d.Close() })
	units, _ := w.OpenAll(d, sim.Allocator{})
	for _, u := range units {
		if _, err := u.Ensure(context.Background(), loader.LevelBeforeTypeLoad); err != nil {
			t.Fatal(err)
		}
	}

	var names []string
	for _, profile := range p.Profiles() {
		names = append(names, profile.Name)
	}
	want := []string{"alpha", "zeta", "late"}
	if len(names) != len(want) {
		t.Fatalf("Profiles() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Profiles()[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}
