package sim

import (
	"fmt"
	"sync"

	"github.com/chazu/modload/loader"
)

// World holds the simulated images of one domain and resolves units by
// name for initializer dependencies.
type World struct {
	Calls     *CallLog
	Registry  *NativeRegistry
	Collector *Collector

	mu     sync.Mutex
	specs  []ImageSpec
	images map[string]*Image
	units  map[string]*loader.Unit
}

// NewWorld validates specs and creates their images.
func NewWorld(specs []ImageSpec) (*World, error) {
	w := &World{
		Calls:     &CallLog{},
		Registry:  &NativeRegistry{},
		Collector: &Collector{},
		images:    make(map[string]*Image),
		units:     make(map[string]*loader.Unit),
	}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("image with empty name")
		}
		if _, dup := w.images[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate image %q", spec.Name)
		}
		if spec.FailAt != loader.LevelCreate && !CanFailAt(spec.FailAt) {
			return nil, fmt.Errorf("image %q: cannot inject a failure at %s", spec.Name, spec.FailAt)
		}
		switch spec.FailAt {
		case loader.LevelEagerFixups:
			spec.AOT = true
		case loader.LevelActive:
			spec.Initializer = true
		}
		if len(spec.Deps) > 0 {
			spec.Initializer = true
		}
		w.specs = append(w.specs, spec)
		w.images[spec.Name] = newImage(spec)
	}
	for _, spec := range w.specs {
		for _, dep := range spec.Deps {
			if _, ok := w.images[dep]; !ok {
				return nil, fmt.Errorf("image %q depends on unknown image %q", spec.Name, dep)
			}
		}
	}
	return w, nil
}

// Image returns the named image.
func (w *World) Image(name string) (*Image, bool) {
	img, ok := w.images[name]
	return img, ok
}

// Unit returns the unit opened for the named image.
func (w *World) Unit(name string) (*loader.Unit, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	u, ok := w.units[name]
	return u, ok
}

// Modules returns the factory that decodes simulated images.
func (w *World) Modules() loader.ModuleFactory {
	return func(img loader.Image, bits loader.DebuggerBits, collectible bool) (loader.Module, error) {
		si, ok := img.(*Image)
		if !ok {
			return nil, fmt.Errorf("image %s is not simulated", img.Name())
		}
		m := &Module{spec: si.spec, bits: bits, world: w}
		if si.spec.Initializer {
			m.init = &initializer{module: m}
		}
		return m, nil
	}
}

// Open opens the named image in d.
func (w *World) Open(d *loader.Domain, name string, alloc loader.Allocator) (*loader.Unit, error) {
	img, ok := w.images[name]
	if !ok {
		return nil, fmt.Errorf("unknown image %q", name)
	}
	u, err := d.Open(img, alloc)
	if err != nil {
		return nil, err
	}
	if img.spec.FailAt == loader.LevelBeforeTypeLoad {
		img.Unmap()
	}
	w.mu.Lock()
	w.units[name] = u
	w.mu.Unlock()
	return u, nil
}

// OpenAll opens every image in spec order. Images that fail to open are
// reported in the returned map and skipped.
func (w *World) OpenAll(d *loader.Domain, alloc loader.Allocator) ([]*loader.Unit, map[string]error) {
	var units []*loader.Unit
	failed := map[string]error{}
	for _, spec := range w.specs {
		u, err := w.Open(d, spec.Name, alloc)
		if err != nil {
			failed[spec.Name] = err
			continue
		}
		units = append(units, u)
	}
	return units, failed
}
