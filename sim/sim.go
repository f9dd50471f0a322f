// Package sim provides in-process image, module and runtime collaborators
// for driving a loader.Domain without a real binder or type system.
package sim

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/chazu/modload/loader"
)

var ErrInjected = errors.New("injected failure")

// ImageSpec describes one simulated image.
type ImageSpec struct {
	Name           string
	System         bool
	AOT            bool
	Invalid        string // non-empty: ValidateForExecution fails with this reason
	Debuggable     []byte // debuggable attribute blob, nil when absent
	Initializer    bool
	WrapExceptions bool
	Deps           []string     // units the initializer activates
	FailAt         loader.Level // step that fails; LevelCreate for none
}

// CanFailAt reports whether a failure can be injected at level. Only steps
// that call into a collaborator which can fail are injectable.
func CanFailAt(level loader.Level) bool {
	switch level {
	case loader.LevelBeforeTypeLoad, loader.LevelEagerFixups, loader.LevelVTableFixups, loader.LevelActive:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Call log
// ---------------------------------------------------------------------------

// Call is one recorded collaborator call.
type Call struct {
	Module string
	Op     string
}

// CallLog records collaborator calls in order.
type CallLog struct {
	mu    sync.Mutex
	calls []Call
}

func (l *CallLog) add(module, op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, Call{Module: module, Op: op})
}

// Calls returns a copy of the log.
func (l *CallLog) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.calls)
}

// Count returns how many times op ran for module.
func (l *CallLog) Count(module, op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c.Module == module && c.Op == op {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Images
// ---------------------------------------------------------------------------

// Host is a binder-level handle.
type Host struct {
	unit atomic.Pointer[loader.Unit]
}

func (h *Host) SetUnit(u *loader.Unit) { h.unit.Store(u) }

// Unit returns the unit currently associated with the handle.
func (h *Host) Unit() *loader.Unit { return h.unit.Load() }

// Image implements loader.Image.
type Image struct {
	spec   ImageSpec
	host   Host
	refs   atomic.Int32
	loaded atomic.Bool
}

func newImage(spec ImageSpec) *Image {
	img := &Image{spec: spec}
	img.loaded.Store(true)
	return img
}

func (i *Image) Name() string { return i.spec.Name }
func (i *Image) AddRef()      { i.refs.Add(1) }
func (i *Image) Release()     { i.refs.Add(-1) }

// Refs returns the current reference count.
func (i *Image) Refs() int32 { return i.refs.Load() }

func (i *Image) ValidateForExecution() error {
	if i.spec.Invalid != "" {
		return errors.New(i.spec.Invalid)
	}
	return nil
}

func (i *Image) IsLoaded() bool { return i.loaded.Load() }
func (i *Image) IsSystem() bool { return i.spec.System }

// Unmap marks the image as no longer mapped.
func (i *Image) Unmap() { i.loaded.Store(false) }

func (i *Image) CustomAttribute(name string) ([]byte, bool) {
	if name != loader.DebuggableAttribute || i.spec.Debuggable == nil {
		return nil, false
	}
	return i.spec.Debuggable, true
}

func (i *Image) HostAssembly() loader.HostAssembly { return &i.host }

// Host returns the image's binder-level handle.
func (i *Image) Host() *Host { return &i.host }

// ---------------------------------------------------------------------------
// Modules
// ---------------------------------------------------------------------------

// Module implements loader.Module and loader.Expander.
type Module struct {
	spec  ImageSpec
	bits  loader.DebuggerBits
	world *World
	init  *initializer
}

func (m *Module) Name() string                      { return m.spec.Name }
func (m *Module) IsAOT() bool                       { return m.spec.AOT }
func (m *Module) WrapsExceptions() bool             { return m.spec.WrapExceptions }
func (m *Module) DebuggerBits() loader.DebuggerBits { return m.bits }

func (m *Module) fail(level loader.Level) error {
	if m.spec.FailAt == level {
		return fmt.Errorf("%w: %s at %s", ErrInjected, m.spec.Name, level)
	}
	return nil
}

func (m *Module) RunEagerFixups(ctx context.Context) error {
	m.world.Calls.add(m.spec.Name, "eager-fixups")
	return m.fail(loader.LevelEagerFixups)
}

func (m *Module) FixupVTables(ctx context.Context) error {
	m.world.Calls.add(m.spec.Name, "vtable-fixups")
	return m.fail(loader.LevelVTableFixups)
}

func (m *Module) GlobalInitializer() loader.Initializer {
	if m.init == nil {
		return nil
	}
	return m.init
}

func (m *Module) ExpandAll(ctx context.Context) error {
	m.world.Calls.add(m.spec.Name, "expand")
	return nil
}

func (m *Module) Close() error {
	m.world.Calls.add(m.spec.Name, "close")
	return nil
}

type initializer struct {
	module *Module
}

func (i *initializer) CheckRestore(ctx context.Context) error {
	i.module.world.Calls.add(i.module.spec.Name, "restore")
	return nil
}

// Run activates every dependency on the caller's load chain, then fails if
// asked to.
func (i *initializer) Run(ctx context.Context) error {
	name := i.module.spec.Name
	i.module.world.Calls.add(name, "initializer")
	for _, dep := range i.module.spec.Deps {
		u, ok := i.module.world.Unit(dep)
		if !ok {
			return fmt.Errorf("%s: dependency %s is not open", name, dep)
		}
		if _, err := u.Ensure(ctx, loader.LevelActive); err != nil {
			return fmt.Errorf("%s: activate %s: %w", name, dep, err)
		}
	}
	return i.module.fail(loader.LevelActive)
}

// ---------------------------------------------------------------------------
// Runtime services
// ---------------------------------------------------------------------------

// Collector implements loader.Collector and counts cooperative windows.
type Collector struct {
	entered atomic.Int64
	inside  atomic.Int64
}

func (c *Collector) EnterCooperative() func() {
	c.entered.Add(1)
	c.inside.Add(1)
	return func() { c.inside.Add(-1) }
}

// Entered returns how many cooperative windows were opened.
func (c *Collector) Entered() int64 { return c.entered.Load() }

// Inside returns how many cooperative windows are open now.
func (c *Collector) Inside() int64 { return c.inside.Load() }

// NativeRegistry implements loader.AOTRegistry.
type NativeRegistry struct {
	mu      sync.RWMutex
	modules []string
}

func (r *NativeRegistry) Register(m loader.Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.modules, m.Name()) {
		r.modules = append(r.modules, m.Name())
	}
}

// Modules returns registered module names in registration order.
func (r *NativeRegistry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.modules)
}

// Allocator implements loader.Allocator.
type Allocator struct {
	Collectible bool
}

func (a Allocator) IsCollectible() bool { return a.Collectible }
