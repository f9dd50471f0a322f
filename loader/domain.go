package loader

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/sasha-s/go-deadlock"
	"github.com/tliron/commonlog"
)

// Options configures a Domain.
type Options struct {
	Name string

	// Modules decodes the module of each image opened in the domain.
	Modules ModuleFactory

	Sinks     Sinks
	Collector Collector
	AOT       AOTRegistry
	Recorder  Recorder

	// ExpandModulesOnLoad expands every module implementing Expander
	// while it is activated.
	ExpandModulesOnLoad bool

	Logger commonlog.Logger
}

// Domain coordinates loading for every unit of one execution domain. It
// owns the shared load lock, the unit table and the driver that advances
// units one level at a time.
type Domain struct {
	name string

	// mu is the shared load lock. It is never held while a step runs.
	mu       deadlock.Mutex
	created  []*Unit
	units    []*Unit
	trackers map[*Unit]*tracker
	onLoaded []func(*Unit)
	closed   bool

	newModule    ModuleFactory
	sinks        Sinks
	collector    Collector
	aot          AOTRegistry
	recorder     Recorder
	expandOnLoad bool
	log          commonlog.Logger
}

// NewDomain creates a domain.
func NewDomain(opts Options) *Domain {
	d := &Domain{
		name:         opts.Name,
		trackers:     make(map[*Unit]*tracker),
		newModule:    opts.Modules,
		sinks:        opts.Sinks,
		collector:    opts.Collector,
		aot:          opts.AOT,
		recorder:     opts.Recorder,
		expandOnLoad: opts.ExpandModulesOnLoad,
		log:          opts.Logger,
	}
	if d.name == "" {
		d.name = "default"
	}
	if d.collector == nil {
		d.collector = noopCollector{}
	}
	if d.log == nil {
		d.log = commonlog.GetLogger("modload.loader")
	}
	return d
}

// Name returns the domain name.
func (d *Domain) Name() string { return d.name }

// Open creates a unit for img at LevelCreate. The unit joins the domain
// table when it reaches LevelBegin.
func (d *Domain) Open(img Image, alloc Allocator) (*Unit, error) {
	if d.newModule == nil {
		return nil, errors.New("domain has no module factory")
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, ErrDomainClosed
	}

	u, err := newUnit(d, img, alloc)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		_ = u.close()
		return nil, ErrDomainClosed
	}
	d.created = append(d.created, u)
	return u, nil
}

// OnUnitLoaded registers fn to run once for each unit after it first
// reaches LevelLoaded. fn runs outside the load lock.
func (d *Domain) OnUnitLoaded(fn func(*Unit)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onLoaded = append(d.onLoaded, fn)
}

func (d *Domain) listeners() []func(*Unit) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.onLoaded)
}

// Units returns the registered units in registration order.
func (d *Domain) Units() []*Unit {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.units)
}

// LoadedUnits returns the registered units that reached LevelLoaded. This
// is the view diagnostic enumeration walks.
func (d *Domain) LoadedUnits() []*Unit {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Unit
	for _, u := range d.units {
		if u.IsLoaded() {
			out = append(out, u)
		}
	}
	return out
}

// Lookup returns the registered unit with the given name.
func (d *Domain) Lookup(name string) (*Unit, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.units {
		if u.name == name {
			return u, true
		}
	}
	return nil, false
}

func (d *Domain) addUnit(u *Unit) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDomainClosed
	}
	if !slices.Contains(d.units, u) {
		d.units = append(d.units, u)
	}
	d.log.Infof("domain %s: registered %s", d.name, u.name)
	return nil
}

func (d *Domain) setLevel(u *Unit, l Level) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u.completeLevel(l)
}

// ---------------------------------------------------------------------------
// Driver
// ---------------------------------------------------------------------------

// load advances u one level at a time until it reaches target, fails, or
// the request has to stop short: the next step of u is already running on
// this call chain, or waiting for it would deadlock. Waits end early when
// ctx is done, which is how a host breaks a stuck load.
func (d *Domain) load(ctx context.Context, u *Unit, target Level) error {
	ctx, s := withSession(ctx)
	for {
		d.mu.Lock()
		if u.Level() >= target || !u.IsLoading() {
			d.mu.Unlock()
			break
		}

		t := d.trackers[u]
		if t == nil {
			t = &tracker{unit: u, owner: s, target: u.Level().Next(), done: make(chan struct{})}
			d.trackers[u] = t
			d.mu.Unlock()
			d.step(ctx, t)
			continue
		}

		if s.blocks(t) {
			d.mu.Unlock()
			if t.owner == s {
				d.log.Debugf("unit %s: reentrant request for %s while %s is running", u.name, target, t.target)
			} else {
				d.log.Warningf("unit %s: deadlock waiting for %s, continuing at %s", u.name, t.target, u.Level())
			}
			break
		}

		s.waiting = t
		d.mu.Unlock()
		select {
		case <-t.done:
		case <-ctx.Done():
		}
		d.mu.Lock()
		s.waiting = nil
		d.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("waiting for %s to reach %s: %w", u.name, t.target, err)
		}
	}

	u.deliverAsyncEvents()
	return nil
}

// step runs one incremental step while s owns the unit's tracker.
func (d *Domain) step(ctx context.Context, t *tracker) {
	u := t.unit
	defer func() {
		d.mu.Lock()
		delete(d.trackers, u)
		d.mu.Unlock()
		close(t.done)
	}()

	ok, err := u.advance(ctx, t.target)
	if err != nil {
		u.setError(ctx, t.target, err)
		return
	}
	if ok {
		d.setLevel(u, t.target)
		d.log.Debugf("unit %s: reached %s", u.name, t.target)
	}
}

// checkLoading reports whether u is at target, or is being advanced to it
// on the calling chain (or behind a deadlock with it).
func (d *Domain) checkLoading(ctx context.Context, u *Unit, target Level) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u.Level() >= target {
		return true
	}
	t := d.trackers[u]
	s := sessionFrom(ctx)
	if t == nil || s == nil {
		return false
	}
	return t.target >= target && s.blocks(t)
}

// Close tears down every unit opened in the domain, newest first. Debugger
// unload notifications go out before each module is destroyed.
func (d *Domain) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	units := slices.Clone(d.created)
	d.mu.Unlock()

	var errs []error
	for _, u := range slices.Backward(units) {
		u.NotifyDebuggerUnload()
		if err := u.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
