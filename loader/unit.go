package loader

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// Unit pairs an image with its decoded module inside one domain and tracks
// the pair's progress through the load levels.
type Unit struct {
	id          uuid.UUID
	name        string
	domain      *Domain
	image       Image
	module      Module
	bits        DebuggerBits
	collectible bool
	log         commonlog.Logger

	level   atomic.Int32
	loading atomic.Bool
	failure atomic.Pointer[Failure]

	profilerNotified      oneShot
	traceNotified         oneShot
	debuggerNotified      oneShot
	debuggerUnloadStarted oneShot
	asyncDelivered        oneShot
	shouldNotifyDebugger  atomic.Bool

	activationCheckDisabled atomic.Bool
	hostPublished           atomic.Bool
	unwindResolved          atomic.Bool
	wrapsExceptions         atomic.Bool
	closed                  atomic.Bool
}

// newUnit opens img inside d. The module is decoded before returning; any
// failure releases the image reference and yields no unit.
func newUnit(d *Domain, img Image, alloc Allocator) (*Unit, error) {
	img.AddRef()
	u := &Unit{
		id:          uuid.New(),
		name:        img.Name(),
		domain:      d,
		image:       img,
		collectible: alloc != nil && alloc.IsCollectible(),
		log:         d.log,
	}
	u.loading.Store(true)

	if err := img.ValidateForExecution(); err != nil {
		img.Release()
		return nil, fmt.Errorf("%w: %s: %w", ErrImageInvalid, u.name, err)
	}

	bits, err := DebuggingConfig(img)
	if err != nil {
		img.Release()
		return nil, fmt.Errorf("%s: %w", u.name, err)
	}
	u.bits = bits
	u.log.Debugf("unit %s: debugger bits=%s", u.name, bits)

	m, err := d.newModule(img, bits, u.collectible)
	if err != nil {
		img.Release()
		return nil, fmt.Errorf("create module %s: %w", u.name, err)
	}
	if m == nil {
		img.Release()
		return nil, fmt.Errorf("create module %s: factory returned no module", u.name)
	}
	u.module = m

	if !img.IsLoaded() {
		_ = m.Close()
		img.Release()
		return nil, fmt.Errorf("%w: %s", ErrImageNotLoaded, u.name)
	}
	return u, nil
}

// ID returns the unit's instance identifier.
func (u *Unit) ID() uuid.UUID { return u.id }

// Name returns the image name.
func (u *Unit) Name() string { return u.name }

func (u *Unit) String() string { return u.name }

// Domain returns the owning domain.
func (u *Unit) Domain() *Domain { return u.domain }

// Image returns the image handle.
func (u *Unit) Image() Image { return u.image }

// Module returns the decoded module.
func (u *Unit) Module() Module { return u.module }

// DebuggerBits returns the debugging configuration decoded at construction.
func (u *Unit) DebuggerBits() DebuggerBits { return u.bits }

// IsCollectible reports whether the unit belongs to a collectible allocator.
func (u *Unit) IsCollectible() bool { return u.collectible }

// Level returns the current load level.
func (u *Unit) Level() Level { return Level(u.level.Load()) }

// IsLoading reports whether the unit can still make progress.
func (u *Unit) IsLoading() bool { return u.loading.Load() }

// IsLoaded reports whether the unit reached LevelLoaded.
func (u *Unit) IsLoaded() bool { return u.Level() >= LevelLoaded }

// IsActive reports whether the unit reached LevelActive.
func (u *Unit) IsActive() bool { return u.Level() >= LevelActive }

// Err returns the captured failure, or nil.
func (u *Unit) Err() error {
	if f := u.failure.Load(); f != nil {
		return f
	}
	return nil
}

// IsError reports whether a failure has been captured.
func (u *Unit) IsError() bool { return u.failure.Load() != nil }

// HostPublished reports whether the binder-level association points here.
func (u *Unit) HostPublished() bool { return u.hostPublished.Load() }

// ActivationCheckDisabled reports whether the global initializer has begun.
func (u *Unit) ActivationCheckDisabled() bool { return u.activationCheckDisabled.Load() }

// WrapsExceptions returns the cached exception-unwind policy and whether it
// has been resolved yet.
func (u *Unit) WrapsExceptions() (wraps, resolved bool) {
	return u.wrapsExceptions.Load(), u.unwindResolved.Load()
}

// completeLevel raises the level to l. Callers hold the domain lock.
func (u *Unit) completeLevel(l Level) {
	for {
		cur := u.level.Load()
		if Level(cur) >= l {
			return
		}
		if u.level.CompareAndSwap(cur, int32(l)) {
			break
		}
	}
	if l >= LevelActive {
		u.loading.Store(false)
	}
}

// ---------------------------------------------------------------------------
// Level requests
// ---------------------------------------------------------------------------

// Outcome qualifies a successful Ensure.
type Outcome int

const (
	// Reached means the unit is at or above the requested level.
	Reached Outcome = iota
	// OneShort means the unit stopped exactly one level below the request
	// because the request reentered a load already in progress further up
	// the same call chain, or crossed a detected deadlock.
	OneShort
)

func (o Outcome) String() string {
	switch o {
	case Reached:
		return "reached"
	case OneShort:
		return "one-short"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Ensure drives the unit to target through the domain. A captured failure
// above the frozen level is returned as the same *Failure every time.
func (u *Unit) Ensure(ctx context.Context, target Level) (Outcome, error) {
	if !u.IsLoading() {
		if err := u.throwIfError(target); err != nil {
			return Reached, err
		}
		return Reached, nil
	}

	if err := u.domain.load(ctx, u, target); err != nil {
		return Reached, err
	}
	if u.Level() >= target {
		return Reached, nil
	}
	if err := u.throwIfError(target); err != nil {
		return Reached, err
	}
	if err := u.Require(target - 1); err != nil {
		return Reached, err
	}
	u.log.Debugf("unit %s: %s requested, stopped at %s", u.name, target, u.Level())
	return OneShort, nil
}

// Require fails when the unit is below target, without driving the load.
func (u *Unit) Require(target Level) error {
	if u.Level() >= target {
		return nil
	}
	if err := u.throwIfError(target); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s at %s, need %s", ErrLoadInProgress, u.name, u.Level(), target)
}

// CheckLevel reports whether the unit satisfies target. With deadlockOK
// the domain also accepts a unit whose load is in progress on the calling
// chain or blocked behind it.
func (u *Unit) CheckLevel(ctx context.Context, target Level, deadlockOK bool) bool {
	if deadlockOK {
		return u.domain.checkLoading(ctx, u, target)
	}
	return u.Level() >= target
}

// CheckNoError reports whether the unit is usable at target: it already
// reached target or never failed.
func (u *Unit) CheckNoError(target Level) bool {
	return u.Level() >= target || !u.IsError()
}

// CheckLoaded reports whether code in this unit may run.
func (u *Unit) CheckLoaded() error {
	if !u.CheckNoError(LevelLoaded) {
		return u.Err()
	}
	if u.IsLoaded() || u.image.IsSystem() {
		return nil
	}
	if !u.image.IsLoaded() {
		return fmt.Errorf("%w: %s", ErrImageNotLoaded, u.name)
	}
	return nil
}

// CheckActivated reports whether the unit had execution verified. The
// bootstrap image is exempt; so is a unit whose global initializer is
// already running.
func (u *Unit) CheckActivated(ctx context.Context) error {
	if !u.CheckNoError(LevelActive) {
		return u.Err()
	}
	if u.IsActive() || u.image.IsSystem() {
		return nil
	}
	if !u.image.IsLoaded() {
		return fmt.Errorf("%w: %s", ErrImageNotLoaded, u.name)
	}
	if !u.IsLoaded() {
		return fmt.Errorf("%w: %s at %s", ErrLoadInProgress, u.name, u.Level())
	}
	if u.ActivationCheckDisabled() || u.CheckLevel(ctx, LevelActive, true) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotActivated, u.name)
}

// ---------------------------------------------------------------------------
// Failure capture
// ---------------------------------------------------------------------------

// setError captures err. A unit captures at most one failure; after it the
// unit stops loading.
func (u *Unit) setError(ctx context.Context, step Level, err error) *Failure {
	f := freeze(u.name, u.Level(), step, err)
	if !u.failure.CompareAndSwap(nil, f) {
		return u.failure.Load()
	}
	u.loading.Store(false)
	u.log.Errorf("unit %s: %s", u.name, f.Error())

	u.notifyTrace(ctx, f)
	u.notifyProfiler(f)
	return f
}

func (u *Unit) throwIfError(target Level) error {
	if u.Level() < target {
		if f := u.failure.Load(); f != nil {
			return f
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// close clears the host association, destroys the module and releases
// the image. It runs once.
func (u *Unit) close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return nil
	}
	if u.hostPublished.Load() {
		u.unregisterFromHost()
	}
	var errs []error
	if err := u.module.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close module %s: %w", u.name, err))
	}
	u.image.Release()
	return errors.Join(errs...)
}

func (u *Unit) registerWithHost() {
	if h := u.image.HostAssembly(); h != nil {
		h.SetUnit(u)
	}
}

func (u *Unit) unregisterFromHost() {
	if h := u.image.HostAssembly(); h != nil {
		h.SetUnit(nil)
	}
}
