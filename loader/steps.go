package loader

import (
	"context"
	"fmt"
)

// stepFunc performs the work that takes a unit to one level.
type stepFunc func(u *Unit, ctx context.Context) error

// steps maps each level to the step that reaches it. LevelCreate is
// reached by construction and has no step.
var steps = [levelCount]stepFunc{
	LevelBegin:          (*Unit).begin,
	LevelBeforeTypeLoad: (*Unit).beforeTypeLoad,
	LevelEagerFixups:    (*Unit).eagerFixups,
	LevelDeliverEvents:  (*Unit).deliverSyncEvents,
	LevelVTableFixups:   (*Unit).vtableFixups,
	LevelLoaded:         (*Unit).finishLoad,
	LevelActive:         (*Unit).activate,
}

// advance runs the step for target. It reports false without running
// anything once a failure has been captured. A level with no step is an
// internal consistency failure.
func (u *Unit) advance(ctx context.Context, target Level) (bool, error) {
	if u.IsError() {
		return false, nil
	}
	if !target.Valid() || steps[target] == nil {
		panic(fmt.Sprintf("loader: no load step for level %s", target))
	}

	if err := steps[target](u, ctx); err != nil {
		return false, err
	}

	if r := u.domain.recorder; r != nil {
		r.RecordModuleLoad(u.module, target)
	}
	return true, nil
}

func (u *Unit) begin(ctx context.Context) error {
	if err := u.domain.addUnit(u); err != nil {
		return err
	}
	u.registerWithHost()
	u.hostPublished.Store(true)
	return nil
}

// beforeTypeLoad gives the profiler its chance to see the module before any
// type is resolved from it.
func (u *Unit) beforeTypeLoad(ctx context.Context) error {
	if !u.image.IsLoaded() {
		return fmt.Errorf("%w: %s", ErrImageNotLoaded, u.name)
	}
	u.notifyProfiler(nil)
	return nil
}

func (u *Unit) eagerFixups(ctx context.Context) error {
	if !u.module.IsAOT() {
		return nil
	}
	if err := u.module.RunEagerFixups(ctx); err != nil {
		return fmt.Errorf("eager fixups: %w", err)
	}
	return nil
}

func (u *Unit) deliverSyncEvents(ctx context.Context) error {
	u.notifyTrace(ctx, nil)
	u.notifyProfiler(nil)

	if u.domain.sinks.Debugger == nil || u.debuggerNotified.delivered() {
		return nil
	}
	leave := u.domain.collector.EnterCooperative()
	defer leave()

	u.shouldNotifyDebugger.Store(true)
	// Dispatched without an attached client too: the debugger keeps the
	// records its attach path replays later.
	u.NotifyDebuggerLoad(AttachAssemblyLoad, false)
	return nil
}

func (u *Unit) vtableFixups(ctx context.Context) error {
	if err := u.module.FixupVTables(ctx); err != nil {
		return fmt.Errorf("vtable fixups: %w", err)
	}
	return nil
}

// finishLoad publishes LevelLoaded before announcing the module, so
// enumeration of the domain already finds it when diagnostics look.
func (u *Unit) finishLoad(ctx context.Context) error {
	u.domain.setLevel(u, LevelLoaded)
	if diag := u.domain.sinks.Diagnostics; diag != nil {
		diag.ModuleEnumerable(u)
	}
	return nil
}

func (u *Unit) activate(ctx context.Context) error {
	if !u.IsLoaded() {
		return fmt.Errorf("%w: activate %s at %s", ErrLoadInProgress, u.name, u.Level())
	}

	// Stack walks cannot resolve the unwind policy, so it is cached before
	// any code from the module runs.
	u.wrapsExceptions.Store(u.module.WrapsExceptions())
	u.unwindResolved.Store(true)

	if init := u.module.GlobalInitializer(); init != nil {
		if err := init.CheckRestore(ctx); err != nil {
			return fmt.Errorf("restore global initializer: %w", err)
		}
		u.activationCheckDisabled.Store(true)
		if err := init.Run(ctx); err != nil {
			return fmt.Errorf("global initializer: %w", err)
		}
	}

	if u.domain.expandOnLoad {
		if ex, ok := u.module.(Expander); ok {
			if err := ex.ExpandAll(ctx); err != nil {
				return fmt.Errorf("expand module: %w", err)
			}
		}
	}

	if u.module.IsAOT() && u.domain.aot != nil {
		u.domain.aot.Register(u.module)
	}
	return nil
}
