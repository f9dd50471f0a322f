package loader

import (
	"context"
	"sync/atomic"
)

// oneShot is a notification flag that is delivered at most once.
type oneShot struct {
	done atomic.Bool
}

// tryDeliver marks the flag and reports whether this call was the one that
// marked it.
func (o *oneShot) tryDeliver() bool {
	return o.done.CompareAndSwap(false, true)
}

func (o *oneShot) delivered() bool {
	return o.done.Load()
}

// notifyTrace sends the unit's single tracing event.
func (u *Unit) notifyTrace(ctx context.Context, err error) {
	if !u.traceNotified.tryDeliver() {
		return
	}
	if t := u.domain.sinks.Tracer; t != nil {
		t.ModuleLoadFinished(ctx, u, err)
	}
}

// notifyProfiler sends the unit's single profiler load-finished callback.
func (u *Unit) notifyProfiler(err error) {
	if !u.profilerNotified.tryDeliver() {
		return
	}
	if p := u.domain.sinks.Profiler; p != nil {
		p.ModuleLoadFinished(u, err)
	}
}

// VisibleToDebugger reports whether the debugger may see this unit. It
// becomes true once the module exists and never reverts.
func (u *Unit) VisibleToDebugger() bool {
	return u.module != nil
}

// ProfilerNotified reports whether the profiler load-finished callback has
// been sent.
func (u *Unit) ProfilerNotified() bool { return u.profilerNotified.delivered() }

// DebuggerNotified reports whether the debugger has been sent the module
// load notification.
func (u *Unit) DebuggerNotified() bool { return u.debuggerNotified.delivered() }

// ShouldNotifyDebugger reports whether the unit was marked for debugger
// notification while delivering load events.
func (u *Unit) ShouldNotifyDebugger() bool { return u.shouldNotifyDebugger.Load() }

// DebuggerUnloadStarted reports whether an unload notification was sent.
func (u *Unit) DebuggerUnloadStarted() bool { return u.debuggerUnloadStarted.delivered() }

// NotifyDebuggerLoad dispatches the debugger load notifications for this
// unit. It runs once while delivering load events and again from the
// just-attached catch-up path; the module notification is sent at most
// once. It reports whether anything was dispatched, and also reports true
// for an assembly-load request on a unit that has not delivered its load
// events yet, where nothing is sent.
func (u *Unit) NotifyDebuggerLoad(flags AttachFlags, attaching bool) bool {
	if !u.VisibleToDebugger() {
		return false
	}
	dbg := u.domain.sinks.Debugger
	if dbg == nil {
		return false
	}

	result := false
	if !u.ShouldNotifyDebugger() {
		return flags&AttachAssemblyLoad != 0
	}
	if !u.debuggerNotified.tryDeliver() {
		return false
	}
	if flags&AttachAssemblyLoad != 0 {
		dbg.LoadAssembly(u)
		result = true
	}
	if dbg.LoadModule(u, attaching) {
		result = true
	}
	u.log.Debugf("debugger load %s (attaching=%t)", u.name, attaching)
	return result
}

// NotifyDebuggerUnload tells an attached debugger the unit is going away.
// Nothing is sent for a unit that was never visible.
func (u *Unit) NotifyDebuggerUnload() {
	if !u.VisibleToDebugger() {
		return
	}
	dbg := u.domain.sinks.Debugger
	if dbg == nil || !dbg.Attached() {
		return
	}
	if !u.debuggerUnloadStarted.tryDeliver() {
		return
	}
	dbg.UnloadModule(u)
	dbg.UnloadAssembly(u)
}

// deliverAsyncEvents runs the domain's unit-loaded listeners once.
func (u *Unit) deliverAsyncEvents() {
	if u.Level() < LevelLoaded || !u.asyncDelivered.tryDeliver() {
		return
	}
	for _, fn := range u.domain.listeners() {
		fn(u)
	}
}
