package journal

import (
	"context"

	"github.com/chazu/modload/loader"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("modload.journal")

// Journal writes load events for one domain to a Store. Write failures are
// logged and never reach the loader.
type Journal struct {
	store *Store
}

// New creates a journal writing to store.
func New(store *Store) *Journal {
	return &Journal{store: store}
}

func (j *Journal) append(ctx context.Context, u *loader.Unit, kind Kind, level loader.Level, err error) {
	e := Entry{
		UnitID: u.ID().String(),
		Module: u.Name(),
		Domain: u.Domain().Name(),
		Kind:   kind,
		Level:  level.String(),
	}
	if err != nil {
		e.Err = err.Error()
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	if werr := j.store.Append(ctx, e); werr != nil {
		log.Warningf("journal %s %s: %s", kind, u.Name(), werr.Error())
	}
}

// Wrap returns sinks that journal every notification before forwarding it
// to the matching sink of next. Journaled kinds are present even when next
// has no sink for them, except the debugger: wrapping a nil debugger would
// make every unit visible to one.
func (j *Journal) Wrap(next loader.Sinks) loader.Sinks {
	out := loader.Sinks{
		Tracer:      &tracerSink{j: j, next: next.Tracer},
		Profiler:    &profilerSink{j: j, next: next.Profiler},
		Diagnostics: &diagnosticsSink{j: j, next: next.Diagnostics},
	}
	if next.Debugger != nil {
		out.Debugger = &debuggerSink{j: j, next: next.Debugger}
	}
	return out
}

// Lookup resolves a registered unit by module name.
type Lookup func(name string) (*loader.Unit, bool)

// Recorder returns a loader.Recorder journaling every completed step,
// then forwarding to next when it is not nil. The recorder is handed to a
// domain before the domain exists, so units are resolved through lookup.
func (j *Journal) Recorder(lookup Lookup, next loader.Recorder) loader.Recorder {
	return &stepRecorder{j: j, lookup: lookup, next: next}
}

type tracerSink struct {
	j    *Journal
	next loader.Tracer
}

func (t *tracerSink) ModuleLoadFinished(ctx context.Context, u *loader.Unit, err error) {
	t.j.append(ctx, u, KindTrace, u.Level(), err)
	if t.next != nil {
		t.next.ModuleLoadFinished(ctx, u, err)
	}
}

type profilerSink struct {
	j    *Journal
	next loader.Profiler
}

func (p *profilerSink) ModuleLoadFinished(u *loader.Unit, err error) {
	p.j.append(context.Background(), u, KindProfiler, u.Level(), err)
	if p.next != nil {
		p.next.ModuleLoadFinished(u, err)
	}
}

type diagnosticsSink struct {
	j    *Journal
	next loader.Diagnostics
}

func (d *diagnosticsSink) ModuleEnumerable(u *loader.Unit) {
	d.j.append(context.Background(), u, KindEnumerable, u.Level(), nil)
	if d.next != nil {
		d.next.ModuleEnumerable(u)
	}
}

type debuggerSink struct {
	j    *Journal
	next loader.Debugger
}

func (d *debuggerSink) Attached() bool { return d.next.Attached() }

func (d *debuggerSink) LoadAssembly(u *loader.Unit) {
	d.next.LoadAssembly(u)
}

func (d *debuggerSink) LoadModule(u *loader.Unit, attaching bool) bool {
	d.j.append(context.Background(), u, KindDebuggerLoad, u.Level(), nil)
	return d.next.LoadModule(u, attaching)
}

func (d *debuggerSink) UnloadModule(u *loader.Unit) {
	d.j.append(context.Background(), u, KindDebuggerUnload, u.Level(), nil)
	d.next.UnloadModule(u)
}

func (d *debuggerSink) UnloadAssembly(u *loader.Unit) {
	d.next.UnloadAssembly(u)
}

// stepRecorder journals steps of units found in the domain table.
type stepRecorder struct {
	j      *Journal
	lookup Lookup
	next   loader.Recorder
}

func (r *stepRecorder) RecordModuleLoad(m loader.Module, level loader.Level) {
	if u, ok := r.lookup(m.Name()); ok {
		r.j.append(context.Background(), u, KindStep, level, nil)
	}
	if r.next != nil {
		r.next.RecordModuleLoad(m, level)
	}
}
