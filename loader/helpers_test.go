package loader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

// ---------------------------------------------------------------------------
// Images
// ---------------------------------------------------------------------------

type fakeHost struct {
	mu   sync.Mutex
	unit *Unit
	sets int
}

func (h *fakeHost) SetUnit(u *Unit) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unit = u
	h.sets++
}

func (h *fakeHost) Unit() *Unit {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unit
}

type fakeImage struct {
	name     string
	system   bool
	loaded   atomic.Bool
	invalid  error
	attrs    map[string][]byte
	host     *fakeHost
	refs     atomic.Int32
	released atomic.Int32
}

func newFakeImage(name string) *fakeImage {
	img := &fakeImage{name: name, host: &fakeHost{}}
	img.loaded.Store(true)
	return img
}

func (i *fakeImage) Name() string                { return i.name }
func (i *fakeImage) AddRef()                     { i.refs.Add(1) }
func (i *fakeImage) Release()                    { i.refs.Add(-1); i.released.Add(1) }
func (i *fakeImage) ValidateForExecution() error { return i.invalid }
func (i *fakeImage) IsLoaded() bool              { return i.loaded.Load() }
func (i *fakeImage) IsSystem() bool              { return i.system }

func (i *fakeImage) CustomAttribute(name string) ([]byte, bool) {
	b, ok := i.attrs[name]
	return b, ok
}

func (i *fakeImage) HostAssembly() HostAssembly {
	if i.host == nil {
		return nil
	}
	return i.host
}

type fakeAllocator bool

func (a fakeAllocator) IsCollectible() bool { return bool(a) }

// ---------------------------------------------------------------------------
// Modules
// ---------------------------------------------------------------------------

type fakeInitializer struct {
	restores atomic.Int32
	runs     atomic.Int32
	run      func(ctx context.Context) error
}

func (f *fakeInitializer) CheckRestore(ctx context.Context) error {
	f.restores.Add(1)
	return nil
}

func (f *fakeInitializer) Run(ctx context.Context) error {
	f.runs.Add(1)
	if f.run != nil {
		return f.run(ctx)
	}
	return nil
}

type fakeModule struct {
	name        string
	aot         bool
	wraps       bool
	init        *fakeInitializer
	fixupErr    error
	vtableErr   error
	eagerRuns   atomic.Int32
	vtableRuns  atomic.Int32
	expandRuns  atomic.Int32
	closed      atomic.Int32
	bits        DebuggerBits
	collectible bool
}

func (m *fakeModule) Name() string { return m.name }
func (m *fakeModule) IsAOT() bool  { return m.aot }

func (m *fakeModule) RunEagerFixups(ctx context.Context) error {
	m.eagerRuns.Add(1)
	return m.fixupErr
}

func (m *fakeModule) FixupVTables(ctx context.Context) error {
	m.vtableRuns.Add(1)
	return m.vtableErr
}

func (m *fakeModule) GlobalInitializer() Initializer {
	if m.init == nil {
		return nil
	}
	return m.init
}

func (m *fakeModule) WrapsExceptions() bool { return m.wraps }

func (m *fakeModule) ExpandAll(ctx context.Context) error {
	m.expandRuns.Add(1)
	return nil
}

func (m *fakeModule) Close() error {
	m.closed.Add(1)
	return nil
}

// ---------------------------------------------------------------------------
// Sinks
// ---------------------------------------------------------------------------

type traceCall struct {
	unit string
	err  error
}

type fakeSinks struct {
	mu        sync.Mutex
	traces    map[string][]traceCall
	profiles  map[string][]traceCall
	asmLoads  map[string]int
	modLoads  map[string]int
	unloads   map[string]int
	enumerate map[string]int
	attached  bool
	onEnum    func(u *Unit)
}

func newFakeSinks() *fakeSinks {
	return &fakeSinks{
		traces:    map[string][]traceCall{},
		profiles:  map[string][]traceCall{},
		asmLoads:  map[string]int{},
		modLoads:  map[string]int{},
		unloads:   map[string]int{},
		enumerate: map[string]int{},
	}
}

func (s *fakeSinks) sinks() Sinks {
	return Sinks{
		Tracer:      fakeTracer{s},
		Profiler:    fakeProfiler{s},
		Debugger:    fakeDebugger{s},
		Diagnostics: fakeDiagnostics{s},
	}
}

type fakeTracer struct{ s *fakeSinks }

func (t fakeTracer) ModuleLoadFinished(ctx context.Context, u *Unit, err error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.traces[u.Name()] = append(t.s.traces[u.Name()], traceCall{u.Name(), err})
}

type fakeProfiler struct{ s *fakeSinks }

func (p fakeProfiler) ModuleLoadFinished(u *Unit, err error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	p.s.profiles[u.Name()] = append(p.s.profiles[u.Name()], traceCall{u.Name(), err})
}

type fakeDebugger struct{ s *fakeSinks }

func (d fakeDebugger) Attached() bool {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	return d.s.attached
}

func (d fakeDebugger) LoadAssembly(u *Unit) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.s.asmLoads[u.Name()]++
}

func (d fakeDebugger) LoadModule(u *Unit, attaching bool) bool {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.s.modLoads[u.Name()]++
	return d.s.attached
}

func (d fakeDebugger) UnloadModule(u *Unit) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.s.unloads[u.Name()]++
}

func (d fakeDebugger) UnloadAssembly(u *Unit) {}

type fakeDiagnostics struct{ s *fakeSinks }

func (f fakeDiagnostics) ModuleEnumerable(u *Unit) {
	f.s.mu.Lock()
	f.s.enumerate[u.Name()]++
	fn := f.s.onEnum
	f.s.mu.Unlock()
	if fn != nil {
		fn(u)
	}
}

func (s *fakeSinks) count(m map[string]int, name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return m[name]
}

func (s *fakeSinks) calls(m map[string][]traceCall, name string) []traceCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]traceCall(nil), m[name]...)
}

// ---------------------------------------------------------------------------
// Runtime services
// ---------------------------------------------------------------------------

type levelRecorder struct {
	mu     sync.Mutex
	levels map[string][]Level
}

func (r *levelRecorder) RecordModuleLoad(m Module, level Level) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.levels == nil {
		r.levels = map[string][]Level{}
	}
	r.levels[m.Name()] = append(r.levels[m.Name()], level)
}

func (r *levelRecorder) get(name string) []Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Level(nil), r.levels[name]...)
}

type countingCollector struct {
	entered atomic.Int32
	inside  atomic.Int32
}

func (c *countingCollector) EnterCooperative() func() {
	c.entered.Add(1)
	c.inside.Add(1)
	return func() { c.inside.Add(-1) }
}

type aotList struct {
	mu      sync.Mutex
	modules []string
}

func (a *aotList) Register(m Module) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.modules = append(a.modules, m.Name())
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	domain    *Domain
	sinks     *fakeSinks
	recorder  *levelRecorder
	collector *countingCollector
	aot       *aotList
	modules   map[string]*fakeModule
}

func newFixture(t *testing.T, modules ...*fakeModule) *fixture {
	t.Helper()
	f := &fixture{
		sinks:     newFakeSinks(),
		recorder:  &levelRecorder{},
		collector: &countingCollector{},
		aot:       &aotList{},
		modules:   map[string]*fakeModule{},
	}
	for _, m := range modules {
		f.modules[m.name] = m
	}
	f.domain = NewDomain(Options{
		Name: "test",
		Modules: func(img Image, bits DebuggerBits, collectible bool) (Module, error) {
			m, ok := f.modules[img.Name()]
			if !ok {
				return nil, errors.New("no module for " + img.Name())
			}
			m.bits = bits
			m.collectible = collectible
			return m, nil
		},
		Sinks:     f.sinks.sinks(),
		Collector: f.collector,
		AOT:       f.aot,
		Recorder:  f.recorder,
	})
	t.Cleanup(func() { _ = f.domain.Close() })
	return f
}

func (f *fixture) open(t *testing.T, img *fakeImage) *Unit {
	t.Helper()
	u, err := f.domain.Open(img, fakeAllocator(false))
	if err != nil {
		t.Fatalf("Open(%s) failed: %v", img.name, err)
	}
	return u
}
