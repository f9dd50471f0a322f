package loader

import "context"

// ---------------------------------------------------------------------------
// Image side
// ---------------------------------------------------------------------------

// Image is an opened, reference-counted executable image supplied by the
// binder.
type Image interface {
	Name() string
	AddRef()
	Release()

	// ValidateForExecution fails if the image may not run in this process.
	ValidateForExecution() error

	// IsLoaded reports whether the image has been fully mapped.
	IsLoaded() bool

	// IsSystem reports whether this is the bootstrap image.
	IsSystem() bool

	// CustomAttribute returns the blob of the named attribute attached to
	// the top-level module entity.
	CustomAttribute(name string) ([]byte, bool)

	// HostAssembly returns the binder-level handle, or nil.
	HostAssembly() HostAssembly
}

// HostAssembly is the binder-level association that lets lookups by image
// resolve back to a unit. SetUnit(nil) clears it.
type HostAssembly interface {
	SetUnit(u *Unit)
}

// Allocator owns the memory of the units created against it.
type Allocator interface {
	IsCollectible() bool
}

// ---------------------------------------------------------------------------
// Module side
// ---------------------------------------------------------------------------

// Module is the decoded in-memory representation of an image.
type Module interface {
	Name() string

	// IsAOT reports whether the module was produced by an ahead-of-time
	// compiler.
	IsAOT() bool
	RunEagerFixups(ctx context.Context) error
	FixupVTables(ctx context.Context) error

	// GlobalInitializer returns the module's global initializer type, or
	// nil when there is none.
	GlobalInitializer() Initializer

	// WrapsExceptions resolves the module's exception-unwind policy.
	WrapsExceptions() bool

	Close() error
}

// Initializer is a one-time type initializer. Run may reenter the loader
// through ctx.
type Initializer interface {
	CheckRestore(ctx context.Context) error
	Run(ctx context.Context) error
}

// Expander is implemented by modules that can eagerly materialize all of
// their members. Used when Options.ExpandModulesOnLoad is set.
type Expander interface {
	ExpandAll(ctx context.Context) error
}

// ModuleFactory decodes the module of an image.
type ModuleFactory func(img Image, bits DebuggerBits, collectible bool) (Module, error)

// ---------------------------------------------------------------------------
// Runtime services
// ---------------------------------------------------------------------------

// Collector is the garbage collector's cooperation surface.
type Collector interface {
	// EnterCooperative enters cooperative safe-point mode and returns the
	// function that leaves it.
	EnterCooperative() (leave func())
}

// AOTRegistry tracks ahead-of-time-compiled modules that became active.
type AOTRegistry interface {
	Register(m Module)
}

// Recorder observes every successful step. It never affects loading.
type Recorder interface {
	RecordModuleLoad(m Module, level Level)
}

// ---------------------------------------------------------------------------
// Notification sinks
// ---------------------------------------------------------------------------

// Tracer receives exactly one load-finished event per unit; err is nil on
// success.
type Tracer interface {
	ModuleLoadFinished(ctx context.Context, u *Unit, err error)
}

// Profiler receives exactly one load-finished callback per unit.
type Profiler interface {
	ModuleLoadFinished(u *Unit, err error)
}

// AttachFlags select which debugger load notifications to send.
type AttachFlags uint8

const (
	AttachAssemblyLoad AttachFlags = 1 << iota
	AttachModuleLoad

	AttachAll = AttachAssemblyLoad | AttachModuleLoad
)

// Debugger is the in-process debugger interface. A non-nil Debugger means
// debugging support is initialized even if no client is attached.
type Debugger interface {
	Attached() bool
	LoadAssembly(u *Unit)
	LoadModule(u *Unit, attaching bool) bool
	UnloadModule(u *Unit)
	UnloadAssembly(u *Unit)
}

// Diagnostics is told when a unit becomes enumerable from the domain table.
type Diagnostics interface {
	ModuleEnumerable(u *Unit)
}

// Sinks groups the passive notification recipients. Any may be nil.
type Sinks struct {
	Tracer      Tracer
	Profiler    Profiler
	Debugger    Debugger
	Diagnostics Diagnostics
}

type noopCollector struct{}

func (noopCollector) EnterCooperative() func() { return func() {} }
