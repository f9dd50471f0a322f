// Package debugger implements the in-process debugger interface the loader
// notifies about module loads and unloads.
package debugger

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/chazu/modload/loader"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Events for clients
// ---------------------------------------------------------------------------

// EventType names a debugger event.
type EventType string

const (
	EventAssemblyLoad   EventType = "assemblyLoad"
	EventModuleLoad     EventType = "moduleLoad"
	EventModuleUnload   EventType = "moduleUnload"
	EventAssemblyUnload EventType = "assemblyUnload"
)

// Event is sent to the attached client.
type Event struct {
	Type      EventType
	Module    string
	Level     loader.Level
	Attaching bool // sent while catching up after an attach
}

// ModuleInfo describes a module the server knows about.
type ModuleInfo struct {
	Name           string
	Bits           loader.DebuggerBits
	AssemblyLoaded bool
	ModuleLoaded   bool
}

// ---------------------------------------------------------------------------
// Server creation and lifecycle
// ---------------------------------------------------------------------------

// Server implements loader.Debugger. It records every notification, and
// forwards events to the client only while one is attached.
type Server struct {
	mu      sync.Mutex
	active  bool
	modules map[*loader.Unit]*ModuleInfo
	order   []*loader.Unit
	events  chan Event
	dropped atomic.Uint64
	log     commonlog.Logger
}

// NewServer creates a detached server whose event channel holds buffer
// events.
func NewServer(buffer int) *Server {
	if buffer <= 0 {
		buffer = 64
	}
	return &Server{
		modules: make(map[*loader.Unit]*ModuleInfo),
		events:  make(chan Event, buffer),
		log:     commonlog.GetLogger("modload.debugger"),
	}
}

// Attached reports whether a client is attached.
func (s *Server) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Events returns the channel events are delivered on.
func (s *Server) Events() <-chan Event {
	return s.events
}

// Dropped returns how many events were discarded because the channel was
// full.
func (s *Server) Dropped() uint64 {
	return s.dropped.Load()
}

// Attach marks a client as attached, replays the modules recorded so far,
// then lets every unit of d catch up on notifications it has not sent yet.
// It returns how many units reported a dispatch during catch-up.
func (s *Server) Attach(d *loader.Domain) int {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return 0
	}
	s.active = true
	var replay []Event
	for _, u := range s.order {
		info := s.modules[u]
		if info.AssemblyLoaded {
			replay = append(replay, Event{Type: EventAssemblyLoad, Module: info.Name, Level: u.Level(), Attaching: true})
		}
		if info.ModuleLoaded {
			replay = append(replay, Event{Type: EventModuleLoad, Module: info.Name, Level: u.Level(), Attaching: true})
		}
	}
	s.mu.Unlock()

	for _, ev := range replay {
		s.send(ev)
	}

	// NotifyDebuggerLoad also reports true for units that have not delivered
	// their load events yet; only a unit whose module notification went out
	// in this call is caught up.
	caught := 0
	if d != nil {
		for _, u := range d.Units() {
			before := u.DebuggerNotified()
			if u.NotifyDebuggerLoad(loader.AttachAll, true) && !before && u.DebuggerNotified() {
				caught++
			}
		}
	}
	s.log.Infof("debugger attached: %d recorded modules, %d units caught up", len(replay), caught)
	return caught
}

// Detach marks the client as gone. Records are kept for the next attach.
func (s *Server) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}

// Modules returns what the server knows, in notification order.
func (s *Server) Modules() []ModuleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]ModuleInfo, 0, len(s.order))
	for _, u := range s.order {
		result = append(result, *s.modules[u])
	}
	return result
}

// ---------------------------------------------------------------------------
// loader.Debugger
// ---------------------------------------------------------------------------

func (s *Server) LoadAssembly(u *loader.Unit) {
	s.mu.Lock()
	info := s.record(u)
	info.AssemblyLoaded = true
	active := s.active
	s.mu.Unlock()

	if active {
		s.send(Event{Type: EventAssemblyLoad, Module: u.Name(), Level: u.Level()})
	}
}

// LoadModule records the module and reports whether an event went to an
// attached client.
func (s *Server) LoadModule(u *loader.Unit, attaching bool) bool {
	s.mu.Lock()
	info := s.record(u)
	info.ModuleLoaded = true
	active := s.active
	s.mu.Unlock()

	if !active {
		return false
	}
	s.send(Event{Type: EventModuleLoad, Module: u.Name(), Level: u.Level(), Attaching: attaching})
	return true
}

func (s *Server) UnloadModule(u *loader.Unit) {
	s.mu.Lock()
	if info, ok := s.modules[u]; ok {
		info.ModuleLoaded = false
	}
	active := s.active
	s.mu.Unlock()

	if active {
		s.send(Event{Type: EventModuleUnload, Module: u.Name(), Level: u.Level()})
	}
}

func (s *Server) UnloadAssembly(u *loader.Unit) {
	s.mu.Lock()
	delete(s.modules, u)
	s.order = slices.DeleteFunc(s.order, func(o *loader.Unit) bool { return o == u })
	active := s.active
	s.mu.Unlock()

	if active {
		s.send(Event{Type: EventAssemblyUnload, Module: u.Name(), Level: u.Level()})
	}
}

// record returns the entry for u, creating it. Caller holds s.mu.
func (s *Server) record(u *loader.Unit) *ModuleInfo {
	info, ok := s.modules[u]
	if !ok {
		info = &ModuleInfo{Name: u.Name(), Bits: u.DebuggerBits()}
		s.modules[u] = info
		s.order = append(s.order, u)
	}
	return info
}

// send delivers ev without blocking the loader.
func (s *Server) send(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
		s.log.Warningf("debugger event channel full, dropped %s for %s", ev.Type, ev.Module)
	}
}
