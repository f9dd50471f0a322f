// Package profiler records module load-finished callbacks.
package profiler

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/modload/loader"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("modload.profiler")

// ModuleProfile holds what the profiler saw for one unit.
type ModuleProfile struct {
	Name          string
	Notifications uint64 // atomic; more than one means a duplicate callback
	Err           error  // nil on success
	Level         loader.Level
	At            time.Time
}

// Profiler implements loader.Profiler.
type Profiler struct {
	profiles sync.Map // *loader.Unit -> *ModuleProfile

	// OnLoadFinished runs for every callback, after it is recorded.
	OnLoadFinished func(u *loader.Unit, profile *ModuleProfile)

	failed   uint64
	finished uint64
	now      func() time.Time
}

// New creates a profiler.
func New() *Profiler {
	return &Profiler{now: time.Now}
}

// ModuleLoadFinished records the callback for u.
func (p *Profiler) ModuleLoadFinished(u *loader.Unit, err error) {
	val, _ := p.profiles.LoadOrStore(u, &ModuleProfile{
		Name:  u.Name(),
		Err:   err,
		Level: u.Level(),
		At:    p.now(),
	})
	profile := val.(*ModuleProfile)
	if n := atomic.AddUint64(&profile.Notifications, 1); n > 1 {
		log.Warningf("duplicate load-finished callback for %s (%d)", u.Name(), n)
	}

	atomic.AddUint64(&p.finished, 1)
	if err != nil {
		atomic.AddUint64(&p.failed, 1)
	}

	if p.OnLoadFinished != nil {
		p.OnLoadFinished(u, profile)
	}
}

// Profile returns the record for u, or nil.
func (p *Profiler) Profile(u *loader.Unit) *ModuleProfile {
	if val, ok := p.profiles.Load(u); ok {
		return val.(*ModuleProfile)
	}
	return nil
}

// Stats holds aggregate counts.
type Stats struct {
	Modules       int    // distinct units seen
	Notifications uint64 // total callbacks
	Failed        uint64 // callbacks carrying an error
	Duplicates    int    // units notified more than once
}

// Stats returns aggregate counts.
func (p *Profiler) Stats() Stats {
	stats := Stats{
		Notifications: atomic.LoadUint64(&p.finished),
		Failed:        atomic.LoadUint64(&p.failed),
	}
	p.profiles.Range(func(_, value any) bool {
		profile := value.(*ModuleProfile)
		stats.Modules++
		if atomic.LoadUint64(&profile.Notifications) > 1 {
			stats.Duplicates++
		}
		return true
	})
	return stats
}

// Profiles returns all records ordered by callback time, then name.
func (p *Profiler) Profiles() []*ModuleProfile {
	var all []*ModuleProfile
	p.profiles.Range(func(_, value any) bool {
		all = append(all, value.(*ModuleProfile))
		return true
	})
	slices.SortFunc(all, func(a, b *ModuleProfile) int {
		if c := a.At.Compare(b.At); c != 0 {
			return c
		}
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return all
}
