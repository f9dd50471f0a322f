// Package warmup records which modules reached which load levels so a
// later run can bring them up ahead of first use.
package warmup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/chazu/modload/loader"
	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"
)

var log = commonlog.GetLogger("modload.warmup")

// ProfileVersion is the profile format written by this package.
const ProfileVersion = 1

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("warmup: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Entry is one recorded (module, level) pair.
type Entry struct {
	Seq    uint64 `cbor:"1,keyasint"`
	Module string `cbor:"2,keyasint"`
	Level  uint8  `cbor:"3,keyasint"`
}

// Profile is the persisted form of a recording.
type Profile struct {
	Version  int       `cbor:"1,keyasint"`
	Domain   string    `cbor:"2,keyasint"`
	Recorded time.Time `cbor:"3,keyasint"`
	Entries  []Entry   `cbor:"4,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// Recorder
// ---------------------------------------------------------------------------

// Recorder implements loader.Recorder.
type Recorder struct {
	mu      sync.Mutex
	domain  string
	seq     uint64
	entries []Entry
}

// NewRecorder creates a recorder for the named domain.
func NewRecorder(domain string) *Recorder {
	return &Recorder{domain: domain}
}

func (r *Recorder) RecordModuleLoad(m loader.Module, level loader.Level) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.entries = append(r.entries, Entry{Seq: r.seq, Module: m.Name(), Level: uint8(level)})
}

// Len returns the number of recorded pairs.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Profile snapshots the recording.
func (r *Recorder) Profile() *Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Profile{
		Version:  ProfileVersion,
		Domain:   r.domain,
		Recorded: time.Now().UTC().Truncate(time.Second),
		Entries:  slices.Clone(r.entries),
	}
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

// Marshal serializes p to canonical CBOR.
func Marshal(p *Profile) ([]byte, error) {
	return cborEncMode.Marshal(p)
}

// Unmarshal deserializes a profile and checks its version and levels.
func Unmarshal(data []byte) (*Profile, error) {
	var p Profile
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("warmup: unmarshal profile: %w", err)
	}
	if p.Version != ProfileVersion {
		return nil, fmt.Errorf("warmup: unsupported profile version %d", p.Version)
	}
	for _, e := range p.Entries {
		if !loader.Level(e.Level).Valid() {
			return nil, fmt.Errorf("warmup: entry %d for %s has invalid level %d", e.Seq, e.Module, e.Level)
		}
	}
	return &p, nil
}

// Save writes p to path.
func Save(path string, p *Profile) error {
	data, err := Marshal(p)
	if err != nil {
		return fmt.Errorf("warmup: marshal profile: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("warmup: write profile: %w", err)
	}
	return nil
}

// Load reads a profile from path.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("warmup: read profile: %w", err)
	}
	return Unmarshal(data)
}

// ---------------------------------------------------------------------------
// Replay
// ---------------------------------------------------------------------------

// Target is the highest level one module reached in a profile.
type Target struct {
	Module string
	Level  loader.Level
}

// Plan reduces p to one target per module, in order of first appearance.
func (p *Profile) Plan() []Target {
	index := map[string]int{}
	var plan []Target
	entries := slices.Clone(p.Entries)
	slices.SortStableFunc(entries, func(a, b Entry) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	for _, e := range entries {
		level := loader.Level(e.Level)
		if i, ok := index[e.Module]; ok {
			plan[i].Level = max(plan[i].Level, level)
			continue
		}
		index[e.Module] = len(plan)
		plan = append(plan, Target{Module: e.Module, Level: level})
	}
	return plan
}

// Resolver finds the unit for a module name.
type Resolver func(name string) (*loader.Unit, bool)

// Replay drives every unit in p's plan to its recorded level, at most limit
// at a time (no limit when limit <= 0). Modules that cannot be resolved are
// skipped. Unit failures are collected and returned together once every
// unit has been tried.
func Replay(ctx context.Context, p *Profile, resolve Resolver, limit int) (int, error) {
	plan := p.Plan()
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}

	var mu sync.Mutex
	var errs []error
	driven := 0
	for _, target := range plan {
		u, ok := resolve(target.Module)
		if !ok {
			log.Debugf("skipping %s: not open in this domain", target.Module)
			continue
		}
		driven++
		g.Go(func() error {
			if _, err := u.Ensure(gctx, target.Level); err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s to %s: %w", target.Module, target.Level, err))
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return driven, err
	}
	return driven, errors.Join(errs...)
}
