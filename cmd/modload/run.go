package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"text/tabwriter"

	"github.com/chazu/modload/debugger"
	"github.com/chazu/modload/journal"
	"github.com/chazu/modload/loader"
	"github.com/chazu/modload/manifest"
	"github.com/chazu/modload/profiler"
	"github.com/chazu/modload/sim"
	"github.com/chazu/modload/trace"
	"github.com/chazu/modload/warmup"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"
)

var log = commonlog.GetLogger("modload.cli")

type options struct {
	dir      string
	target   string
	parallel int
	attach   bool
	replay   bool
	strict   bool
}

// result is the outcome of driving one image.
type result struct {
	Name    string
	Level   loader.Level
	Outcome loader.Outcome
	Err     error
}

type report struct {
	Domain   string
	Target   loader.Level
	Results  []result
	Profiler *profiler.Stats
	Debugger int // events received
	Warmed   int
	Cycles   [][]string
}

func (r *report) failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

func (r *report) print(w io.Writer) {
	fmt.Fprintf(w, "Domain %s, target %s\n\n", r.Domain, r.Target)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IMAGE\tLEVEL\tOUTCOME\tERROR")
	for _, res := range r.Results {
		msg := "-"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", res.Name, res.Level, res.Outcome, msg)
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\n%d images, %d failed\n", len(r.Results), r.failed())
	for _, c := range r.Cycles {
		fmt.Fprintf(w, "dependency cycle: %v\n", c)
	}
	if r.Warmed > 0 {
		fmt.Fprintf(w, "warm-up replay drove %d images\n", r.Warmed)
	}
	if r.Profiler != nil {
		fmt.Fprintf(w, "profiler: %d modules, %d callbacks, %d failed, %d duplicates\n",
			r.Profiler.Modules, r.Profiler.Notifications, r.Profiler.Failed, r.Profiler.Duplicates)
	}
	if r.Debugger > 0 {
		fmt.Fprintf(w, "debugger: %d events\n", r.Debugger)
	}
}

// run loads the manifest, builds the domain and its sinks, drives every
// image and tears the domain down.
func run(ctx context.Context, opts options) (rep *report, err error) {
	m, err := manifest.FindAndLoad(opts.dir)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("no %s found from %s", manifest.FileName, opts.dir)
	}

	if opts.target == "" {
		opts.target = m.Domain.Target
	}
	target, err := loader.ParseLevel(opts.target)
	if err != nil {
		return nil, err
	}
	if opts.parallel < 0 {
		opts.parallel = m.Domain.Parallel
	}

	specs, err := m.ImageSpecs()
	if err != nil {
		return nil, err
	}
	world, err := sim.NewWorld(specs)
	if err != nil {
		return nil, err
	}

	shutdown, err := trace.Setup(ctx, trace.Config{
		Enabled:     m.Trace.Enabled,
		Endpoint:    m.Trace.Endpoint,
		ServiceName: m.Trace.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("trace setup: %w", err)
	}
	defer func() {
		err = errors.Join(err, shutdown(context.Background()))
	}()

	rep = &report{Domain: m.Domain.Name, Target: target}

	var sinks loader.Sinks
	var prof *profiler.Profiler
	if m.Profiler.Enabled {
		prof = profiler.New()
		sinks.Profiler = prof
	}
	var dbg *debugger.Server
	if m.Debugger.Enabled {
		dbg = debugger.NewServer(m.Debugger.Buffer)
		sinks.Debugger = dbg
	}
	if m.Trace.Enabled {
		sinks.Tracer = trace.NewSink(nil)
	}

	var recorder loader.Recorder
	var warm *warmup.Recorder
	if m.Warmup.Enabled {
		warm = warmup.NewRecorder(m.Domain.Name)
		recorder = warm
	}

	var events sync.WaitGroup
	if dbg != nil {
		events.Add(1)
		done := make(chan struct{})
		go func() {
			defer events.Done()
			for {
				select {
				case ev := <-dbg.Events():
					rep.Debugger++
					log.Debugf("debugger %s %s (attaching=%t)", ev.Type, ev.Module, ev.Attaching)
				case <-done:
					for {
						select {
						case <-dbg.Events():
							rep.Debugger++
						default:
							return
						}
					}
				}
			}
		}()
		defer func() {
			close(done)
			events.Wait()
		}()
	}

	var d *loader.Domain
	if path := m.Path(m.Journal.Path); path != "" {
		store, jerr := journal.Open(path)
		if jerr != nil {
			return nil, jerr
		}
		defer func() {
			err = errors.Join(err, store.Close())
		}()
		j := journal.New(store)
		sinks = j.Wrap(sinks)
		recorder = j.Recorder(func(name string) (*loader.Unit, bool) { return d.Lookup(name) }, recorder)
	}

	d = loader.NewDomain(loader.Options{
		Name:                m.Domain.Name,
		Modules:             world.Modules(),
		Sinks:               sinks,
		Collector:           world.Collector,
		AOT:                 world.Registry,
		Recorder:            recorder,
		ExpandModulesOnLoad: m.Domain.ExpandOnLoad,
	})
	defer func() {
		err = errors.Join(err, d.Close())
	}()
	d.OnUnitLoaded(func(u *loader.Unit) {
		log.Infof("unit %s loaded in domain %s", u.Name(), d.Name())
	})

	order, cycles := m.LoadOrder()
	rep.Cycles = cycles
	for _, c := range cycles {
		log.Warningf("dependency cycle %v: loads will stop one level short inside it", c)
	}

	alloc := sim.Allocator{Collectible: m.Domain.Collectible}
	var units []*loader.Unit
	for _, name := range order {
		u, err := world.Open(d, name, alloc)
		if err != nil {
			rep.Results = append(rep.Results, result{Name: name, Err: err})
			continue
		}
		units = append(units, u)
	}

	if dbg != nil && (opts.attach || m.Debugger.Attach) {
		dbg.Attach(d)
	}

	if opts.replay || m.Warmup.Replay {
		if path := m.Path(m.Warmup.Profile); path != "" {
			if err := replay(ctx, path, world, opts.parallel, rep); err != nil {
				log.Warningf("warm-up replay: %s", err.Error())
			}
		}
	}

	results := make([]result, len(units))
	g, gctx := errgroup.WithContext(ctx)
	if opts.parallel > 0 {
		g.SetLimit(opts.parallel)
	}
	for i, u := range units {
		g.Go(func() error {
			outcome, err := u.Ensure(gctx, target)
			results[i] = result{Name: u.Name(), Level: u.Level(), Outcome: outcome, Err: err}
			if err != nil && errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}
	rep.Results = append(rep.Results, results...)

	if prof != nil {
		stats := prof.Stats()
		rep.Profiler = &stats
	}

	if warm != nil {
		if path := m.Path(m.Warmup.Profile); path != "" {
			if err := warmup.Save(path, warm.Profile()); err != nil {
				return rep, err
			}
			log.Infof("saved warm-up profile with %d entries to %s", warm.Len(), path)
		}
	}

	if opts.strict && rep.failed() > 0 {
		return rep, fmt.Errorf("%d images failed to load", rep.failed())
	}
	return rep, nil
}

func replay(ctx context.Context, path string, world *sim.World, limit int, rep *report) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	p, err := warmup.Load(path)
	if err != nil {
		return err
	}
	n, err := warmup.Replay(ctx, p, world.Unit, limit)
	rep.Warmed = n
	return err
}
