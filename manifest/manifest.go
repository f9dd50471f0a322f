// Package manifest handles modload.toml domain configuration.
package manifest

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"
	"github.com/chazu/modload/loader"
	"github.com/chazu/modload/sim"
)

// FileName is the manifest file looked up by Load and FindAndLoad.
const FileName = "modload.toml"

//go:embed schema.cue
var schema []byte

// Manifest represents a modload.toml domain configuration.
type Manifest struct {
	Domain   Domain   `toml:"domain"`
	Debugger Debugger `toml:"debugger"`
	Profiler Profiler `toml:"profiler"`
	Trace    Trace    `toml:"trace"`
	Journal  Journal  `toml:"journal"`
	Warmup   Warmup   `toml:"warmup"`
	Images   []Image  `toml:"image"`

	// Dir is the directory containing the modload.toml file (set at load time).
	Dir string `toml:"-"`
}

// Domain configures the execution domain.
type Domain struct {
	Name         string `toml:"name"`
	Collectible  bool   `toml:"collectible"`
	ExpandOnLoad bool   `toml:"expand-on-load"`
	Target       string `toml:"target"`
	Parallel     int    `toml:"parallel"`
}

// Debugger configures the in-process debugger.
type Debugger struct {
	Enabled bool `toml:"enabled"`
	Attach  bool `toml:"attach"`
	Buffer  int  `toml:"buffer"`
}

// Profiler configures the profiler sink.
type Profiler struct {
	Enabled bool `toml:"enabled"`
}

// Trace configures span export.
type Trace struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	ServiceName string `toml:"service-name"`
}

// Journal configures the SQLite event journal. An empty path disables it.
type Journal struct {
	Path string `toml:"path"`
}

// Warmup configures warm-up recording and replay.
type Warmup struct {
	Enabled bool   `toml:"enabled"`
	Profile string `toml:"profile"`
	Replay  bool   `toml:"replay"`
}

// Image describes one image opened in the domain.
type Image struct {
	Name           string   `toml:"name"`
	System         bool     `toml:"system"`
	AOT            bool     `toml:"aot"`
	Invalid        string   `toml:"invalid"`
	Debuggable     []int    `toml:"debuggable"`
	Initializer    bool     `toml:"initializer"`
	WrapExceptions bool     `toml:"wrap-exceptions"`
	Deps           []string `toml:"deps"`
	FailAt         string   `toml:"fail-at"`
}

// Parse decodes and validates manifest data. name is used in error
// messages.
func Parse(name string, data []byte) (*Manifest, error) {
	raw := map[string]any{}
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", name, err)
	}
	if err := validate(raw); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", name, err)
	}

	// Defaults
	if m.Domain.Name == "" {
		m.Domain.Name = "default"
	}
	if m.Domain.Target == "" {
		m.Domain.Target = loader.LevelActive.String()
	}
	if m.Debugger.Buffer == 0 {
		m.Debugger.Buffer = 64
	}
	if m.Trace.ServiceName == "" {
		m.Trace.ServiceName = "modload"
	}

	if err := checkNames(m.Images); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return &m, nil
}

// validate checks decoded TOML against the embedded CUE schema.
func validate(raw map[string]any) error {
	ctx := cuecontext.New()

	schemaValue := ctx.CompileBytes(schema, cue.Filename("schema.cue"))
	if schemaValue.Err() != nil {
		return fmt.Errorf("internal error: failed to compile schema: %w", schemaValue.Err())
	}
	root := schemaValue.LookupPath(cue.ParsePath("#Manifest"))
	if root.Err() != nil {
		return fmt.Errorf("internal error: schema definition #Manifest not found: %w", root.Err())
	}

	data := ctx.Encode(raw)
	if data.Err() != nil {
		return data.Err()
	}
	return root.Unify(data).Validate(cue.Concrete(true))
}

// Load parses the modload.toml file in dir.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m, err := Parse(path, data)
	if err != nil {
		return nil, err
	}
	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find a modload.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// TargetLevel returns the level every image is driven to.
func (m *Manifest) TargetLevel() (loader.Level, error) {
	return loader.ParseLevel(m.Domain.Target)
}

// Path resolves p against the manifest directory. Empty stays empty.
func (m *Manifest) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// ImageSpecs converts the image entries into simulated image specs.
func (m *Manifest) ImageSpecs() ([]sim.ImageSpec, error) {
	specs := make([]sim.ImageSpec, 0, len(m.Images))
	for _, img := range m.Images {
		spec := sim.ImageSpec{
			Name:           img.Name,
			System:         img.System,
			AOT:            img.AOT,
			Invalid:        img.Invalid,
			Initializer:    img.Initializer,
			WrapExceptions: img.WrapExceptions,
			Deps:           img.Deps,
		}
		if img.Debuggable != nil {
			spec.Debuggable = make([]byte, len(img.Debuggable))
			for i, b := range img.Debuggable {
				spec.Debuggable[i] = byte(b)
			}
		}
		if img.FailAt != "" {
			level, err := loader.ParseLevel(img.FailAt)
			if err != nil {
				return nil, fmt.Errorf("image %s: %w", img.Name, err)
			}
			if !sim.CanFailAt(level) {
				return nil, fmt.Errorf("image %s: cannot fail at %s", img.Name, level)
			}
			spec.FailAt = level
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
