// Package layout reads the per-template field position definitions.
//
// The definition file is JSON (YAML is accepted as well):
//
//	{"images": {"3": {"template": "panel_a.png",
//	  "parameters": {"0": {"name": "Volts", "position": {"x1": 10, "y1": 20, "x2": 90, "y2": 45}}}}}}
package layout

import (
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrUnknownTemplate is returned when the id has no entry in the file.
var ErrUnknownTemplate = errors.New("template not defined in layout file")

// Rect is a field rectangle in original-image pixel coordinates.
type Rect struct {
	X1, Y1, X2, Y2 int
}

// Bounds returns the canonical rectangle (corners swapped if inverted).
func (r Rect) Bounds() image.Rectangle {
	return image.Rect(r.X1, r.Y1, r.X2, r.Y2)
}

// Positions maps lower-cased field names to rectangles.
type Positions map[string]Rect

// Names returns the field names in sorted order.
func (p Positions) Names() []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Template is one display layout.
type Template struct {
	ID     int
	File   string
	Fields Positions
}

// Definition is the parsed layout file.
type Definition struct {
	Templates map[int]Template
}

type fileDoc struct {
	Images map[string]struct {
		Template   string `yaml:"template"`
		Parameters map[string]struct {
			Name     string `yaml:"name"`
			Position struct {
				X1 float64 `yaml:"x1"`
				Y1 float64 `yaml:"y1"`
				X2 float64 `yaml:"x2"`
				Y2 float64 `yaml:"y2"`
			} `yaml:"position"`
		} `yaml:"parameters"`
	} `yaml:"images"`
}

// Parse decodes a layout document.
func Parse(data []byte) (*Definition, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode layout: %w", err)
	}
	def := &Definition{Templates: make(map[int]Template, len(doc.Images))}
	for key, img := range doc.Images {
		id, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("layout image id %q: %w", key, err)
		}
		tpl := Template{ID: id, File: img.Template, Fields: make(Positions, len(img.Parameters))}
		for _, p := range img.Parameters {
			if p.Name == "" {
				continue
			}
			tpl.Fields[strings.ToLower(p.Name)] = Rect{
				X1: round(p.Position.X1),
				Y1: round(p.Position.Y1),
				X2: round(p.Position.X2),
				Y2: round(p.Position.Y2),
			}
		}
		def.Templates[id] = tpl
	}
	return def, nil
}

// Load reads and parses a layout file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layout: %w", err)
	}
	return Parse(data)
}

// IDs returns the defined template ids in ascending order.
func (d *Definition) IDs() []int {
	out := make([]int, 0, len(d.Templates))
	for id := range d.Templates {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Positions returns a copy of the field map of template id.
func (d *Definition) Positions(id int) (Positions, error) {
	tpl, ok := d.Templates[id]
	if !ok {
		return Positions{}, fmt.Errorf("%w: %d", ErrUnknownTemplate, id)
	}
	out := make(Positions, len(tpl.Fields))
	for k, v := range tpl.Fields {
		out[k] = v
	}
	return out, nil
}

// TemplateFiles resolves the template image path of every id. Entries
// without an explicit file fall back to <id>.png in dir.
func (d *Definition) TemplateFiles(dir string) map[int]string {
	out := make(map[int]string, len(d.Templates))
	for id, tpl := range d.Templates {
		name := tpl.File
		if name == "" {
			name = strconv.Itoa(id) + ".png"
		}
		out[id] = filepath.Join(dir, name)
	}
	return out
}

// Resolver serves positions from a layout file and reloads it when the
// file changes, so layout fixes apply to the next image.
type Resolver struct {
	path string

	mu      sync.Mutex
	def     *Definition
	modTime time.Time
}

func NewResolver(path string) (*Resolver, error) {
	r := &Resolver{path: path}
	if _, err := r.definition(); err != nil {
		return nil, err
	}
	return r, nil
}

// Definition returns the current parsed file.
func (r *Resolver) Definition() (*Definition, error) {
	return r.definition()
}

// Positions returns the field map of template id.
func (r *Resolver) Positions(id int) (Positions, error) {
	def, err := r.definition()
	if err != nil {
		return nil, err
	}
	return def.Positions(id)
}

func (r *Resolver) definition() (*Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fi, err := os.Stat(r.path)
	if err != nil {
		return nil, fmt.Errorf("stat layout: %w", err)
	}
	if r.def != nil && fi.ModTime().Equal(r.modTime) {
		return r.def, nil
	}
	def, err := Load(r.path)
	if err != nil {
		return nil, err
	}
	r.def = def
	r.modTime = fi.ModTime()
	return def, nil
}

func round(f float64) int { return int(math.Round(f)) }
