// Package match picks the display template a screenshot was taken from.
//
// Each template image is reduced to a perceptual hash once. An incoming
// screenshot is hashed the same way and scored by Hamming distance against
// every template; the closest template within the distance limit wins.
package match

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sort"

	"github.com/corona10/goimagehash"
	"github.com/disintegration/imaging"
)

// ErrNoTemplates is returned when no template image could be loaded.
var ErrNoTemplates = errors.New("no template images loaded")

// DefaultMaxDistance is the largest Hamming distance still treated as a match.
const DefaultMaxDistance = 10

// Result holds the distance to every template and the chosen id.
// TemplateID is 0 when nothing was close enough.
type Result struct {
	Scores     map[int]int
	TemplateID int
}

type template struct {
	id   int
	hash *goimagehash.ImageHash
}

type Matcher struct {
	templates   []template
	maxDistance int
	logger      *slog.Logger
}

// New hashes the template images in files (id -> path). Unreadable files
// are logged and skipped.
func New(files map[int]string, maxDistance int, logger *slog.Logger) (*Matcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ids := make([]int, 0, len(files))
	for id := range files {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	m := &Matcher{maxDistance: maxDistance, logger: logger}
	for _, id := range ids {
		img, err := imaging.Open(files[id])
		if err != nil {
			logger.Warn("template image unavailable", "id", id, "path", files[id], "err", err)
			continue
		}
		h, err := goimagehash.PerceptionHash(img)
		if err != nil {
			logger.Warn("template hash failed", "id", id, "err", err)
			continue
		}
		m.templates = append(m.templates, template{id: id, hash: h})
	}
	if len(m.templates) == 0 {
		return nil, ErrNoTemplates
	}
	logger.Debug("templates loaded", "count", len(m.templates))
	return m, nil
}

// Len reports how many templates are loaded.
func (m *Matcher) Len() int { return len(m.templates) }

func (m *Matcher) Match(img image.Image) (Result, error) {
	h, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return Result{}, fmt.Errorf("hash image: %w", err)
	}
	scores := make(map[int]int, len(m.templates))
	for _, t := range m.templates {
		d, err := t.hash.Distance(h)
		if err != nil {
			return Result{}, fmt.Errorf("distance to template %d: %w", t.id, err)
		}
		scores[t.id] = d
	}
	return Result{Scores: scores, TemplateID: pick(scores, m.maxDistance)}, nil
}

// pick returns the id with the smallest distance not above limit. Ties go
// to the lower id. 0 means no match.
func pick(scores map[int]int, limit int) int {
	best, bestDist := 0, 0
	for id, d := range scores {
		if d > limit {
			continue
		}
		if best == 0 || d < bestDist || (d == bestDist && id < best) {
			best, bestDist = id, d
		}
	}
	return best
}
