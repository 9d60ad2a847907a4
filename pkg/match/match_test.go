package match

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
)

func noise(seed int64, w, h int) *image.NRGBA {
	r := rand.New(rand.NewSource(seed))
	img := imaging.New(w, h, color.NRGBA{255, 255, 255, 255})
	for y := 0; y < h; y += 8 {
		for x := 0; x < w; x += 8 {
			v := uint8(r.Intn(256))
			for dy := 0; dy < 8 && y+dy < h; dy++ {
				for dx := 0; dx < 8 && x+dx < w; dx++ {
					img.SetNRGBA(x+dx, y+dy, color.NRGBA{v, v, v, 255})
				}
			}
		}
	}
	return img
}

func writeTemplates(t *testing.T) (map[int]string, map[int]*image.NRGBA) {
	t.Helper()
	dir := t.TempDir()
	files := map[int]string{}
	imgs := map[int]*image.NRGBA{}
	for id, seed := range map[int]int64{1: 11, 2: 22} {
		img := noise(seed, 256, 128)
		p := filepath.Join(dir, fmt.Sprintf("tpl%d.png", id))
		if err := imaging.Save(img, p); err != nil {
			t.Fatalf("save template: %v", err)
		}
		files[id] = p
		imgs[id] = img
	}
	return files, imgs
}

func TestMatchPicksClosestTemplate(t *testing.T) {
	files, imgs := writeTemplates(t)
	m, err := New(files, DefaultMaxDistance, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("Len = %d", m.Len())
	}
	res, err := m.Match(imgs[2])
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.TemplateID != 2 {
		t.Fatalf("TemplateID = %d scores=%v", res.TemplateID, res.Scores)
	}
	if res.Scores[2] >= res.Scores[1] {
		t.Errorf("scores = %v", res.Scores)
	}
}

func TestMatchNothingClose(t *testing.T) {
	files, _ := writeTemplates(t)
	m, err := New(files, DefaultMaxDistance, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := m.Match(noise(99, 256, 128))
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.TemplateID != 0 {
		t.Fatalf("expected no match, got %d scores=%v", res.TemplateID, res.Scores)
	}
	if len(res.Scores) != 2 {
		t.Errorf("expected a score per template, got %v", res.Scores)
	}
}

func TestNewSkipsMissingAndErrorsWhenEmpty(t *testing.T) {
	files, _ := writeTemplates(t)
	files[3] = filepath.Join(t.TempDir(), "missing.png")
	m, err := New(files, DefaultMaxDistance, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if m.Len() != 2 {
		t.Errorf("Len = %d, missing file should be skipped", m.Len())
	}

	_, err = New(map[int]string{1: filepath.Join(t.TempDir(), "nope.png")}, DefaultMaxDistance, nil)
	if !errors.Is(err, ErrNoTemplates) {
		t.Fatalf("expected ErrNoTemplates, got %v", err)
	}
}

func TestPick(t *testing.T) {
	cases := []struct {
		name   string
		scores map[int]int
		limit  int
		want   int
	}{
		{"closest wins", map[int]int{1: 8, 2: 3, 3: 9}, 10, 2},
		{"tie goes to lower id", map[int]int{4: 2, 2: 2}, 10, 2},
		{"over limit", map[int]int{1: 11, 2: 30}, 10, 0},
		{"at limit", map[int]int{5: 10}, 10, 5},
		{"empty", map[int]int{}, 10, 0},
	}
	for _, c := range cases {
		if got := pick(c.scores, c.limit); got != c.want {
			t.Errorf("%s: pick = %d want %d", c.name, got, c.want)
		}
	}
}
