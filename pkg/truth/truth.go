// Package truth writes ground-truth pairs: a cropped field image next to a
// .gt.txt file holding the operator-confirmed text.
package truth

import (
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"mdetruth/pkg/layout"
)

// DefaultDirName is the ground-truth folder created under the image root.
const DefaultDirName = "mde-ground-truth"

// LabelExt is the suffix of the label file written beside each crop.
const LabelExt = ".gt.txt"

var unsafeChars = regexp.MustCompile(`[^a-z0-9_-]+`)

var encodeCrop = func(w io.Writer, img image.Image) error {
	return imaging.Encode(w, img, imaging.PNG)
}

type Writer struct {
	dir    string
	logger *slog.Logger
}

func NewWriter(dir string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{dir: dir, logger: logger}
}

// Dir returns the output directory.
func (w *Writer) Dir() string { return w.dir }

// Write crops rect out of img and saves it as <stem>_<field>.png, adding a
// numeric suffix when the name is taken. The returned name is the crop's
// base name.
func (w *Writer) Write(img image.Image, sourceName, field string, rect layout.Rect, label string) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create ground truth dir: %w", err)
	}
	crop := imaging.Crop(img, Clamp(rect, img.Bounds()))

	stem := strings.TrimSuffix(filepath.Base(sourceName), filepath.Ext(sourceName))
	base := stem + "_" + SanitizeField(field)
	name, f, err := w.reserve(base)
	if err != nil {
		return "", err
	}
	if err := encodeCrop(f, crop); err != nil {
		f.Close()
		_ = os.Remove(filepath.Join(w.dir, name))
		return "", fmt.Errorf("encode crop %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(filepath.Join(w.dir, name))
		return "", fmt.Errorf("close crop %s: %w", name, err)
	}

	labelPath := filepath.Join(w.dir, strings.TrimSuffix(name, ".png")+LabelExt)
	if err := os.WriteFile(labelPath, []byte(strings.TrimRight(label, "\n")+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write label %s: %w", labelPath, err)
	}
	w.logger.Info("ground truth written", "crop", name, "field", field, "label", label)
	return name, nil
}

// reserve creates the first free <base>[_n].png exclusively.
func (w *Writer) reserve(base string) (string, *os.File, error) {
	for n := 0; ; n++ {
		name := base + ".png"
		if n > 0 {
			name = base + "_" + strconv.Itoa(n) + ".png"
		}
		f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return name, f, nil
		}
		if !os.IsExist(err) {
			return "", nil, fmt.Errorf("create crop %s: %w", name, err)
		}
	}
}

// Clamp normalises r and fits it inside bounds. An empty result collapses
// to the nearest single pixel inside bounds.
func Clamp(r layout.Rect, bounds image.Rectangle) image.Rectangle {
	c := r.Bounds().Intersect(bounds)
	if !c.Empty() {
		return c
	}
	x := clampInt(r.Bounds().Min.X, bounds.Min.X, bounds.Max.X-1)
	y := clampInt(r.Bounds().Min.Y, bounds.Min.Y, bounds.Max.Y-1)
	return image.Rect(x, y, x+1, y+1)
}

// SanitizeField lower-cases name and replaces characters outside
// [a-z0-9_-] with underscores.
func SanitizeField(name string) string {
	s := unsafeChars.ReplaceAllString(strings.ToLower(name), "_")
	if s == "" {
		return "_"
	}
	return s
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
