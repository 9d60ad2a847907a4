// Package triage files reviewed screenshots into outcome folders.
package triage

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Outcome is the name of the folder an image ends up in.
type Outcome string

const (
	Others      Outcome = "Others"
	ConfigIssue Outcome = "Configuration Issue"
	GoodOCR     Outcome = "Images_Good OCR"
	BadOCR      Outcome = "Images_Bad OCR"
	NoMatch     Outcome = "No_Match_imgs"
)

// All lists every outcome in report order.
func All() []Outcome {
	return []Outcome{GoodOCR, BadOCR, NoMatch, ConfigIssue, Others}
}

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	for _, k := range All() {
		if o == k {
			return true
		}
	}
	return false
}

func (o Outcome) String() string { return string(o) }

// Mover moves images from anywhere under the root into <root>/<outcome>/,
// keeping the subdirectory they were found in.
type Mover struct {
	root   string
	logger *slog.Logger
}

func NewMover(root string, logger *slog.Logger) *Mover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mover{root: root, logger: logger}
}

// Path returns the preferred destination of dir/name for outcome. Images
// outside the root land directly in the outcome folder.
func (m *Mover) Path(dir, name string, outcome Outcome) string {
	sub, err := filepath.Rel(m.root, dir)
	if err != nil || sub == "." || strings.HasPrefix(sub, "..") {
		sub = ""
	}
	return filepath.Join(m.root, string(outcome), sub, name)
}

// Move relocates dir/name and returns where it went. An existing file at
// the destination is never replaced; the moved image gets a _n suffix
// instead. A missing source is logged and ignored.
func (m *Mover) Move(dir, name string, outcome Outcome) (string, error) {
	if !outcome.Valid() {
		return "", fmt.Errorf("unknown outcome %q", outcome)
	}
	src := filepath.Join(dir, name)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			m.logger.Warn("source image gone, nothing to move", "path", src, "outcome", outcome)
			return "", nil
		}
		return "", fmt.Errorf("stat %s: %w", src, err)
	}
	dst := m.Path(dir, name, outcome)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	dst, err := freePath(dst)
	if err != nil {
		return "", err
	}
	if err := os.Rename(src, dst); err != nil {
		if err := copyRemove(src, dst); err != nil {
			return "", fmt.Errorf("move %s to %s: %w", src, outcome, err)
		}
	}
	m.logger.Info("image triaged", "name", name, "outcome", outcome, "dest", dst)
	return dst, nil
}

// freePath returns path, or the first <stem>_<n><ext> next to it that does
// not exist yet.
func freePath(path string) (string, error) {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for n := 0; ; n++ {
		p := path
		if n > 0 {
			p = stem + "_" + strconv.Itoa(n) + ext
		}
		_, err := os.Lstat(p)
		if os.IsNotExist(err) {
			return p, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", p, err)
		}
	}
}

// copyRemove is the fallback when rename fails, e.g. across devices.
func copyRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
