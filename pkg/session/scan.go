package session

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"mdetruth/pkg/records"
	"mdetruth/pkg/triage"
)

// Scan lists the screenshots under root, recursing into subdirectories
// except the outcome folders and any directory in skip. Results are sorted
// by path.
func Scan(root string, parser *records.TimestampParser, skip ...string) ([]ImageRecord, error) {
	return scanTree(root, parser, skipSet(root, skip))
}

func scanTree(root string, parser *records.TimestampParser, skipped map[string]bool) ([]ImageRecord, error) {
	var out []ImageRecord
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skipped[filepath.Clean(path)] {
				return filepath.SkipDir
			}
			return nil
		}
		if !isSupportedExt(d.Name()) {
			return nil
		}
		out = append(out, newRecord(root, path, parser))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path() < out[j].Path() })
	return out, nil
}

func newRecord(root, path string, parser *records.TimestampParser) ImageRecord {
	rec := ImageRecord{Dir: filepath.Dir(path), Name: filepath.Base(path)}
	if rel, err := filepath.Rel(root, path); err == nil {
		rec.Rel = rel
	}
	if parser != nil {
		rec.TS, _ = parser.Parse(rec.Name)
	}
	return rec
}

func skipSet(root string, extra []string) map[string]bool {
	s := make(map[string]bool)
	for _, o := range triage.All() {
		s[filepath.Join(root, string(o))] = true
	}
	for _, d := range extra {
		if d == "" {
			continue
		}
		if !filepath.IsAbs(d) && !strings.HasPrefix(filepath.Clean(d), filepath.Clean(root)) {
			d = filepath.Join(root, d)
		}
		s[filepath.Clean(d)] = true
	}
	return s
}

// isSupportedExt reports whether name is an image format the decoder reads.
func isSupportedExt(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff":
		return true
	}
	return false
}
