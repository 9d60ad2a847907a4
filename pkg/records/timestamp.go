package records

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// TimestampParser derives the join timestamp from an image filename. The
// first capture group is used when the pattern has one, otherwise the
// whole match.
type TimestampParser struct {
	re *regexp.Regexp
}

// DefaultTSPattern matches the first run of at least eight digits, which
// covers epoch seconds and compact YYYYMMDDhhmmss names.
const DefaultTSPattern = `\d{8,}`

func NewTimestampParser(pattern string) (*TimestampParser, error) {
	if pattern == "" {
		pattern = DefaultTSPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile ts pattern: %w", err)
	}
	return &TimestampParser{re: re}, nil
}

// Parse extracts the timestamp from the filename stem.
func (p *TimestampParser) Parse(filename string) (string, error) {
	base := filepath.Base(filename)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	m := p.re.FindStringSubmatch(stem)
	if m == nil {
		return "", fmt.Errorf("%w: %s", ErrNoTimestamp, base)
	}
	ts := m[0]
	if len(m) > 1 && m[1] != "" {
		ts = m[1]
	}
	return ts, nil
}
