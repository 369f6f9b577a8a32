package extractor

import (
	"fmt"

	"github.com/gobwas/glob"
)

// ColumnFilter projects row columns into the payload using glob patterns
type ColumnFilter struct {
	include []glob.Glob
	exclude []glob.Glob
}

// NewColumnFilter compiles include and exclude patterns.
// No include patterns means every column is included.
func NewColumnFilter(include, exclude []string) (*ColumnFilter, error) {
	f := &ColumnFilter{
		include: make([]glob.Glob, 0, len(include)),
		exclude: make([]glob.Glob, 0, len(exclude)),
	}

	for _, pattern := range include {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}
		f.include = append(f.include, g)
	}

	for _, pattern := range exclude {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
		f.exclude = append(f.exclude, g)
	}

	return f, nil
}

// Match returns true if the column belongs in the payload
func (f *ColumnFilter) Match(column string) bool {
	matched := len(f.include) == 0
	for _, g := range f.include {
		if g.Match(column) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	for _, g := range f.exclude {
		if g.Match(column) {
			return false
		}
	}
	return true
}
