package models

import (
	"fmt"
	"sort"
)

// TableRef identifies a warehouse table inside the configured project.
type TableRef struct {
	Dataset string `json:"dataset" yaml:"dataset"`
	Table   string `json:"table" yaml:"table"`
}

func (t TableRef) String() string {
	return fmt.Sprintf("%s.%s", t.Dataset, t.Table)
}

// Field is one column of a destination table schema.
type Field struct {
	Name   string  `json:"name" yaml:"name"`
	Type   string  `json:"type" yaml:"type"`
	Mode   string  `json:"mode,omitempty" yaml:"mode"`
	Fields []Field `json:"fields,omitempty" yaml:"fields"` // RECORD sub-fields
}

type Schema []Field

// SourceMap maps a source dataset key to the tag substituted into its sub-queries.
type SourceMap map[string]string

// Keys returns the source keys in sorted order so composed queries are reproducible.
func (m SourceMap) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
