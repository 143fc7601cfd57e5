package metrics

import (
	"sort"
	"strings"
)

// Label is one name/value pair of a metric id.
type Label struct {
	Name  string
	Value string
}

// L is shorthand for constructing a Label.
func L(name, value string) Label { return Label{Name: name, Value: value} }

// ID identifies one time series: an interned family name ("family.name")
// plus an ordered label set. Label names are unique and the set is kept
// lexicographically sorted so equal ids canonicalize identically.
type ID struct {
	Name   string
	Labels []Label
}

// NewID canonicalizes name plus labels. Label order in the input does not
// matter; duplicate label names are rejected.
func NewID(name string, labels ...Label) (ID, error) {
	if name == "" {
		return ID{}, ErrBadName
	}
	ls := make([]Label, len(labels))
	copy(ls, labels)
	sort.Slice(ls, func(i, j int) bool { return ls[i].Name < ls[j].Name })
	for i := 1; i < len(ls); i++ {
		if ls[i].Name == ls[i-1].Name {
			return ID{}, ErrBadLabels
		}
	}
	return ID{Name: name, Labels: ls}, nil
}

// Canonical renders the id as name{k="v",...}; label-free ids render as the
// bare name. Used as the registry identity key.
func (id ID) Canonical() string {
	if len(id.Labels) == 0 {
		return id.Name
	}
	var b strings.Builder
	b.WriteString(id.Name)
	b.WriteByte('{')
	for i, l := range id.Labels {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(l.Name)
		b.WriteString(`="`)
		b.WriteString(l.Value)
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}
