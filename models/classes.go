package models

import (
	"fmt"
	"strconv"
	"strings"
)

// OutputClass represents one classifier label.
type OutputClass struct {
	// The integer index returned by the model.
	Index int
	// The human-readable label.
	Name string
}

// ClassSet is the ordered list of classes of a model.
type ClassSet struct {
	Classes []OutputClass
	// nameToIdx for fast lookup by name
	nameToIdx map[string]int
}

// NewClassSet builds a class set where names[i] has index i.
func NewClassSet(names []string) *ClassSet {
	s := &ClassSet{Classes: make([]OutputClass, len(names))}
	for i, n := range names {
		s.Classes[i] = OutputClass{Index: i, Name: n}
	}
	s.BuildNameIndexMap()
	return s
}

// NumberedClassNames returns "0".."n-1" for models exported without names.
func NumberedClassNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = strconv.Itoa(i)
	}
	return names
}

// BuildNameIndexMap builds or rebuilds the name->index map.
func (s *ClassSet) BuildNameIndexMap() {
	s.nameToIdx = make(map[string]int, len(s.Classes))
	for _, c := range s.Classes {
		s.nameToIdx[c.Name] = c.Index
	}
}

// Len returns the number of classes.
func (s *ClassSet) Len() int {
	return len(s.Classes)
}

// GetName returns the class name for an index.
func (s *ClassSet) GetName(idx int) (string, error) {
	if idx < 0 || idx >= len(s.Classes) {
		return "", fmt.Errorf("class index %d out of range [0,%d)", idx, len(s.Classes))
	}
	return s.Classes[idx].Name, nil
}

// GetIndex returns the class index for a name.
func (s *ClassSet) GetIndex(name string) (int, error) {
	idx, ok := s.nameToIdx[name]
	if !ok {
		return -1, fmt.Errorf("class %q not found", name)
	}
	return idx, nil
}

// LabelFromFileName resolves the ground-truth class of a test image from its
// file name. The class name is the prefix before the first '-', so
// "DME-15208-1.jpeg" belongs to class "DME".
func (s *ClassSet) LabelFromFileName(name string) (int, error) {
	prefix, _, _ := strings.Cut(name, "-")
	return s.GetIndex(prefix)
}
