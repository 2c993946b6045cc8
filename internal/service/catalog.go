package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrTypeNotFound is returned when a type cannot be resolved against the catalog.
var ErrTypeNotFound = errors.New("type not found")

// CatalogEntry is a dataset type as declared in catalog.yaml, together with
// the source of each of its sheets.
type CatalogEntry struct {
	DatasetType `yaml:",inline"`
	// Sources maps a sheet name to a source file (relative to the sources
	// directory) or to a table name.
	Sources map[string]string `yaml:"sources"`
}

type catalogFile struct {
	Types []CatalogEntry `yaml:"types"`
}

// CatalogService holds the dataset type catalog. The catalog is replaced
// wholesale on Reload, never patched.
type CatalogService struct {
	path    string
	entries map[string]CatalogEntry
	order   []string
	mu      sync.RWMutex
}

// NewCatalogService creates a catalog backed by the given YAML file.
func NewCatalogService(path string) *CatalogService {
	return &CatalogService{
		path:    path,
		entries: make(map[string]CatalogEntry),
	}
}

// Path returns the catalog file path.
func (s *CatalogService) Path() string {
	return s.path
}

// Reload reads the catalog file and replaces the whole catalog.
// A missing file yields an empty catalog.
func (s *CatalogService) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.replace(nil)
			return nil
		}
		return fmt.Errorf("reading catalog: %w", err)
	}
	entries, err := ParseCatalog(data)
	if err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(s.path), err)
	}
	s.replace(entries)
	return nil
}

// ParseCatalog decodes and validates catalog YAML.
func ParseCatalog(data []byte) ([]CatalogEntry, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	seen := make(map[string]bool, len(f.Types))
	for i := range f.Types {
		e := &f.Types[i]
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if seen[e.Key()] {
			return nil, fmt.Errorf("duplicate type %q", e.Key())
		}
		seen[e.Key()] = true
		for j := range e.Stratum {
			st := &e.Stratum[j]
			if st.SheetName == "" {
				st.SheetName = e.DefaultSheet()
			}
			if st.AggFunction == "" {
				st.AggFunction = "SUM"
			}
			if st.ID == "" {
				st.ID = fmt.Sprintf("%s-%d", st.SheetName, j)
			}
		}
	}
	return f.Types, nil
}

func (s *CatalogService) replace(entries []CatalogEntry) {
	m := make(map[string]CatalogEntry, len(entries))
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		m[e.Key()] = e
		order = append(order, e.Key())
	}
	s.mu.Lock()
	s.entries = m
	s.order = order
	s.mu.Unlock()
}

// Set replaces the catalog with the given entries.
func (s *CatalogService) Set(entries []CatalogEntry) {
	s.replace(entries)
}

// List returns the types matching category (all when empty), in catalog order.
func (s *CatalogService) List(category string) []DatasetType {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]DatasetType, 0, len(s.order))
	for _, k := range s.order {
		e := s.entries[k]
		if category != "" && e.Category != category {
			continue
		}
		result = append(result, e.DatasetType)
	}
	return result
}

// Get returns a catalog entry by category and label.
func (s *CatalogService) Get(category, label string) (CatalogEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[category+":"+label]
	return e, ok
}

// Source returns the source declared for a type's sheet.
func (s *CatalogService) Source(t DatasetType, sheet string) (string, error) {
	e, ok := s.Get(t.Category, t.Label)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTypeNotFound, t.Key())
	}
	src, ok := e.Sources[sheet]
	if !ok || src == "" {
		return "", fmt.Errorf("type %q has no source for sheet %q", t.Key(), sheet)
	}
	return src, nil
}

// Categories returns the distinct categories of the catalog, sorted.
func (s *CatalogService) Categories() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := map[string]bool{}
	for _, e := range s.entries {
		set[e.Category] = true
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
