package xmlnorm

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const xsdNamespace = "http://www.w3.org/2001/XMLSchema"

// Schema is a structural approximation of an XSD: the set of element
// local names it declares, keyed by target namespace (or, absent one, the
// file's base name). There is no XSD validation engine anywhere in the
// retrieved pack, so "validates" here means "every child of the candidate
// root is among the elements this schema declares" — exactly what the
// Python original's XPath-based healing logic actually consults, even
// though the original nominally calls a full lxml XSD validator first.
type Schema struct {
	Key             string
	TargetNamespace string
	SourcePath      string
	AllowedElements map[string]bool
}

// Validate reports whether every child element of root is either one of
// the schema's declared elements or a reserved pipeline element.
func (s *Schema) Validate(root *Element) bool {
	for _, c := range root.Children {
		if reservedChildElements[c.Local] {
			continue
		}
		if !s.AllowedElements[c.Local] {
			return false
		}
	}
	return true
}

// loadSchema reads a single .xsd file and extracts its target namespace
// and declared element names by walking its own element tree for
// {xsdNamespace}element tags, mirroring schema_catalog.py's XPath query.
func loadSchema(path string) (*Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	root, err := tolerantParse(raw)
	if err != nil {
		root, _ = recoveryParse(raw)
		if root == nil {
			return nil, err
		}
	}

	targetNS, _ := root.Attr("targetNamespace")
	allowed := map[string]bool{}
	collectXSDElementNames(root, allowed)

	key := targetNS
	if key == "" {
		base := filepath.Base(path)
		key = strings.TrimSuffix(base, filepath.Ext(base))
	}

	return &Schema{
		Key:             key,
		TargetNamespace: targetNS,
		SourcePath:      path,
		AllowedElements: allowed,
	}, nil
}

// collectXSDElementNames walks an XSD tree collecting the "name" attribute
// of every xsd:element declaration, recursing into complex/simple type
// definitions and groups.
func collectXSDElementNames(el *Element, out map[string]bool) {
	if el.Local == "element" && (el.Space == xsdNamespace || el.Space == "") {
		if name, ok := el.Attr("name"); ok {
			out[name] = true
		}
	}
	for _, c := range el.Children {
		collectXSDElementNames(c, out)
	}
}

// SchemaCatalog holds every schema discovered under a set of directories,
// keyed by target namespace (or filename stem). Construction does a
// synchronous directory walk; a Watcher (NewWatcher, Start) optionally
// keeps the catalog live.
type SchemaCatalog struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
	dirs    []string
	logger  Logger
}

// NewCatalog recursively discovers every *.xsd file under dirs and loads
// it into the catalog. A schema that fails to load is logged (as a
// SchemaLoadError) and skipped rather than failing catalog construction.
func NewCatalog(dirs []string, logger Logger) *SchemaCatalog {
	if logger == nil {
		logger = NoopLogger()
	}
	c := &SchemaCatalog{schemas: map[string]*Schema{}, dirs: dirs, logger: logger}
	for _, dir := range dirs {
		c.loadDir(dir)
	}
	return c
}

func (c *SchemaCatalog) loadDir(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".xsd") {
			return nil
		}
		c.loadOne(path)
		return nil
	})
}

func (c *SchemaCatalog) loadOne(path string) {
	schema, err := loadSchema(path)
	if err != nil {
		c.logger.Warn("failed to load schema", "path", path, "error", (&SchemaLoadError{Path: path, Cause: err}).Error())
		return
	}
	c.mu.Lock()
	c.schemas[schema.Key] = schema
	c.mu.Unlock()
}

// Get returns the schema registered under key, if any.
func (c *SchemaCatalog) Get(key string) (*Schema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.schemas[key]
	return s, ok
}

// List returns every schema key currently registered, sorted ascending.
func (c *SchemaCatalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.schemas))
	for k := range c.schemas {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks root against every loaded schema. If one accepts it
// unchanged, that schema is returned alongside valid=true. Otherwise
// valid is false and tentative names the schema healing should be guided
// by: schemas are iterated in ascending key order and the last one is
// picked, per spec.md §9's deterministic-selection resolution. tentative
// is nil if no schema is loaded at all.
func (c *SchemaCatalog) Validate(root *Element) (valid bool, tentative *Schema) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.schemas))
	for k := range c.schemas {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		s := c.schemas[k]
		if s.Validate(root) {
			return true, s
		}
		tentative = s
	}
	return false, tentative
}
