// Package template maintains the library of request templates and chooses
// which one to fill for a given input. Template documents are YAML or JSON
// files holding metadata plus a body whose leaves may reference entity
// kinds as slots.
package template

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/herald/pkg/logger"
	"github.com/kadirpekel/herald/pkg/models"
	"github.com/kadirpekel/herald/pkg/registry"
)

// Template is one loaded document: metadata plus the request body shape.
type Template struct {
	Meta models.TemplateMetadata
	Body map[string]any
}

// document is the on-disk shape.
type document struct {
	Meta models.TemplateMetadata `yaml:"template_metadata"`
	Body map[string]any          `yaml:"body"`
}

// counters hold the live usage statistics for one template name. They live
// outside the registry so a reload never resets them.
type counters struct {
	usage      atomic.Uint64
	executions atomic.Uint64
	successes  atomic.Uint64
}

// Store is the template library. Metadata is read-mostly; usage updates go
// through atomic counters keyed by name.
type Store struct {
	reg *registry.BaseRegistry[*Template]
	log *slog.Logger

	mu       sync.Mutex
	counters map[string]*counters
	watcher  *watcher
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		reg:      registry.NewBaseRegistry[*Template](),
		log:      logger.Component("template"),
		counters: make(map[string]*counters),
	}
}

var templateExtensions = map[string]bool{".yaml": true, ".yml": true, ".json": true}

// LoadDir loads every template document in dir. Previously loaded templates
// absent from the directory are removed; usage counters survive by name.
func (s *Store) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return models.WrapError(models.KindTemplateNotFound, "template.load_dir", err)
	}

	seen := make(map[string]bool)
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !templateExtensions[filepath.Ext(entry.Name())] {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		tpl, err := s.loadFile(path)
		if err != nil {
			s.log.Warn("Skipping unreadable template", "path", path, "err", err)
			continue
		}
		s.reg.Replace(tpl.Meta.Name, tpl)
		seen[tpl.Meta.Name] = true
		loaded++
	}

	for _, name := range s.reg.Names() {
		if !seen[name] {
			_ = s.reg.Remove(name)
		}
	}

	s.log.Info("Templates loaded", "dir", dir, "count", loaded)
	return nil
}

// loadFile parses one document. YAML is a superset of JSON, so .json
// documents go through the same decoder.
func (s *Store) loadFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Meta.Name == "" {
		return nil, fmt.Errorf("document has no template_metadata.name")
	}
	if doc.Meta.HTTPMethod == "" || doc.Meta.APIEndpoint == "" {
		return nil, fmt.Errorf("template %q has no endpoint binding", doc.Meta.Name)
	}

	// Seed the counters from the document on first sight only.
	s.mu.Lock()
	if _, ok := s.counters[doc.Meta.Name]; !ok {
		c := &counters{}
		c.usage.Store(doc.Meta.UsageCount)
		s.counters[doc.Meta.Name] = c
	}
	s.mu.Unlock()

	return &Template{Meta: doc.Meta, Body: doc.Body}, nil
}

// Get returns a template by name.
func (s *Store) Get(name string) (*Template, bool) {
	return s.reg.Get(name)
}

// Names lists the registered template names, sorted.
func (s *Store) Names() []string {
	return s.reg.Names()
}

// Count reports how many templates are loaded.
func (s *Store) Count() int {
	return s.reg.Count()
}

// Metadata snapshots every template's metadata with live counters merged
// in, sorted by name.
func (s *Store) Metadata() []models.TemplateMetadata {
	names := s.reg.Names()
	metas := make([]models.TemplateMetadata, 0, len(names))
	for _, name := range names {
		tpl, ok := s.reg.Get(name)
		if !ok {
			continue
		}
		meta := tpl.Meta
		if c := s.countersFor(name); c != nil {
			meta.UsageCount = c.usage.Load()
			if execs := c.executions.Load(); execs > 0 {
				meta.SuccessRate = float32(c.successes.Load()) / float32(execs)
			}
		}
		metas = append(metas, meta)
	}
	return metas
}

func (s *Store) countersFor(name string) *counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

func (s *Store) ensureCounters(name string) *counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[name]
	if !ok {
		c = &counters{}
		s.counters[name] = c
	}
	return c
}

// RecordUsage counts one selection of the named template.
func (s *Store) RecordUsage(name string) {
	s.ensureCounters(name).usage.Add(1)
}

// RecordOutcome counts one execution of the named template's request.
func (s *Store) RecordOutcome(name string, ok bool) {
	c := s.ensureCounters(name)
	c.executions.Add(1)
	if ok {
		c.successes.Add(1)
	}
}

// slotPattern matches a body leaf that is a slot reference, e.g.
// "{{resource_id}}".
var slotPattern = regexp.MustCompile(`^\{\{\s*([a-z_]+)\s*\}\}$`)

// Fill instantiates the named template: every slot is replaced with the
// first value of the matching entity group, and a _meta subobject records
// the provenance. Missing entities leave an empty value; flagging them is
// the validator's job.
func (s *Store) Fill(name string, entities map[models.EntityKind][]string, originalText string) (map[string]any, error) {
	tpl, ok := s.reg.Get(name)
	if !ok {
		return nil, models.Errorf(models.KindTemplateNotFound, "template.fill",
			"no template %q", name)
	}

	request := fillValue(tpl.Body, entities).(map[string]any)
	request["_meta"] = map[string]any{
		"source":        "user_input",
		"original_text": originalText,
	}
	return request, nil
}

func fillValue(v any, entities map[models.EntityKind][]string) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = fillValue(child, entities)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = fillValue(child, entities)
		}
		return out
	case string:
		m := slotPattern.FindStringSubmatch(strings.TrimSpace(val))
		if m == nil {
			return val
		}
		values := entities[models.EntityKind(m[1])]
		if len(values) == 0 {
			return ""
		}
		return values[0]
	default:
		return v
	}
}
