package workflow

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Registry stores workflow definitions and serves versioned lookups.
//
// Definitions are immutable once registered: Get returns deep copies,
// and re-registering a name produces (or overwrites) a distinct
// version. The registry is read-mostly and safe for concurrent use.
type Registry struct {
	mu sync.RWMutex

	// byName maps name -> version -> definition.
	byName map[string]map[int]*Definition

	// byID maps definition id -> definition.
	byID map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]map[int]*Definition),
		byID:   make(map[string]*Definition),
	}
}

// Register validates and stores a definition.
//
// If a definition with the same (name, version) already exists and
// overwrite is false, registration fails. With overwrite=true the call
// upserts, making re-registration of identical content idempotent.
//
// A definition with Version 0 is assigned the next version for its
// name. An empty ID defaults to "name:version".
func (r *Registry) Register(def *Definition, overwrite bool) error {
	if def == nil {
		return &Error{Code: "NIL_DEFINITION", Message: "definition cannot be nil", Err: ErrInvalidDefinition}
	}
	if def.Name == "" {
		return &Error{Code: "EMPTY_NAME", Message: "definition name cannot be empty", Err: ErrInvalidDefinition}
	}
	if err := def.Validate(); err != nil {
		return err
	}

	stored, err := def.Clone()
	if err != nil {
		return &Error{Code: "CLONE_FAILED", Message: err.Error(), Err: ErrInvalidDefinition}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.byName[stored.Name]
	if versions == nil {
		versions = make(map[int]*Definition)
		r.byName[stored.Name] = versions
	}

	if stored.Version == 0 {
		stored.Version = r.latestVersionLocked(stored.Name) + 1
	}

	if _, exists := versions[stored.Version]; exists && !overwrite {
		return &Error{
			Code:    "DEFINITION_EXISTS",
			Message: fmt.Sprintf("definition %s version %d already registered", stored.Name, stored.Version),
			Err:     ErrInvalidDefinition,
		}
	}

	if stored.ID == "" {
		stored.ID = fmt.Sprintf("%s:%d", stored.Name, stored.Version)
	}
	if stored.EntryPoint == "" {
		stored.EntryPoint = stored.Steps[0].ID
	}
	stored.IsActive = true

	versions[stored.Version] = stored
	r.byID[stored.ID] = stored
	return nil
}

// Get returns the latest active version of the named definition, or
// nil if no active version exists. The returned definition is a deep
// copy.
func (r *Registry) Get(name string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byName[name]
	best := 0
	for v, def := range versions {
		if def.IsActive && v > best {
			best = v
		}
	}
	if best == 0 {
		return nil
	}
	return mustClone(versions[best])
}

// GetVersion returns a specific version of the named definition
// regardless of active flag, or nil if absent.
func (r *Registry) GetVersion(name string, version int) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byName[name][version]
	if !ok {
		return nil
	}
	return mustClone(def)
}

// GetByID returns the definition with the given id, or nil if absent.
func (r *Registry) GetByID(id string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byID[id]
	if !ok {
		return nil
	}
	return mustClone(def)
}

// List returns the latest active version of every definition,
// optionally restricted to a category. Deactivated definitions are
// omitted, matching Get: everything List returns can be submitted.
// Results are sorted by name.
func (r *Registry) List(category string) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, 0, len(r.byName))
	for _, versions := range r.byName {
		best := 0
		for v, def := range versions {
			if def.IsActive && v > best {
				best = v
			}
		}
		if best == 0 {
			continue
		}
		def := versions[best]
		if category != "" && def.Category != category {
			continue
		}
		out = append(out, mustClone(def))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Deactivate marks every version of the named definition inactive. New
// submissions are rejected; running instances continue unaffected.
func (r *Registry) Deactivate(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.byName[name]
	if len(versions) == 0 {
		return &Error{Code: "NOT_FOUND", Message: "no definition named " + name, Err: ErrDefinitionNotFound}
	}
	for _, def := range versions {
		def.IsActive = false
	}
	return nil
}

// Export writes every registered definition as a JSON array.
func (r *Registry) Export(w io.Writer) error {
	r.mu.RLock()
	all := make([]*Definition, 0)
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		versions := r.byName[name]
		nums := make([]int, 0, len(versions))
		for v := range versions {
			nums = append(nums, v)
		}
		sort.Ints(nums)
		for _, v := range nums {
			all = append(all, versions[v])
		}
	}
	r.mu.RUnlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(all)
}

// Import reads a JSON array of definitions and registers each one.
// Existing (name, version) pairs are only replaced when overwrite is
// true.
func (r *Registry) Import(src io.Reader, overwrite bool) error {
	var defs []*Definition
	if err := json.NewDecoder(src).Decode(&defs); err != nil {
		return &Error{Code: "IMPORT_DECODE", Message: err.Error(), Err: ErrInvalidDefinition}
	}
	for _, def := range defs {
		if err := r.Register(def, overwrite); err != nil {
			return fmt.Errorf("import %s: %w", def.Name, err)
		}
	}
	return nil
}

// SeedTemplates registers the built-in content-optimization templates.
// Seeding is idempotent: templates overwrite their own prior version.
func (r *Registry) SeedTemplates() error {
	for _, tpl := range builtinTemplates() {
		if err := r.Register(tpl, true); err != nil {
			return fmt.Errorf("seed template %s: %w", tpl.Name, err)
		}
	}
	return nil
}

// latestVersionLocked returns the highest registered version for name.
// Caller must hold r.mu.
func (r *Registry) latestVersionLocked(name string) int {
	best := 0
	for v := range r.byName[name] {
		if v > best {
			best = v
		}
	}
	return best
}

// mustClone deep-copies a definition that has already survived one JSON
// round-trip at registration, so a second cannot fail.
func mustClone(def *Definition) *Definition {
	copied, err := def.Clone()
	if err != nil {
		panic("registry: clone of registered definition failed: " + err.Error())
	}
	return copied
}
