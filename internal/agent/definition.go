package agent

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Definition describes a sub-agent that the delegate tool can run.
type Definition struct {
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description"`
	SystemPrompt  string   `yaml:"system_prompt"`
	Model         string   `yaml:"model,omitempty"`
	Tools         []string `yaml:"tools,omitempty"`
	MaxIterations int      `yaml:"max_iterations,omitempty"`
}

type definitionsFile struct {
	Agents []Definition `yaml:"agents"`
}

// Definitions is a concurrency-safe set of agent definitions keyed by name.
type Definitions struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewDefinitions creates an empty set.
func NewDefinitions() *Definitions {
	return &Definitions{defs: make(map[string]Definition)}
}

// LoadDefinitions reads agent definitions from a YAML file. A missing file
// yields an empty set.
func LoadDefinitions(path string) (*Definitions, error) {
	d := NewDefinitions()
	if path == "" {
		return d, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return d, nil
		}
		return nil, fmt.Errorf("read agent definitions: %w", err)
	}
	var f definitionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agent definitions %s: %w", path, err)
	}
	for _, def := range f.Agents {
		if err := d.Register(def); err != nil {
			return nil, fmt.Errorf("agent definitions %s: %w", path, err)
		}
	}
	return d, nil
}

// Register adds a definition. The delegate tool is always removed from the
// definition's tool list so an agent can never delegate to itself.
func (d *Definitions) Register(def Definition) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return errors.New("agent definition requires a name")
	}
	def.Tools = slices.DeleteFunc(slices.Clone(def.Tools), func(name string) bool {
		return name == DelegateToolName
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.defs[def.Name]; exists {
		return fmt.Errorf("duplicate agent definition: %s", def.Name)
	}
	d.defs[def.Name] = def
	return nil
}

// Get returns the definition with the given name.
func (d *Definitions) Get(name string) (Definition, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, ok := d.defs[name]
	return def, ok
}

// List returns all definitions ordered by name.
func (d *Definitions) List() []Definition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Definition, 0, len(d.defs))
	for _, def := range d.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of definitions.
func (d *Definitions) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.defs)
}
