// Package agentdef loads agent definitions: the base instruction
// templates, tool allow/block lists, and required context keys that the
// materializer renders into session-scoped agent files.
package agentdef

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrCodeContextKeysUnresolved is the stable error code surfaced when an
// agent's required context keys are missing from the supplied payload.
const ErrCodeContextKeysUnresolved = "CONTEXT_KEYS_UNRESOLVED"

// Definition is one agent's template as stored on disk.
type Definition struct {
	Name                string   `yaml:"name"`
	Description         string   `yaml:"description,omitempty"`
	Content             string   `yaml:"content"`
	AllowedTools        []string `yaml:"allowed_tools,omitempty"`
	BlockedTools        []string `yaml:"blocked_tools,omitempty"`
	RequiredContextKeys []string `yaml:"required_context_keys,omitempty"`
}

// Store reads agent definitions from a directory of YAML files, one
// definition per file, keyed by the definition's name. Definitions are
// cached after first load; Reload drops the cache (the config watcher
// calls it when the agents directory changes).
type Store struct {
	dir string

	mu    sync.RWMutex
	cache map[string]*Definition
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// EnsureStarterDefinitions writes the built-in starter agents into the
// directory when it holds no definitions yet. First-run setup only;
// existing files are never overwritten.
func (s *Store) EnsureStarterDefinitions() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create agents dir: %w", err)
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read agents dir: %w", err)
	}
	for _, ent := range entries {
		if strings.HasSuffix(ent.Name(), ".yaml") || strings.HasSuffix(ent.Name(), ".yml") {
			return nil
		}
	}
	for _, def := range starterDefinitions() {
		data, err := yaml.Marshal(def)
		if err != nil {
			return fmt.Errorf("marshal starter agent %s: %w", def.Name, err)
		}
		path := filepath.Join(s.dir, def.Name+".yaml")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write starter agent %s: %w", def.Name, err)
		}
	}
	return nil
}

// GetAgent returns the definition for an agent name, or an error naming
// the agent if no definition exists.
func (s *Store) GetAgent(name string) (*Definition, error) {
	defs, err := s.load()
	if err != nil {
		return nil, err
	}
	def, ok := defs[name]
	if !ok {
		return nil, fmt.Errorf("agent definition %q not found in %s", name, s.dir)
	}
	return def, nil
}

// GetRequiredContextKeys returns the dotted context keys an agent's
// template depends on. Unknown agents yield an empty list.
func (s *Store) GetRequiredContextKeys(name string) ([]string, error) {
	defs, err := s.load()
	if err != nil {
		return nil, err
	}
	def, ok := defs[name]
	if !ok {
		return nil, nil
	}
	return def.RequiredContextKeys, nil
}

// List returns all known agent names, sorted.
func (s *Store) List() ([]string, error) {
	defs, err := s.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Reload drops the definition cache so the next read re-scans the
// directory.
func (s *Store) Reload() {
	s.mu.Lock()
	s.cache = nil
	s.mu.Unlock()
}

func (s *Store) load() (map[string]*Definition, error) {
	s.mu.RLock()
	cached := s.cache
	s.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache != nil {
		return s.cache, nil
	}

	defs := make(map[string]*Definition)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.cache = defs
			return defs, nil
		}
		return nil, fmt.Errorf("read agents dir: %w", err)
	}
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read agent definition %s: %w", name, err)
		}
		var def Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parse agent definition %s: %w", name, err)
		}
		if def.Name == "" {
			def.Name = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		}
		defs[def.Name] = &def
	}
	s.cache = defs
	return defs, nil
}

// UnresolvedKeys resolves required dotted keys against a context payload
// and returns the keys that are missing or empty. A dotted key like
// "workspace.branch" descends through nested maps.
func UnresolvedKeys(required []string, payload map[string]any) []string {
	var missing []string
	for _, key := range required {
		if !resolveDotted(key, payload) {
			missing = append(missing, key)
		}
	}
	return missing
}

func resolveDotted(key string, payload map[string]any) bool {
	parts := strings.Split(key, ".")
	var current any = payload
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		current, ok = m[part]
		if !ok {
			return false
		}
	}
	switch v := current.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	default:
		return true
	}
}

func starterDefinitions() []Definition {
	return []Definition{
		{
			Name:        "hub",
			Description: "Coordinating agent that routes work and resolves decision gates.",
			Content: `You are the hub agent for this workspace. You coordinate the plan:
assign steps to specialist agents, resolve decision gates, and keep the
plan state current. You never implement steps yourself; you delegate and
verify. When two agents report conflicting scope, record a plan note and
arrange a handoff.`,
			RequiredContextKeys: []string{"plan.id", "workspace.path"},
		},
		{
			Name:        "executor",
			Description: "Implements plan steps inside the workspace.",
			Content: `You are an executor agent. You implement the plan steps assigned to
you, one at a time, marking each active before you start and done when
verified. Stay inside your claimed files and step indices. If you need
scope outside your claim, record a plan note and request a handoff.`,
			BlockedTools:        []string{"deploy", "publish"},
			RequiredContextKeys: []string{"plan.id"},
		},
		{
			Name:        "reviewer",
			Description: "Reviews completed steps before they are confirmed.",
			Content: `You are a reviewer agent. You inspect steps marked done, verify the
work against the step's task description, and either confirm the step or
reopen it with a note explaining what is missing. You do not modify
implementation files.`,
			AllowedTools: []string{"read", "search", "annotate"},
		},
	}
}
