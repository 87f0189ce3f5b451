package agentconfig

import (
	"cmp"
	"errors"
	"maps"
	"slices"
)

// PromptManager edits the prompt section of a Store, keeping at most one
// prompt active.
type PromptManager struct {
	store *Store
}

// NewPromptManager returns a PromptManager over store.
func NewPromptManager(store *Store) *PromptManager {
	return &PromptManager{store: store}
}

// AddPrompt inserts p. Adding an active prompt deactivates the current one.
func (m *PromptManager) AddPrompt(p PromptConfig) error {
	if p.Name == "" {
		return errors.New("prompt name is required")
	}
	return m.store.Update(func(cfg *Configuration) error {
		if _, ok := cfg.FindPrompt(p.Name); ok {
			return &DuplicatePromptError{Name: p.Name}
		}
		if p.Active {
			deactivateAll(cfg)
		}
		cfg.Prompts[p.Name] = p
		return nil
	})
}

// RemovePrompt deletes a prompt. Removing the active prompt leaves none active.
func (m *PromptManager) RemovePrompt(name string) error {
	return m.store.Update(func(cfg *Configuration) error {
		if _, ok := cfg.Prompts[name]; !ok {
			return &PromptNotFoundError{Name: name}
		}
		delete(cfg.Prompts, name)
		return nil
	})
}

// ActivatePrompt makes name the only active prompt.
func (m *PromptManager) ActivatePrompt(name string) error {
	return m.store.Update(func(cfg *Configuration) error {
		p, ok := cfg.Prompts[name]
		if !ok {
			return &PromptNotFoundError{Name: name}
		}
		deactivateAll(cfg)
		p.Active = true
		cfg.Prompts[name] = p
		return nil
	})
}

// DeactivateAll clears the active prompt so the built-in default applies.
func (m *PromptManager) DeactivateAll() error {
	return m.store.Update(func(cfg *Configuration) error {
		deactivateAll(cfg)
		return nil
	})
}

// ActivePrompt returns the active prompt, if any.
func (m *PromptManager) ActivePrompt() (PromptConfig, bool) {
	var (
		out   PromptConfig
		found bool
	)
	m.store.View(func(cfg *Configuration) {
		out, found = cfg.ActivePrompt()
	})
	return out, found
}

// List returns all prompts sorted by name.
func (m *PromptManager) List() []PromptConfig {
	var out []PromptConfig
	m.store.View(func(cfg *Configuration) {
		out = slices.SortedFunc(maps.Values(cfg.Prompts), func(a, b PromptConfig) int {
			return cmp.Compare(a.Name, b.Name)
		})
	})
	return out
}

// ActivePrompt returns the first active prompt in name order.
func (c *Configuration) ActivePrompt() (PromptConfig, bool) {
	for _, name := range sortedKeys(c.Prompts) {
		if p := c.Prompts[name]; p.Active {
			return p, true
		}
	}
	return PromptConfig{}, false
}

func deactivateAll(cfg *Configuration) {
	for name, p := range cfg.Prompts {
		if p.Active {
			p.Active = false
			cfg.Prompts[name] = p
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
