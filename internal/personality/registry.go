// Package personality holds the static set of assistant personas a user can
// select. The registry is read-only once built.
package personality

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultID is the persona used for new users and unknown ids.
const DefaultID = "default"

type Personality struct {
	ID           string `yaml:"-"`
	DisplayName  string `yaml:"name"`
	SystemPrompt string `yaml:"system_prompt"`
}

var builtins = map[string]Personality{
	"default": {
		ID:           "default",
		DisplayName:  "Default Assistant",
		SystemPrompt: "You are a helpful assistant that responds to user queries accurately and concisely.",
	},
	"sarcastic": {
		ID:           "sarcastic",
		DisplayName:  "Sarcastic Assistant",
		SystemPrompt: "You are a sarcastic assistant who responds with wit and humor, while still being helpful.",
	},
	"poetic": {
		ID:           "poetic",
		DisplayName:  "Poetic Assistant",
		SystemPrompt: "You are a poetic assistant who responds with lyrical and flowery language.",
	},
	"coding_tutor": {
		ID:           "coding_tutor",
		DisplayName:  "Coding Tutor",
		SystemPrompt: "You are a coding tutor who helps users learn programming concepts and debug their code.",
	},
}

type Registry struct {
	byID map[string]Personality
}

// New returns a registry holding the built-in personas plus extra, which
// may override built-ins by id.
func New(extra ...Personality) (*Registry, error) {
	r := &Registry{byID: make(map[string]Personality, len(builtins)+len(extra))}
	for id, p := range builtins {
		r.byID[id] = p
	}
	for _, p := range extra {
		p.ID = strings.ToLower(strings.TrimSpace(p.ID))
		if p.ID == "" {
			return nil, fmt.Errorf("personality without id")
		}
		if p.SystemPrompt == "" {
			return nil, fmt.Errorf("personality %q has empty system_prompt", p.ID)
		}
		if p.DisplayName == "" {
			p.DisplayName = p.ID
		}
		r.byID[p.ID] = p
	}
	return r, nil
}

// Load builds a registry from the built-ins and an optional YAML file of the
// form `<id>: {name: ..., system_prompt: ...}`. An empty path means built-ins only.
func Load(path string) (*Registry, error) {
	if path == "" {
		return New()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read personalities file: %w", err)
	}
	var raw map[string]Personality
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse personalities file: %w", err)
	}
	extra := make([]Personality, 0, len(raw))
	for id, p := range raw {
		p.ID = id
		extra = append(extra, p)
	}
	return New(extra...)
}

func (r *Registry) Get(id string) (Personality, bool) {
	p, ok := r.byID[id]
	return p, ok
}

func (r *Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// Resolve returns the persona for id, or the default one when id is unknown.
func (r *Registry) Resolve(id string) Personality {
	if p, ok := r.byID[id]; ok {
		return p
	}
	return r.byID[DefaultID]
}

// List returns all personas sorted by id.
func (r *Registry) List() []Personality {
	out := make([]Personality, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
