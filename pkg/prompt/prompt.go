// Package prompt holds prompt templates, the prompt-selection modes used by
// pipeline stages, and the per-model-family request/response codecs.
package prompt

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
)

// Template is a prompt template with {column} placeholders. OutputSchema
// optionally maps result column names to JSON paths into the model's text
// response; without it the raw response is kept as a single field.
type Template struct {
	ID           string            `json:"id"`
	Text         string            `json:"text"`
	MaxTokens    int               `json:"max_tokens,omitempty"`
	OutputSchema map[string]string `json:"output_schema,omitempty"`
}

// SubPrompt is one entry of an expansion rule: which template to render and
// the aspect tag that identifies the expanded row in the output.
type SubPrompt struct {
	Aspect   string `json:"aspect"`
	PromptID string `json:"prompt_id"`
}

// ExpansionRule expands one input record into several prompt rows, one per
// sub-prompt, all sharing the record's budget within a single job.
type ExpansionRule struct {
	ID      string      `json:"id"`
	Prompts []SubPrompt `json:"prompts"`
}

// Registry resolves template and expansion-rule ids. It is populated once,
// before validation, and read-only afterwards.
type Registry struct {
	templates map[string]Template
	rules     map[string]ExpansionRule
}

func NewRegistry() *Registry {
	return &Registry{
		templates: map[string]Template{},
		rules:     map[string]ExpansionRule{},
	}
}

func (r *Registry) Register(t Template) {
	r.templates[t.ID] = t
}

func (r *Registry) RegisterExpansion(rule ExpansionRule) {
	r.rules[rule.ID] = rule
}

func (r *Registry) Get(id string) (Template, bool) {
	t, ok := r.templates[id]
	return t, ok
}

func (r *Registry) GetExpansion(id string) (ExpansionRule, bool) {
	rule, ok := r.rules[id]
	return rule, ok
}

func (r *Registry) IsExpansion(id string) bool {
	_, ok := r.rules[id]
	return ok
}

// TemplateIDs returns all registered template ids, sorted.
func (r *Registry) TemplateIDs() []string {
	ids := make([]string, 0, len(r.templates))
	for id := range r.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type registryFile struct {
	Templates      []Template      `json:"templates"`
	ExpansionRules []ExpansionRule `json:"expansion_rules"`
}

// LoadRegistry reads templates and expansion rules from a JSON file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt registry: %w", err)
	}
	return ParseRegistry(data)
}

func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse prompt registry: %w", err)
	}
	reg := NewRegistry()
	for _, t := range file.Templates {
		if t.ID == "" {
			return nil, fmt.Errorf("prompt template with empty id")
		}
		reg.Register(t)
	}
	for _, rule := range file.ExpansionRules {
		if rule.ID == "" {
			return nil, fmt.Errorf("expansion rule with empty id")
		}
		if _, clash := reg.templates[rule.ID]; clash {
			return nil, fmt.Errorf("expansion rule %q collides with a template id", rule.ID)
		}
		reg.RegisterExpansion(rule)
	}
	return reg, nil
}

// ValidateExpansionRule checks a rule's internal consistency: every
// referenced template exists, and aspects are unique.
func (r *Registry) ValidateExpansionRule(id string) []string {
	rule, ok := r.rules[id]
	if !ok {
		return []string{fmt.Sprintf("expansion rule %q not found", id)}
	}
	var errs []string
	if len(rule.Prompts) == 0 {
		errs = append(errs, fmt.Sprintf("expansion rule %q has no prompts", id))
	}
	seen := map[string]bool{}
	for _, sp := range rule.Prompts {
		if seen[sp.Aspect] {
			errs = append(errs, fmt.Sprintf("expansion rule %q: duplicate aspect %q", id, sp.Aspect))
		}
		seen[sp.Aspect] = true
		if _, ok := r.templates[sp.PromptID]; !ok {
			errs = append(errs, fmt.Sprintf("expansion rule %q: prompt %q not found", id, sp.PromptID))
		}
	}
	return errs
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Render substitutes {column} placeholders from the record's columns.
// An unresolved placeholder is an error: it means the input table does not
// match the template, which should fail loudly rather than ship a literal
// "{column}" to the model.
func Render(text string, record map[string]any) (string, error) {
	var missing []string
	rendered := placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := record[key]
		if !ok {
			missing = append(missing, key)
			return m
		}
		return fmt.Sprintf("%v", v)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved template keys: %v", missing)
	}
	return rendered, nil
}
