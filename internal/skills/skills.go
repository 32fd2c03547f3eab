// Package skills loads skill definitions: markdown files with YAML
// frontmatter that extend the system prompt and can steer routing.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// FrontmatterDelimiter marks the beginning and end of YAML frontmatter.
const FrontmatterDelimiter = "---"

// Skill is one loaded skill.
type Skill struct {
	// Name is the unique skill identifier (lowercase, hyphens allowed).
	Name string `yaml:"name"`

	// Description explains what the skill does and when to apply it.
	Description string `yaml:"description"`

	// Complexity optionally forces a routing target: "local" or "remote".
	Complexity string `yaml:"complexity"`

	// Keywords trigger the skill when present in a user message. When
	// empty, the name's words are used.
	Keywords []string `yaml:"keywords"`

	// Content is the markdown body injected into the system prompt.
	Content string `yaml:"-"`
}

// Parse parses one skill file's content.
func Parse(data []byte) (*Skill, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}
	var s Skill
	if err := yaml.Unmarshal(frontmatter, &s); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if s.Name == "" {
		return nil, fmt.Errorf("skill name is required")
	}
	if s.Description == "" {
		return nil, fmt.Errorf("skill description is required")
	}
	s.Content = strings.TrimSpace(string(body))
	return &s, nil
}

func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != FrontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var fm []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == FrontmatterDelimiter {
			closed = true
			break
		}
		fm = append(fm, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var body []string
	for scanner.Scan() {
		body = append(body, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return []byte(strings.Join(fm, "\n")), []byte(strings.Join(body, "\n")), nil
}

// Registry holds loaded skills and answers keyword matches.
type Registry struct {
	skills []Skill
}

// NewRegistry wraps a fixed skill list.
func NewRegistry(list []Skill) *Registry {
	return &Registry{skills: list}
}

// LoadDir loads every *.md file in dir. A missing directory yields an
// empty registry.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return &Registry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var list []Skill
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		s, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("skill %s: %w", e.Name(), err)
		}
		list = append(list, *s)
	}
	return &Registry{skills: list}, nil
}

// All returns every loaded skill.
func (r *Registry) All() []Skill { return r.skills }

var wordSplitRe = regexp.MustCompile(`[\s\-_]+`)

// Match returns the skills whose keywords appear in query, in load order.
func (r *Registry) Match(query string) []Skill {
	if r == nil {
		return nil
	}
	lower := strings.ToLower(query)
	var matched []Skill
	for _, s := range r.skills {
		keywords := s.Keywords
		if len(keywords) == 0 {
			keywords = wordSplitRe.Split(s.Name, -1)
		}
		for _, kw := range keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(lower, kw) {
				matched = append(matched, s)
				break
			}
		}
	}
	return matched
}
