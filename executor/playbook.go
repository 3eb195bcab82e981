package executor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/warden/sanitize"
	"github.com/yairfalse/warden/types"
)

var (
	playbookIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
	actionPattern     = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)

	// run key (64), ":" and the step id must fit lawbook.DefaultMaxKeyLength
	stepIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,63}$`)
)

// MaxSteps bounds the length of one playbook
const MaxSteps = 64

// Step is one action of a playbook
type Step struct {
	ID     string         `yaml:"id" json:"id"`
	Action string         `yaml:"action" json:"action"`
	With   map[string]any `yaml:"with,omitempty" json:"with,omitempty"`
}

// Playbook is an ordered list of steps
type Playbook struct {
	ID          string `yaml:"id" json:"id"`
	Version     string `yaml:"version" json:"version"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`
}

// Validate checks ids, step uniqueness and the bounds of every with map
func (p *Playbook) Validate() error {
	if !playbookIDPattern.MatchString(p.ID) {
		return types.Invalid("id", "playbook id %q must match %s", p.ID, playbookIDPattern)
	}
	if strings.TrimSpace(p.Version) == "" {
		return types.Invalid("version", "playbook %s: required", p.ID)
	}
	if len(p.Steps) == 0 {
		return types.Invalid("steps", "playbook %s has no steps", p.ID)
	}
	if len(p.Steps) > MaxSteps {
		return types.Invalid("steps", "playbook %s has %d steps, max %d", p.ID, len(p.Steps), MaxSteps)
	}

	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if !stepIDPattern.MatchString(s.ID) {
			return types.Invalid(field+".id", "step id %q must match %s", s.ID, stepIDPattern)
		}
		if seen[s.ID] {
			return types.Invalid(field+".id", "duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
		if !actionPattern.MatchString(s.Action) {
			return types.Invalid(field+".action", "action %q must match %s", s.Action, actionPattern)
		}
		if err := sanitize.CheckBounds(field+".with", s.With); err != nil {
			return err
		}
	}
	return nil
}

// ParsePlaybook decodes one strict YAML playbook definition
func ParsePlaybook(data []byte) (*Playbook, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Playbook
	if err := dec.Decode(&p); err != nil {
		return nil, types.Invalid("playbook", "%v", err)
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, types.Invalid("playbook", "expected a single document")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Catalog holds the playbooks an engine can plan
type Catalog struct {
	mu        sync.RWMutex
	playbooks map[string]Playbook
}

// NewCatalog validates and indexes playbooks
func NewCatalog(playbooks ...Playbook) (*Catalog, error) {
	c := &Catalog{playbooks: make(map[string]Playbook, len(playbooks))}
	for _, p := range playbooks {
		if err := c.Add(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LoadCatalog reads every *.yaml and *.yml file in dir
func LoadCatalog(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read playbook dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)

	c := &Catalog{playbooks: make(map[string]Playbook, len(files))}
	for _, file := range files {
		data, err := os.ReadFile(filepath.Clean(file))
		if err != nil {
			return nil, fmt.Errorf("read playbook %s: %w", file, err)
		}
		p, err := ParsePlaybook(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(file), err)
		}
		if err := c.Add(*p); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(file), err)
		}
	}
	return c, nil
}

// Add registers p; ids are unique
func (c *Catalog) Add(p Playbook) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.playbooks[p.ID]; ok {
		return types.Invalid("id", "duplicate playbook %q", p.ID)
	}
	c.playbooks[p.ID] = p
	return nil
}

// Get returns the playbook with id
func (c *Catalog) Get(id string) (Playbook, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.playbooks[id]
	return p, ok
}

// List returns every playbook ordered by id
func (c *Catalog) List() []Playbook {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Playbook, 0, len(c.playbooks))
	for _, p := range c.playbooks {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
