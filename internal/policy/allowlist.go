package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Rule is a standing approval. An empty CommandRoot covers every call of Tool;
// otherwise only exec calls whose command starts with that program match.
type Rule struct {
	Tool        string `yaml:"tool"`
	CommandRoot string `yaml:"command_root,omitempty"`
}

type allowFile struct {
	Rules []Rule `yaml:"rules"`
}

// AllowList holds remembered approvals, optionally persisted to a YAML file.
type AllowList struct {
	mu    sync.RWMutex
	path  string
	rules []Rule
}

// NewAllowList returns an in-memory allow list.
func NewAllowList(rules ...Rule) *AllowList {
	return &AllowList{rules: rules}
}

// LoadAllowList reads rules from path. A missing file yields an empty list
// that will be created on the first Add.
func LoadAllowList(path string) (*AllowList, error) {
	l := &AllowList{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return l, nil
		}
		return nil, fmt.Errorf("read allow list %s: %w", path, err)
	}
	var f allowFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse allow list %s: %w", path, err)
	}
	for _, r := range f.Rules {
		if r.Tool == "" {
			return nil, fmt.Errorf("parse allow list %s: rule without tool", path)
		}
	}
	l.rules = f.Rules
	return l, nil
}

// RuleFor builds the rule that Remember stores for a call.
func RuleFor(tool string, args map[string]any) Rule {
	r := Rule{Tool: tool}
	if tool == "exec" {
		r.CommandRoot = commandRoot(args)
	}
	return r
}

// Matches reports whether a remembered rule covers the call.
func (l *AllowList) Matches(tool string, args map[string]any) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, r := range l.rules {
		if r.Tool != tool {
			continue
		}
		if r.CommandRoot == "" || r.CommandRoot == commandRoot(args) {
			return true
		}
	}
	return false
}

// Rules returns a copy of the current rules.
func (l *AllowList) Rules() []Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Rule(nil), l.rules...)
}

// Add stores r and persists the list when it is file-backed. Duplicates are ignored.
func (l *AllowList) Add(r Rule) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.rules {
		if existing == r {
			return nil
		}
	}
	l.rules = append(l.rules, r)
	if l.path == "" {
		return nil
	}
	return l.saveLocked()
}

func (l *AllowList) saveLocked() error {
	data, err := yaml.Marshal(allowFile{Rules: l.rules})
	if err != nil {
		return fmt.Errorf("encode allow list: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("create allow list dir: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write allow list: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replace allow list: %w", err)
	}
	return nil
}

func commandRoot(args map[string]any) string {
	cmd, _ := args["command"].(string)
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return ""
	}
	return filepath.Base(fields[0])
}
