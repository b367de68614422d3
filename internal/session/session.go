// Package session persists agent conversations as JSONL files so a later run
// can resume them.
package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/codeclaw/internal/provider"
)

// Session is one saved conversation.
type Session struct {
	Key       string
	Messages  []provider.Message
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  map[string]any
	mu        sync.RWMutex
}

// NewSession creates an empty session with the given key.
func NewSession(key string) *Session {
	now := time.Now()
	return &Session{
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]any{},
	}
}

// SetMessages replaces the conversation.
func (s *Session) SetMessages(msgs []provider.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = append([]provider.Message(nil), msgs...)
	s.UpdatedAt = time.Now()
}

// History returns the most recent maxMessages messages; 0 means all.
func (s *Session) History(maxMessages int) []provider.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.Messages
	if maxMessages > 0 && len(msgs) > maxMessages {
		msgs = msgs[len(msgs)-maxMessages:]
	}
	return append([]provider.Message(nil), msgs...)
}

// Len returns the number of stored messages.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Messages)
}

// SetMetadata sets a metadata value by key.
func (s *Session) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	s.Metadata[key] = value
	s.UpdatedAt = time.Now()
}

// GetMetadata returns a metadata value by key.
func (s *Session) GetMetadata(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.Metadata[key]
	return val, ok
}

type metaLine struct {
	Type      string         `json:"_type"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Manager stores sessions as <dir>/<key>.jsonl: a metadata line followed by
// one message per line.
type Manager struct {
	dir   string
	cache map[string]*Session
	mu    sync.RWMutex
}

// NewManager creates a manager rooted at dir, creating it if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Manager{dir: dir, cache: make(map[string]*Session)}, nil
}

// GetOrCreate returns the cached or saved session for key, or a new one.
func (m *Manager) GetOrCreate(key string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.cache[key]; ok {
		return s, nil
	}
	s, err := m.load(key)
	if err != nil {
		return nil, err
	}
	if s == nil {
		s = NewSession(key)
	}
	m.cache[key] = s
	return s, nil
}

// Save writes the session atomically.
func (m *Manager) Save(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	path := m.sessionPath(s.Key)
	tmp, err := os.CreateTemp(m.dir, ".session-*")
	if err != nil {
		return fmt.Errorf("create session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	if err := enc.Encode(metaLine{Type: "metadata", CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt, Metadata: s.Metadata}); err != nil {
		tmp.Close()
		return fmt.Errorf("encode session metadata: %w", err)
	}
	for _, msg := range s.Messages {
		if err := enc.Encode(msg); err != nil {
			tmp.Close()
			return fmt.Errorf("encode session message: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save session %s: %w", s.Key, err)
	}
	m.cache[s.Key] = s
	return nil
}

// Delete removes a session and reports whether a saved file existed.
func (m *Manager) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, key)
	return os.Remove(m.sessionPath(key)) == nil
}

// Info describes a saved session.
type Info struct {
	Key       string    `json:"key"`
	Messages  int       `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Path      string    `json:"path"`
}

// List returns saved sessions, most recently updated first.
func (m *Manager) List() ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}
	var out []Info
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		key := strings.TrimSuffix(name, ".jsonl")
		s, err := m.load(key)
		if err != nil || s == nil {
			continue
		}
		out = append(out, Info{
			Key:       key,
			Messages:  len(s.Messages),
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
			Path:      filepath.Join(m.dir, name),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *Manager) sessionPath(key string) string {
	safeKey := strings.ReplaceAll(key, ":", "_")
	// Strip path separators and traversal components to prevent path injection.
	safeKey = strings.ReplaceAll(safeKey, "/", "_")
	safeKey = strings.ReplaceAll(safeKey, "\\", "_")
	safeKey = strings.ReplaceAll(safeKey, "..", "_")
	return filepath.Join(m.dir, filepath.Base(safeKey)+".jsonl")
}

// load returns nil without error when no file exists for key.
func (m *Manager) load(key string) (*Session, error) {
	f, err := os.Open(m.sessionPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	s := NewSession(key)
	dec := json.NewDecoder(f)
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("read session %s: %w", key, err)
		}
		var meta metaLine
		if json.Unmarshal(raw, &meta) == nil && meta.Type == "metadata" {
			s.CreatedAt = meta.CreatedAt
			s.UpdatedAt = meta.UpdatedAt
			if meta.Metadata != nil {
				s.Metadata = meta.Metadata
			}
			continue
		}
		var msg provider.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("read session %s: %w", key, err)
		}
		s.Messages = append(s.Messages, msg)
	}
	return s, nil
}
