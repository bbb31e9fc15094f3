// Package memory persists the device's local preferences: voice, theme,
// wake word and the emergency contact list.
//
// Values are flat key-value pairs so any Store can hold them. Contacts are
// stored JSON-encoded under a single key. Every mutation saves through to
// the configured store.
package memory

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Setting keys.
const (
	KeyVoice    = "voice"
	KeyTheme    = "theme"
	KeyWakeWord = "wakeWord"
	KeyContacts = "contacts"
)

// Defaults for unset settings.
const (
	DefaultVoice    = "Kore"
	DefaultTheme    = "dark"
	DefaultWakeWord = "hey narrator"
)

// Themes accepted by SetTheme.
var Themes = []string{"dark", "light", "high-contrast"}

// Settings is a snapshot of the user's preferences.
type Settings struct {
	Voice    string             `json:"voice"`
	Theme    string             `json:"theme"`
	WakeWord string             `json:"wakeWord"`
	Contacts []EmergencyContact `json:"contacts"`
}

// Memory is the preference store.
type Memory struct {
	values map[string]string
	store  Store
	mu     sync.RWMutex

	// contactsMu serializes contact list read-modify-write.
	contactsMu sync.Mutex
}

// New creates an in-memory store (no persistence).
func New() *Memory {
	return &Memory{values: make(map[string]string)}
}

// NewWithStore creates a memory backed by store and loads existing data.
func NewWithStore(store Store) (*Memory, error) {
	m := New()
	m.store = store
	if err := m.Load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Open picks a store from the file extension: .db and .sqlite use SQLite,
// anything else is a JSON file.
func Open(path string) (*Memory, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		s, err := OpenSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		m, err := NewWithStore(s)
		if err != nil {
			s.Close()
			return nil, err
		}
		return m, nil
	default:
		return NewWithStore(NewJSONStore(path))
	}
}

// Save persists all values to the configured store.
func (m *Memory) Save() error {
	if m.store == nil {
		return nil
	}
	m.mu.RLock()
	snapshot := make(map[string]string, len(m.values))
	for k, v := range m.values {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	if err := m.store.Save(snapshot); err != nil {
		return fmt.Errorf("memory: save: %w", err)
	}
	return nil
}

// Load replaces in-memory values with the store's.
func (m *Memory) Load() error {
	if m.store == nil {
		return nil
	}
	values, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("memory: load: %w", err)
	}
	if values == nil {
		values = make(map[string]string)
	}
	m.mu.Lock()
	m.values = values
	m.mu.Unlock()
	return nil
}

// Close releases resources held by the store.
func (m *Memory) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}

// Get returns a raw value.
func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[strings.TrimSpace(key)]
	return v, ok
}

// Set stores a raw value and saves.
func (m *Memory) Set(key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("memory: empty key")
	}
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return m.Save()
}

// Delete removes a value and saves. It reports whether the key existed.
func (m *Memory) Delete(key string) (bool, error) {
	key = strings.TrimSpace(key)
	m.mu.Lock()
	_, ok := m.values[key]
	delete(m.values, key)
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, m.Save()
}

// All returns a copy of every stored value.
func (m *Memory) All() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// Keys returns stored keys in order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clear removes every value and saves.
func (m *Memory) Clear() error {
	m.mu.Lock()
	m.values = make(map[string]string)
	m.mu.Unlock()
	return m.Save()
}

func (m *Memory) getOr(key, def string) string {
	if v, ok := m.Get(key); ok && v != "" {
		return v
	}
	return def
}

// Voice returns the synthesis voice.
func (m *Memory) Voice() string { return m.getOr(KeyVoice, DefaultVoice) }

// Theme returns the dashboard theme.
func (m *Memory) Theme() string { return m.getOr(KeyTheme, DefaultTheme) }

// WakeWord returns the wake word.
func (m *Memory) WakeWord() string { return m.getOr(KeyWakeWord, DefaultWakeWord) }

// SetVoice sets the synthesis voice.
func (m *Memory) SetVoice(voice string) error {
	voice = strings.TrimSpace(voice)
	if voice == "" {
		return fmt.Errorf("memory: voice must not be empty")
	}
	return m.Set(KeyVoice, voice)
}

// SetTheme sets the dashboard theme.
func (m *Memory) SetTheme(theme string) error {
	theme = strings.ToLower(strings.TrimSpace(theme))
	for _, t := range Themes {
		if t == theme {
			return m.Set(KeyTheme, theme)
		}
	}
	return fmt.Errorf("memory: unknown theme %q (want one of %s)", theme, strings.Join(Themes, ", "))
}

// SetWakeWord sets the wake word.
func (m *Memory) SetWakeWord(word string) error {
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" {
		return fmt.Errorf("memory: wake word must not be empty")
	}
	return m.Set(KeyWakeWord, word)
}

// Settings returns a snapshot of every preference.
func (m *Memory) Settings() Settings {
	return Settings{
		Voice:    m.Voice(),
		Theme:    m.Theme(),
		WakeWord: m.WakeWord(),
		Contacts: m.Contacts(),
	}
}

// Stats returns item counts.
func (m *Memory) Stats() map[string]int {
	return map[string]int{
		"values":   len(m.Keys()),
		"contacts": len(m.Contacts()),
	}
}
