package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// ErrContactNotFound is returned when no contact matches.
var ErrContactNotFound = errors.New("memory: contact not found")

// Category groups emergency contacts.
type Category string

const (
	CategoryFamily  Category = "family"
	CategoryFriend  Category = "friend"
	CategoryMedical Category = "medical"
	CategoryOther   Category = "other"
)

// ParseCategory maps free text to a category, defaulting to other.
func ParseCategory(s string) Category {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case CategoryFamily:
		return CategoryFamily
	case CategoryFriend:
		return CategoryFriend
	case CategoryMedical:
		return CategoryMedical
	}
	return CategoryOther
}

// EmergencyContact is someone to reach in an emergency.
type EmergencyContact struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	PhoneNumber string   `json:"phoneNumber"`
	Category    Category `json:"category"`
}

// NormalizePhone strips formatting, keeping digits and a leading +.
func NormalizePhone(s string) (string, error) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", fmt.Errorf("memory: invalid character %q in phone number", r)
		}
	}
	digits := strings.TrimPrefix(b.String(), "+")
	if len(digits) < 3 || len(digits) > 15 {
		return "", fmt.Errorf("memory: phone number must have 3 to 15 digits")
	}
	return b.String(), nil
}

// Contacts returns the stored contacts. Undecodable data yields none.
func (m *Memory) Contacts() []EmergencyContact {
	raw, ok := m.Get(KeyContacts)
	if !ok || raw == "" {
		return []EmergencyContact{}
	}
	var contacts []EmergencyContact
	if err := json.Unmarshal([]byte(raw), &contacts); err != nil {
		return []EmergencyContact{}
	}
	return contacts
}

func (m *Memory) setContacts(contacts []EmergencyContact) error {
	data, err := json.Marshal(contacts)
	if err != nil {
		return fmt.Errorf("memory: encode contacts: %w", err)
	}
	return m.Set(KeyContacts, string(data))
}

// AddContact validates and stores a new contact.
func (m *Memory) AddContact(name, phone string, category Category) (EmergencyContact, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return EmergencyContact{}, fmt.Errorf("memory: contact name must not be empty")
	}
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return EmergencyContact{}, err
	}
	if category == "" {
		category = CategoryOther
	}

	c := EmergencyContact{
		ID:          uuid.NewString(),
		Name:        name,
		PhoneNumber: normalized,
		Category:    category,
	}
	m.contactsMu.Lock()
	defer m.contactsMu.Unlock()
	contacts := append(m.Contacts(), c)
	if err := m.setContacts(contacts); err != nil {
		return EmergencyContact{}, err
	}
	return c, nil
}

// RemoveContact deletes the contact whose ID or name (case-insensitive)
// matches ref.
func (m *Memory) RemoveContact(ref string) (EmergencyContact, error) {
	ref = strings.TrimSpace(ref)
	m.contactsMu.Lock()
	defer m.contactsMu.Unlock()
	contacts := m.Contacts()
	for i, c := range contacts {
		if c.ID == ref || strings.EqualFold(c.Name, ref) {
			rest := append(contacts[:i:i], contacts[i+1:]...)
			if err := m.setContacts(rest); err != nil {
				return EmergencyContact{}, err
			}
			return c, nil
		}
	}
	return EmergencyContact{}, fmt.Errorf("%w: %s", ErrContactNotFound, ref)
}

// PrimaryContact returns the first medical contact, else the first
// family contact, else the first contact.
func (m *Memory) PrimaryContact() (EmergencyContact, bool) {
	contacts := m.Contacts()
	for _, want := range []Category{CategoryMedical, CategoryFamily} {
		for _, c := range contacts {
			if c.Category == want {
				return c, true
			}
		}
	}
	if len(contacts) > 0 {
		return contacts[0], true
	}
	return EmergencyContact{}, false
}
