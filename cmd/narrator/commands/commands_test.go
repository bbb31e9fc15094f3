package commands

import (
	"path/filepath"
	"testing"

	"github.com/teslashibe/go-narrator/pkg/memory"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	cmd := NewRootCmd("test")
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestRootCommands(t *testing.T) {
	root := NewRootCmd("test")
	for _, name := range []string{"run", "contacts", "config", "devices"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestContacts(t *testing.T) {
	store := filepath.Join(t.TempDir(), "settings.json")
	t.Setenv("NARRATOR_STORE", store)

	if err := execute(t, "contacts", "add", "Sam", "+1 555 0100", "--category", "medical"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := execute(t, "contacts", "list"); err != nil {
		t.Fatalf("list: %v", err)
	}

	mem, err := memory.Open(store)
	if err != nil {
		t.Fatal(err)
	}
	contacts := mem.Contacts()
	if len(contacts) != 1 || contacts[0].Name != "Sam" || contacts[0].Category != memory.CategoryMedical {
		t.Fatalf("contacts = %+v", contacts)
	}

	if err := execute(t, "contacts", "remove", "sam"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := execute(t, "contacts", "remove", "sam"); err == nil {
		t.Error("removing a missing contact should fail")
	}

	mem, err = memory.Open(store)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(mem.Contacts()); n != 0 {
		t.Errorf("contacts left = %d", n)
	}
}

func TestContactsAdd_InvalidPhone(t *testing.T) {
	t.Setenv("NARRATOR_STORE", filepath.Join(t.TempDir(), "settings.json"))
	if err := execute(t, "contacts", "add", "Sam", "call-me"); err == nil {
		t.Error("expected an invalid phone error")
	}
}

func TestRun_InvalidFacing(t *testing.T) {
	t.Setenv("NARRATOR_STORE", filepath.Join(t.TempDir(), "settings.json"))
	if err := execute(t, "run", "--facing", "sideways"); err == nil {
		t.Error("expected a configuration error")
	}
}
