package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-narrator/pkg/memory"
)

func newContactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Manage emergency contacts",
	}
	cmd.AddCommand(newContactsListCmd(), newContactsAddCmd(), newContactsRemoveCmd())
	return cmd
}

// openStore opens the settings store named by the config.
func openStore(cmd *cobra.Command) (*memory.Memory, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return memory.Open(cfg.StorePath)
}

func newContactsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List emergency contacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mem, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			contacts := mem.Contacts()
			if len(contacts) == 0 {
				fmt.Println("No emergency contacts.")
				return nil
			}
			primary, _ := mem.PrimaryContact()
			for _, c := range contacts {
				marker := "  "
				if c.ID == primary.ID {
					marker = "⭐"
				}
				fmt.Printf("%s %-20s %-16s %-8s %s\n", marker, c.Name, c.PhoneNumber, c.Category, c.ID)
			}
			return nil
		},
	}
}

func newContactsAddCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "add NAME PHONE",
		Short: "Add an emergency contact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			c, err := mem.AddContact(args[0], args[1], memory.ParseCategory(category))
			if err != nil {
				return err
			}
			fmt.Printf("✅ Added %s (%s)\n", c.Name, c.PhoneNumber)
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", string(memory.CategoryOther), "family, friend, medical or other")
	return cmd
}

func newContactsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove ID|NAME",
		Short: "Remove an emergency contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			c, err := mem.RemoveContact(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("🗑️  Removed %s\n", c.Name)
			return nil
		},
	}
}
