package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"syscall"

	"github.com/forest6511/lockbox/pkg/item"
	"github.com/forest6511/lockbox/pkg/security"
	"github.com/forest6511/lockbox/pkg/vault"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// initCmd creates a fresh vault.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initializes a new, empty vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		if v.State() != vault.StateFresh {
			return fmt.Errorf("vault is already initialized at %s", vaultDir)
		}

		master, err := readMasterTwice("Enter master secret")
		if err != nil {
			return err
		}

		strength := security.CalculateFieldStrength(string(master))
		fmt.Printf("Master secret strength: %s\n", strength)

		if err := v.Initialize(context.Background(), master, vault.InitParams{}); err != nil {
			return fmt.Errorf("failed to initialize vault: %w", err)
		}

		fmt.Printf("Vault initialized at %s\n", vaultDir)
		return nil
	},
}

// unlockCmd loads the persisted keyring under the master secret.
var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Unlocks the vault for this process",
	RunE: func(cmd *cobra.Command, args []string) error {
		if v.State() == vault.StateUnlocked {
			fmt.Println("Vault is already unlocked")
			return nil
		}

		fmt.Print("Enter master secret: ")
		master, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return fmt.Errorf("failed to read master secret: %w", err)
		}
		fmt.Println()

		if err := v.Unlock(master); err != nil {
			return fmt.Errorf("failed to unlock vault: %w", err)
		}
		fmt.Println("Vault unlocked")
		return nil
	},
}

// lockCmd zeroizes the master key and every item key in memory.
var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Locks the vault, discarding the in-memory master key",
	RunE: func(cmd *cobra.Command, args []string) error {
		v.Lock()
		fmt.Println("Vault locked")
		return nil
	},
}

// resetCmd destroys every item and the keyring, returning the vault to Fresh.
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Destroys all items and the keyring, returning the vault to its fresh state",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print("This permanently deletes every item in the vault. Type 'yes' to continue: ")
		var response string
		if _, err := fmt.Scanln(&response); err != nil || response != "yes" {
			fmt.Println("Aborted")
			return nil
		}

		if err := v.Reset(context.Background()); err != nil {
			return fmt.Errorf("failed to reset vault: %w", err)
		}
		fmt.Println("Vault reset")
		return nil
	},
}

// addCmd creates a new item.
var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Adds a new login item",
	Long: `Adds a new login item, prompting for its password.

Examples:
  lockbox add --title "My Bank" --username alice --origins mybank.example`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}

		fmt.Print("Enter password: ")
		password, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Println()

		raw, err := json.Marshal(itemInput{
			Title:   itemTitle,
			Origins: splitCommaList(itemOrigins),
			Tags:    splitCommaList(itemTags),
			Entry: &item.Entry{
				Kind:     item.KindLogin,
				Username: itemUsername,
				Password: string(password),
			},
		})
		if err != nil {
			return err
		}

		checkDiskSpaceWarning()
		it, err := v.Add(context.Background(), raw)
		if err != nil {
			return fmt.Errorf("failed to add item: %w", err)
		}

		fmt.Printf("Added item %s\n", it.ID)
		return nil
	},
}

// getCmd retrieves a single item.
var getCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Gets an item by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}

		it, err := v.Get(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get item: %w", err)
		}
		if it == nil {
			return fmt.Errorf("no item with id %q", args[0])
		}

		return printItem(it)
	},
}

// listCmd lists every item, or those matching --tag or --origin.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists items in the vault",
	Long: `Lists items in the vault. --tag and --origin query the
item_tags/item_origins secondary indexes directly instead of scanning
every item; combining both flags is not supported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		if listTag != "" && listOrigin != "" {
			return fmt.Errorf("--tag and --origin cannot be combined")
		}

		ctx := context.Background()
		var (
			items map[string]*item.Item
			err   error
		)
		switch {
		case listTag != "":
			items, err = v.ListByTag(ctx, listTag)
		case listOrigin != "":
			items, err = v.ListByOrigin(ctx, listOrigin)
		default:
			items, err = v.List(ctx)
		}
		if err != nil {
			return fmt.Errorf("failed to list items: %w", err)
		}

		if len(items) == 0 {
			fmt.Println("No items stored")
			return nil
		}

		for id, it := range items {
			line := fmt.Sprintf("%s  %s", id, it.Title)
			if len(it.Tags) > 0 {
				line += fmt.Sprintf(" [%s]", strings.Join(it.Tags, ","))
			}
			fmt.Println(line)
		}
		return nil
	},
}

// updateCmd updates fields on an existing item.
var updateCmd = &cobra.Command{
	Use:   "update [id]",
	Short: "Updates fields on an existing item",
	Long: `Updates one or more fields on an existing item. Omitted flags leave
the corresponding field unchanged.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}
		id := args[0]

		in := itemInput{ID: id}
		if cmd.Flags().Changed("title") {
			in.Title = itemTitle
		}
		if cmd.Flags().Changed("origins") {
			in.Origins = splitCommaList(itemOrigins)
		}
		if cmd.Flags().Changed("tags") {
			in.Tags = splitCommaList(itemTags)
		}
		if cmd.Flags().Changed("username") {
			existing, err := v.Get(context.Background(), id)
			if err != nil {
				return fmt.Errorf("failed to read existing item: %w", err)
			}
			if existing == nil {
				return fmt.Errorf("no item with id %q", id)
			}
			entry := existing.Entry
			entry.Username = itemUsername
			in.Entry = &entry
		}

		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}

		checkDiskSpaceWarning()
		it, err := v.Update(context.Background(), raw)
		if err != nil {
			return fmt.Errorf("failed to update item: %w", err)
		}

		fmt.Printf("Updated item %s\n", it.ID)
		return nil
	},
}

// touchCmd refreshes an item's last-used timestamp.
var touchCmd = &cobra.Command{
	Use:   "touch [id]",
	Short: "Refreshes an item's last-used timestamp",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}

		it, err := v.Touch(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to touch item: %w", err)
		}

		fmt.Printf("Touched item %s at %s\n", it.ID, it.LastUsed.Format("2006-01-02T15:04:05Z"))
		return nil
	},
}

// removeCmd deletes an item.
var removeCmd = &cobra.Command{
	Use:   "remove [id]",
	Short: "Removes an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}

		it, err := v.Remove(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to remove item: %w", err)
		}

		fmt.Printf("Removed item %s (%s)\n", it.ID, it.Title)
		return nil
	},
}

// itemInput mirrors item.Input's JSON shape, for the CLI to build raw
// payloads from flags without reaching into the item package's pointer
// fields directly.
type itemInput struct {
	ID      string      `json:"id,omitempty"`
	Title   string      `json:"title,omitempty"`
	Origins []string    `json:"origins,omitempty"`
	Tags    []string    `json:"tags,omitempty"`
	Entry   *item.Entry `json:"entry,omitempty"`
}

func splitCommaList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func printItem(it *item.Item) error {
	fmt.Printf("ID:       %s\n", it.ID)
	fmt.Printf("Title:    %s\n", it.Title)
	fmt.Printf("Username: %s\n", it.Entry.Username)
	fmt.Printf("Password: %s\n", it.Entry.Password)
	if it.Entry.Notes != "" {
		fmt.Printf("Notes:    %s\n", it.Entry.Notes)
	}
	if len(it.Origins) > 0 {
		fmt.Printf("Origins:  %s\n", strings.Join(it.Origins, ", "))
	}
	if len(it.Tags) > 0 {
		fmt.Printf("Tags:     %s\n", strings.Join(it.Tags, ", "))
	}
	fmt.Printf("Created:  %s\n", it.Created.Format("2006-01-02T15:04:05Z"))
	fmt.Printf("Modified: %s\n", it.Modified.Format("2006-01-02T15:04:05Z"))
	return nil
}
