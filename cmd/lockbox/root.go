// Package main provides the lockbox CLI application.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/forest6511/lockbox/pkg/eventsink"
	"github.com/forest6511/lockbox/pkg/vault"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	vaultDir string
	v        *vault.Vault
)

var rootCmd = &cobra.Command{
	Use:   "lockbox",
	Short: "lockbox is a local, encrypted credential vault",
	Long:  `A fast and modern credential vault built with Go.`,
	// PersistentPreRunE runs before the root command and all subcommands.
	// This opens the Vault object (without unlocking it).
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "completion" {
			return nil
		}

		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		vaultDir = filepath.Join(home, ".lockbox")

		sink, err := eventsink.NewAuditSink(filepath.Join(vaultDir, "audit"))
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}

		opened, err := vault.Open(vault.Config{Dir: vaultDir, Sink: sink})
		if err != nil {
			return fmt.Errorf("failed to open vault: %w", err)
		}
		v = opened
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if v == nil {
			return nil
		}
		return v.Close()
	},
}

// Metadata flags for the add/update commands.
var (
	itemTitle    string
	itemUsername string
	itemOrigins  string
	itemTags     string
)

// Flags for the list command.
var (
	listTag    string
	listOrigin string
)

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(touchCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(passwordCmd)

	addCmd.Flags().StringVar(&itemTitle, "title", "", "Human-readable title")
	addCmd.Flags().StringVar(&itemUsername, "username", "", "Login username")
	addCmd.Flags().StringVar(&itemOrigins, "origins", "", "Comma-separated origins (e.g., example.com)")
	addCmd.Flags().StringVar(&itemTags, "tags", "", "Comma-separated tags")

	updateCmd.Flags().StringVar(&itemTitle, "title", "", "New title (omit to keep unchanged)")
	updateCmd.Flags().StringVar(&itemUsername, "username", "", "New login username (omit to keep unchanged)")
	updateCmd.Flags().StringVar(&itemOrigins, "origins", "", "New comma-separated origins (omit to keep unchanged)")
	updateCmd.Flags().StringVar(&itemTags, "tags", "", "New comma-separated tags (omit to keep unchanged)")

	listCmd.Flags().StringVar(&listTag, "tag", "", "Filter by tag")
	listCmd.Flags().StringVar(&listOrigin, "origin", "", "Filter by origin")

	passwordCmd.AddCommand(passwordChangeCmd)
}

// ensureUnlocked ensures the vault is unlocked, prompting for the master
// secret if it is currently Locked.
func ensureUnlocked() error {
	switch v.State() {
	case vault.StateUnlocked:
		return nil
	case vault.StateFresh:
		return fmt.Errorf("vault is not initialized; run 'lockbox init' first")
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
	return nil
}

// readMasterTwice prompts for a new master secret and its confirmation,
// failing if they don't match.
func readMasterTwice(prompt string) ([]byte, error) {
	fmt.Printf("%s: ", prompt)
	m1, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return nil, fmt.Errorf("failed to read master secret: %w", err)
	}
	fmt.Println()

	fmt.Printf("Confirm %s: ", prompt)
	m2, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return nil, fmt.Errorf("failed to read master secret: %w", err)
	}
	fmt.Println()

	if string(m1) != string(m2) {
		return nil, fmt.Errorf("master secrets do not match")
	}
	return m1, nil
}

func checkDiskSpaceWarning() {
	info, err := v.CheckDiskSpace()
	if err != nil {
		return
	}
	if info.UsedPct >= 95 {
		fmt.Fprintf(os.Stderr, "Warning: disk is %d%% full near the vault directory\n", info.UsedPct)
	}
}
