// Package main provides the lockbox CLI application.
package main

import (
	"context"
	"fmt"

	"github.com/forest6511/lockbox/pkg/security"
	"github.com/forest6511/lockbox/pkg/vault"

	"github.com/spf13/cobra"
)

// passwordCmd is the parent command for master-secret operations.
var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Master secret operations",
}

// passwordChangeCmd rebases the vault's keyring under a new master secret.
var passwordChangeCmd = &cobra.Command{
	Use:   "change",
	Short: "Changes the master secret, re-wrapping the item keyring",
	Long: `Changes the master secret by re-wrapping the item keyring under a new
master secret.

This operation:
  1. Unlocks the vault with the current master secret
  2. Re-wraps the keyring with the new master secret
  3. All items remain accessible with the new master secret

The change is atomic: either fully succeeds or has no effect.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(); err != nil {
			return err
		}

		newMaster, err := readMasterTwice("Enter new master secret")
		if err != nil {
			return err
		}

		strength := security.CalculateFieldStrength(string(newMaster))
		fmt.Printf("New master secret strength: %s\n", strength)

		if err := v.Initialize(context.Background(), newMaster, vault.InitParams{Rebase: true}); err != nil {
			return fmt.Errorf("failed to change master secret: %w", err)
		}

		fmt.Println("Master secret changed successfully")
		return nil
	},
}
