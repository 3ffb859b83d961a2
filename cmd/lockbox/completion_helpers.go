package main

import (
	"context"
	"os"
	"strings"

	"github.com/forest6511/lockbox/pkg/vault"

	"github.com/spf13/cobra"
)

// isDynamicCompletionEnabled checks if dynamic completion is opt-in enabled.
// Dynamic completion is disabled by default to prevent vault unlock prompts
// during tab completion.
func isDynamicCompletionEnabled() bool {
	return os.Getenv("LOCKBOX_COMPLETION_ENABLED") == "1"
}

// completeItemIDs provides item id completion (opt-in only).
// Returns empty list if dynamic completion is disabled, or the vault isn't
// already unlocked.
func completeItemIDs(_ *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if !isDynamicCompletionEnabled() || !isVaultUnlockedForCompletion() {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	ids, err := getItemIDsForCompletion(toComplete)
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	return ids, cobra.ShellCompDirectiveNoFileComp
}

// completeTags provides tag completion (opt-in only).
func completeTags(_ *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if !isDynamicCompletionEnabled() || !isVaultUnlockedForCompletion() {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	tags, err := getTagsForCompletion(toComplete)
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	return tags, cobra.ShellCompDirectiveNoFileComp
}

// isVaultUnlockedForCompletion reports whether the vault this process just
// opened is already unlocked. For a vault just opened by this process it
// is false: vault.Open leaves the vault Fresh or Locked, and each
// completion invocation is a fresh process with no prior Unlock.
func isVaultUnlockedForCompletion() bool {
	return v != nil && v.State() == vault.StateUnlocked
}

// getItemIDsForCompletion returns item ids whose title (case-insensitively)
// or id starts with the given prefix. Only called when
// isVaultUnlockedForCompletion() returns true.
func getItemIDsForCompletion(prefix string) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	items, err := v.List(context.Background())
	if err != nil {
		return nil, err
	}

	var ids []string
	lowerPrefix := strings.ToLower(prefix)
	for id, it := range items {
		if strings.HasPrefix(strings.ToLower(it.Title), lowerPrefix) || strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// getTagsForCompletion returns tags matching the given prefix. Only called
// when isVaultUnlockedForCompletion() returns true.
func getTagsForCompletion(prefix string) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	items, err := v.List(context.Background())
	if err != nil {
		return nil, err
	}

	tagSet := make(map[string]struct{})
	lowerPrefix := strings.ToLower(prefix)
	for _, it := range items {
		for _, tag := range it.Tags {
			if strings.HasPrefix(strings.ToLower(tag), lowerPrefix) {
				tagSet[tag] = struct{}{}
			}
		}
	}

	var tags []string
	for tag := range tagSet {
		tags = append(tags, tag)
	}
	return tags, nil
}

// registerCompletionFunctions registers ValidArgsFunction for commands that
// support dynamic completion.
func registerCompletionFunctions() {
	getCmd.ValidArgsFunction = completeItemIDs
	updateCmd.ValidArgsFunction = completeItemIDs
	touchCmd.ValidArgsFunction = completeItemIDs
	removeCmd.ValidArgsFunction = completeItemIDs

	_ = listCmd.RegisterFlagCompletionFunc("tag", completeTags)
}
