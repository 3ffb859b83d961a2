package main

import (
	"os"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script for your shell",
	Long: `To load completions:

Bash:
  $ source <(lockbox completion bash)

  # To load for each session (Linux):
  $ lockbox completion bash > ~/.local/share/bash-completion/completions/lockbox

  # To load for each session (macOS with Homebrew):
  $ lockbox completion bash > $(brew --prefix)/etc/bash_completion.d/lockbox

Zsh:
  # Ensure completion is enabled:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # Generate completion:
  $ lockbox completion zsh > ~/.zsh/completions/_lockbox
  # (create ~/.zsh/completions if needed, add to fpath in .zshrc)

Fish:
  $ lockbox completion fish > ~/.config/fish/completions/lockbox.fish

PowerShell:
  PS> lockbox completion powershell >> $PROFILE

Dynamic completion (item ids):
  Set LOCKBOX_COMPLETION_ENABLED=1 to enable item id completion.
  Note: Vault must be unlocked for this to work.
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			return cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			return cmd.Root().GenFishCompletion(os.Stdout, true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
	registerCompletionFunctions()
}
