package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/webagent/internal/agentconfig"
)

var (
	promptFile        string
	promptContent     string
	promptDescription string
	promptVersion     string
	promptActivate    bool
)

var promptsCmd = &cobra.Command{
	Use:     "prompts",
	Aliases: []string{"prompt", "p"},
	Short:   "Manage instruction prompts",
}

var promptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List prompts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd, true)
		if err != nil {
			return err
		}
		printPrompts(agentconfig.NewPromptManager(a.store).List())
		return nil
	},
}

var promptsShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Print a prompt, or the active one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd, true)
		if err != nil {
			return err
		}
		pm := agentconfig.NewPromptManager(a.store)
		if len(args) == 0 {
			p, ok := pm.ActivePrompt()
			if !ok {
				fmt.Println("No active prompt; the built-in instructions apply.")
				return nil
			}
			fmt.Print(p.Content)
			return nil
		}
		for _, p := range pm.List() {
			if p.Name == args[0] {
				fmt.Print(p.Content)
				return nil
			}
		}
		return &agentconfig.PromptNotFoundError{Name: args[0]}
	},
}

var promptsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a prompt from --content or --file",
	Args:  cobra.ExactArgs(1),
	RunE:  runPromptsAdd,
}

var promptsActivateCmd = &cobra.Command{
	Use:   "activate <name>",
	Short: "Make a prompt the only active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editPrompts(cmd, func(pm *agentconfig.PromptManager) error {
			return pm.ActivatePrompt(args[0])
		}, "Activated "+args[0])
	},
}

var promptsDeactivateCmd = &cobra.Command{
	Use:   "deactivate",
	Short: "Deactivate all prompts (use the built-in instructions)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return editPrompts(cmd, func(pm *agentconfig.PromptManager) error {
			return pm.DeactivateAll()
		}, "No prompt active")
	},
}

var promptsRemoveCmd = &cobra.Command{
	Use:     "remove <name>",
	Aliases: []string{"rm"},
	Short:   "Remove a prompt",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editPrompts(cmd, func(pm *agentconfig.PromptManager) error {
			return pm.RemovePrompt(args[0])
		}, "Removed "+args[0])
	},
}

func init() {
	rootCmd.AddCommand(promptsCmd)
	promptsCmd.AddCommand(promptsListCmd, promptsShowCmd, promptsAddCmd,
		promptsActivateCmd, promptsDeactivateCmd, promptsRemoveCmd)

	f := promptsAddCmd.Flags()
	f.StringVarP(&promptFile, "file", "f", "", "Read the prompt content from a file")
	f.StringVar(&promptContent, "content", "", "Prompt content")
	f.StringVar(&promptDescription, "description", "", "Description")
	f.StringVar(&promptVersion, "version", "", "Version label")
	f.BoolVar(&promptActivate, "activate", false, "Make it the active prompt")
}

func runPromptsAdd(cmd *cobra.Command, args []string) error {
	content := promptContent
	if promptFile != "" {
		data, err := os.ReadFile(promptFile)
		if err != nil {
			return err
		}
		content = string(data)
	}
	if content == "" {
		return errors.New("prompt content is required (--content or --file)")
	}

	p := agentconfig.PromptConfig{
		Name:        args[0],
		Content:     content,
		Active:      promptActivate,
		Description: promptDescription,
		Version:     promptVersion,
	}
	return editPrompts(cmd, func(pm *agentconfig.PromptManager) error {
		return pm.AddPrompt(p)
	}, "Added "+p.Name)
}

func editPrompts(cmd *cobra.Command, fn func(pm *agentconfig.PromptManager) error, done string) error {
	a, err := loadApp(cmd, true)
	if err != nil {
		return err
	}
	if err := fn(agentconfig.NewPromptManager(a.store)); err != nil {
		return err
	}
	if err := a.save(); err != nil {
		return err
	}
	fmt.Println(done)
	return nil
}
