package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/webagent/internal/agentconfig"
	"github.com/michaelbrown/webagent/internal/config"
)

var (
	configOutput string
	initPreset   bool
	initForce    bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the tool and prompt document",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the document",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd, true)
		if err != nil {
			return err
		}
		return writeStructured(os.Stdout, configOutput, a.store.Snapshot())
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the document and list every problem",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd, true)
		if err != nil {
			return err
		}
		errs := agentconfig.Validate(a.store.Snapshot())
		if len(errs) == 0 {
			fmt.Printf("%s is valid.\n", a.store.Path())
			return nil
		}
		for _, e := range errs {
			fmt.Printf("  %s\n", e)
		}
		return fmt.Errorf("%d problem(s) in %s", len(errs), a.store.Path())
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print where the document and history live",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd, true)
		if err != nil {
			return err
		}
		fmt.Printf("config:  %s\n", a.store.Path())
		fmt.Printf("history: %s\n", a.cfg.Storage.DBPath)
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a new document",
	Long: `Write a new tool and prompt document at --config (config.json by default).

With --preset the document starts with the web extraction setup: Firecrawl,
plus Airbnb when ENABLE_AIRBNB_MCP is set and Google Maps when
ENABLE_GOOGLE_MAPS_MCP is set, and the default extraction prompt active.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(configCmd, initCmd)
	configCmd.AddCommand(configShowCmd, configValidateCmd, configPathCmd)

	configShowCmd.Flags().StringVarP(&configOutput, "output", "o", "yaml", "Output format: yaml or json")
	initCmd.Flags().BoolVar(&initPreset, "preset", false, "Start from the web extraction preset")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing document")
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagBindings(cmd))
	if err != nil {
		return err
	}
	path := cfg.ConfigFile

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	doc := agentconfig.Default()
	if initPreset {
		doc = agentconfig.Preset()
	}
	if err := agentconfig.Save(doc, path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s (%d tools, %d prompts)\n", path, len(doc.Tools), len(doc.Prompts))
	return nil
}
