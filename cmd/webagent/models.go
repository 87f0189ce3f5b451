package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var modelsFilter string

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models offered by the configured endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd, true)
		if err != nil {
			return err
		}
		models, err := a.newLLM().ListModels(context.Background())
		if err != nil {
			return fmt.Errorf("listing models: %w", err)
		}

		current := a.modelName()
		for _, m := range models {
			if modelsFilter != "" && !strings.Contains(m.ID, modelsFilter) {
				continue
			}
			marker := " "
			if m.ID == current {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, m.ID)
		}
		return nil
	},
}

func init() {
	modelsCmd.Flags().StringVar(&modelsFilter, "filter", "", "Only show ids containing this text")
	rootCmd.AddCommand(modelsCmd)
}
