package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect grouping rules",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Parse a rules file and report advisory problems",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rc := cfg.Rules
			if len(args) == 1 {
				rc.File = args[0]
			}
			if rc.File == "" {
				return errors.New("no rules file: pass one or set rules.file")
			}
			eng, err := newRuleEngine(rc)
			if err != nil {
				return err
			}
			issues := eng.Validate()
			if err := printJSON(map[string]any{"summary": eng.Summary(), "issues": issues}); err != nil {
				return err
			}
			if len(issues) > 0 {
				return fmt.Errorf("%d services with rule problems", len(issues))
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "summary",
		Short: "Print the rules loaded from rules.file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := newRuleEngine(cfg.Rules)
			if err != nil {
				return err
			}
			return printJSON(eng.Summary())
		},
	})
	return cmd
}
