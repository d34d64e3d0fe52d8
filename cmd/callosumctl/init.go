package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gocallosum/callosum/pkg/classifier"
)

func initCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the state directory and default tier rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g.configPath, g.overrides())
			if err != nil {
				return err
			}
			defer a.Close()

			wroteRules := false
			if _, err := os.Stat(a.cfg.RulesPath); os.IsNotExist(err) {
				rf := classifier.RuleFile{
					Description: "default tier rules, generated by callosumctl init",
					Rules:       classifier.DefaultRules(),
				}
				data, err := json.MarshalIndent(rf, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal default rules: %w", err)
				}
				if err := os.WriteFile(a.cfg.RulesPath, data, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", a.cfg.RulesPath, err)
				}
				wroteRules = true
			}

			if g.jsonOut {
				printJSON(map[string]interface{}{
					"stateDir":   a.cfg.StateDir,
					"instanceId": a.cfg.InstanceID,
					"rulesPath":  a.cfg.RulesPath,
					"wroteRules": wroteRules,
				})
				return nil
			}

			fmt.Printf("initialized callosum state at %s\n", a.cfg.StateDir)
			fmt.Printf("  instance id: %s\n", a.cfg.InstanceID)
			if wroteRules {
				fmt.Printf("  wrote default tier rules to %s\n", a.cfg.RulesPath)
			} else {
				fmt.Printf("  using existing tier rules at %s\n", a.cfg.RulesPath)
			}
			fmt.Println()
			fmt.Println("next steps:")
			fmt.Println("  callosumctl status")
			fmt.Println("  callosumctl watch")
			return nil
		},
	}
}
