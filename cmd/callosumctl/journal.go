package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func journalCmd(g *globalFlags) *cobra.Command {
	var since int64
	var limit int

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Query the append-only decision journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g.configPath, g.overrides())
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.store.ListJournal(since, limit)
			if err != nil {
				return fmt.Errorf("list journal: %w", err)
			}

			if g.jsonOut {
				printJSON(entries)
				return nil
			}
			if len(entries) == 0 {
				fmt.Println("journal: empty")
				return nil
			}
			for _, e := range entries {
				line := fmt.Sprintf("#%-5d %-8s %-20s tier=%d %-10s %s",
					e.ID, e.Action, e.Instance, e.Tier, e.Tool, g.timeFormat(e.Timestamp))
				if e.ContextKey != "" {
					line += " key=" + string(e.ContextKey)
				}
				if e.ConflictNote != "" {
					line += " (" + e.ConflictNote + ")"
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&since, "since-id", 0, "only entries with ID greater than this")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	return cmd
}
