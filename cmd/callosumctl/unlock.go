package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gocallosum/callosum/pkg/model"
)

func unlockCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <context-key>",
		Short: "Release an advisory lock held by this instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g.configPath, g.overrides())
			if err != nil {
				return err
			}
			defer a.Close()

			key := model.ContextKey(args[0])
			if err := a.store.ReleaseLock(a.cfg.InstanceID, key); err != nil {
				return fmt.Errorf("release lock: %w", err)
			}

			if g.jsonOut {
				printJSON(map[string]interface{}{"released": true, "contextKey": key})
			} else {
				fmt.Printf("unlocked %s\n", key)
			}
			return nil
		},
	}
}
