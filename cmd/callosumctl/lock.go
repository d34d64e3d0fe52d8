package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gocallosum/callosum/pkg/model"
)

func lockCmd(g *globalFlags) *cobra.Command {
	var tier int
	var ttlSec int

	cmd := &cobra.Command{
		Use:   "lock <context-key>",
		Short: "Acquire an advisory lock by hand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g.configPath, g.overrides())
			if err != nil {
				return err
			}
			defer a.Close()

			key := model.ContextKey(args[0])
			ttl := time.Duration(ttlSec) * time.Second
			acquired, err := a.store.AcquireLock(a.cfg.InstanceID, key, model.Tier(tier), ttl)
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}

			if !acquired {
				holder, _ := a.store.GetLock(key)
				if g.jsonOut {
					printJSON(map[string]interface{}{"acquired": false, "holder": holder})
				} else if holder != nil {
					fmt.Printf("denied: %s holds %s until %s\n", holder.Instance, key, holder.ExpiresAt.Format(time.RFC3339))
				} else {
					fmt.Println("denied: lock unavailable")
				}
				cmd.SilenceUsage = true
				return fmt.Errorf("lock conflict")
			}

			if g.jsonOut {
				printJSON(map[string]interface{}{"acquired": true, "contextKey": key, "ttlSeconds": ttlSec})
			} else {
				fmt.Printf("locked %s (ttl=%ds)\n", key, ttlSec)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&tier, "tier", int(model.TierCommitment), "tier to record on the lock")
	cmd.Flags().IntVar(&ttlSec, "ttl", 300, "lock TTL in seconds")
	return cmd
}
