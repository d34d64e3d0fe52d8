package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gocallosum/callosum/pkg/model"
)

// statusWindow bounds how far back status looks for recent context
// activity and verdict tallies, independent of any single rule's own
// duplicate-detection window.
const statusWindow = 30 * time.Minute

func statusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show active locks, recent activity, and verdict tallies",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g.configPath, g.overrides())
			if err != nil {
				return err
			}
			defer a.Close()

			locks, err := a.store.ListLocks()
			if err != nil {
				return fmt.Errorf("list locks: %w", err)
			}
			recent, err := a.store.ListRecentContext(time.Now().Add(-statusWindow))
			if err != nil {
				return fmt.Errorf("list recent context: %w", err)
			}
			tallies := verdictTallies(a, statusWindow)

			if g.jsonOut {
				printJSON(map[string]interface{}{
					"instance":       a.cfg.InstanceID,
					"backend":        a.cfg.Backend,
					"locks":          locks,
					"recentContexts": recent,
					"verdictTallies": tallies,
				})
				return nil
			}

			fmt.Printf("instance: %s (backend: %s)\n", a.cfg.InstanceID, a.cfg.Backend)

			if len(locks) == 0 {
				fmt.Println("locks: none")
			} else {
				fmt.Println("locks:")
				for _, l := range locks {
					fmt.Printf("  %-30s held by %-15s tier=%-12s expires %s\n",
						l.ContextKey, l.Instance, l.Tier, g.timeFormat(l.ExpiresAt))
				}
			}

			if len(recent) == 0 {
				fmt.Println("recent activity: none")
			} else {
				fmt.Printf("recent activity (last %s):\n", statusWindow)
				for _, r := range recent {
					fmt.Printf("  %-30s %-15s tier=%-12s %s (%s)\n",
						r.ContextKey, r.Instance, r.Tier, r.Tool, g.timeFormat(r.Timestamp))
				}
			}

			fmt.Printf("journal tallies (last %s): intercepted=%d completed=%d failed=%d blocked=%d\n",
				statusWindow, tallies[model.ActionIntercept], tallies[model.ActionComplete],
				tallies[model.ActionFailed], tallies[model.ActionBlocked])
			return nil
		},
	}
}

// verdictTallies counts recent journal actions as a rough proxy for
// verdict outcomes: the journal records actions (intercept/complete/
// failed/blocked), not the gate's finer allow/warn/pause/block kinds
// directly, so pause and block verdicts are both counted under blocked
// and are not told apart.
func verdictTallies(a *app, window time.Duration) map[model.Action]int {
	entries, err := a.store.ListJournal(0, 10000)
	if err != nil {
		return map[model.Action]int{}
	}
	cutoff := time.Now().Add(-window)
	out := map[model.Action]int{}
	for _, e := range entries {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		out[e.Action]++
	}
	return out
}
