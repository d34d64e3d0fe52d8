package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func watchCmd(g *globalFlags) *cobra.Command {
	var intervalSec int

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream new journal entries as they're appended",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g.configPath, g.overrides())
			if err != nil {
				return err
			}
			defer a.Close()

			sinceID := a.store.MaxJournalID()
			pollInterval := time.Duration(intervalSec) * time.Second

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

			fmt.Fprintf(os.Stderr, "watching journal (poll every %s, ctrl-c to stop)\n", pollInterval)

			ticker := time.NewTicker(pollInterval)
			defer ticker.Stop()

			for {
				select {
				case <-sig:
					fmt.Fprintln(os.Stderr, "\nstopped")
					return nil
				case <-ticker.C:
					entries, err := a.store.ListJournal(sinceID, 100)
					if err != nil {
						fmt.Fprintf(os.Stderr, "callosumctl: watch: %v\n", err)
						continue
					}
					for _, e := range entries {
						if g.jsonOut {
							b, _ := json.Marshal(e)
							fmt.Println(string(b))
						} else {
							fmt.Printf("[%s] %s %s tier=%d %s\n", g.timeFormat(e.Timestamp), e.Instance, e.Action, e.Tier, e.Tool)
						}
						if e.ID > sinceID {
							sinceID = e.ID
						}
					}
				}
			}
		},
	}

	cmd.Flags().IntVar(&intervalSec, "interval", 2, "poll interval in seconds")
	return cmd
}
