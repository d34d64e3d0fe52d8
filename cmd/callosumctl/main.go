package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/gocallosum/callosum/pkg/config"
)

const version = "0.1.0"

// globalFlags are the persistent flags every subcommand shares; overrides
// maps the state-dir, instance and backend flags onto pkg/config.Overrides.
type globalFlags struct {
	configPath  string
	stateDir    string
	instanceID  string
	backend     string
	jsonOut     bool
	interactive bool
}

// timeFormat renders a timestamp for plain-text output: relative
// ("3 minutes ago") on an interactive terminal, absolute RFC3339 when
// stdout is redirected or piped, so scripts scraping status/watch output
// don't have to parse humanize's wall-clock-relative strings.
func (g *globalFlags) timeFormat(t time.Time) string {
	if g.interactive {
		return humanize.Time(t)
	}
	return t.Format(time.RFC3339)
}

func (g *globalFlags) overrides() config.Overrides {
	ov := config.Overrides{}
	if g.stateDir != "" {
		ov.StateDir = &g.stateDir
	}
	if g.instanceID != "" {
		ov.InstanceID = &g.instanceID
	}
	if g.backend != "" {
		ov.Backend = &g.backend
	}
	return ov
}

// isTerminal reports whether stdout is an interactive terminal, deciding
// whether timeFormat renders relative or RFC3339 timestamps.
func isTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			fmt.Fprintf(os.Stderr, "callosumctl: panic: %v\n%s\n", r, buf[:n])
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "callosumctl: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{interactive: isTerminal()}

	cmd := &cobra.Command{
		Use:           "callosumctl",
		Short:         "Operator CLI for a Callosum coordination store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to callosum.yaml")
	cmd.PersistentFlags().StringVar(&flags.stateDir, "state-dir", "", "override the coordination state directory")
	cmd.PersistentFlags().StringVar(&flags.instanceID, "instance", "", "override the instance identity")
	cmd.PersistentFlags().StringVar(&flags.backend, "backend", "", "override the store backend (sqlite|file)")
	cmd.PersistentFlags().BoolVar(&flags.jsonOut, "json", false, "emit machine-readable JSON")

	cmd.AddCommand(
		statusCmd(flags),
		journalCmd(flags),
		lockCmd(flags),
		unlockCmd(flags),
		initCmd(flags),
		watchCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("callosumctl %s\n", version)
			},
		},
	)

	return cmd
}
