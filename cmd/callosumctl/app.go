// Package main implements callosumctl, the operator CLI for a Callosum
// coordination store: inspecting the journal, granting and releasing
// locks by hand, and watching activity as it happens.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gocallosum/callosum/pkg/config"
	"github.com/gocallosum/callosum/pkg/store"
	storefile "github.com/gocallosum/callosum/pkg/store/file"
)

// app holds the resolved configuration and open store shared by every
// subcommand.
type app struct {
	cfg   config.Config
	store store.Interface
}

// newApp resolves configuration from configPath and opens the backend it
// names ("sqlite" or "file"), creating the state directory on first run.
func newApp(configPath string, ov config.Overrides) (*app, error) {
	cfg, err := config.Load(configPath, ov)
	if err != nil {
		return nil, err
	}

	var st store.Interface
	switch cfg.Backend {
	case "file":
		st, err = storefile.New(cfg.StateDir)
	default:
		st, err = store.New(cfg.StateDir + "/callosum.db")
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}

	return &app{cfg: cfg, store: st}, nil
}

func (a *app) Close() error { return a.store.Close() }

// printJSON writes v to stdout as indented JSON, matching the CLI
// texture of the reference implementation this tool is styled on.
func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "callosumctl: "+format+"\n", args...)
	os.Exit(1)
}
