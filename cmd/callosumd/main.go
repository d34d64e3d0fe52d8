// Command callosumd runs Callosum in server mode: one coordination
// process, shared over HTTP by several plugin-mode instances that would
// otherwise each need their own store, per spec.md §6's "remote" mode.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gocallosum/callosum/pkg/classifier"
	"github.com/gocallosum/callosum/pkg/config"
	"github.com/gocallosum/callosum/pkg/gate"
	"github.com/gocallosum/callosum/pkg/janitor"
	"github.com/gocallosum/callosum/pkg/metrics"
	"github.com/gocallosum/callosum/pkg/store"
	storefile "github.com/gocallosum/callosum/pkg/store/file"
	"github.com/gocallosum/callosum/pkg/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "0.1.0"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			fmt.Fprintf(os.Stderr, "callosumd: panic: %v\n%s\n", r, buf[:n])
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "callosumd: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath, addr, logLevel string

	cmd := &cobra.Command{
		Use:           "callosumd",
		Short:         "Callosum coordination server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, addr, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to callosum.yaml")
	cmd.Flags().StringVar(&addr, "addr", ":8089", "HTTP listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("callosumd %s\n", version)
		},
	})

	return cmd
}

func run(configPath, addr, logLevel string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(logLevel)}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath, config.Overrides{})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var st store.Interface
	switch cfg.Backend {
	case "file":
		st, err = storefile.New(cfg.StateDir)
	default:
		st, err = store.New(cfg.StateDir + "/callosum.db")
	}
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}
	defer st.Close()

	rules, err := config.LoadRules(cfg.RulesPath)
	if err != nil {
		return fmt.Errorf("%w: load rules: %v", gate.ErrConfig, err)
	}
	cl, err := classifier.New(rules)
	if err != nil {
		return fmt.Errorf("%w: compile rules: %v", gate.ErrConfig, err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	gcfg := gate.DefaultConfig()
	gcfg.LockTTL = cfg.LockExpiry()
	gcfg.ContextWindow = cfg.ContextWindow()
	gcfg.DefaultDupWindow = cfg.RecentWindow()
	g := gate.New(cfg.InstanceID, st, cl, gcfg, m, logger)

	watcher, err := config.NewRuleWatcher(cfg.RulesPath, logger, g.SetClassifier)
	if err != nil {
		logger.Warn("rule hot-reload disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	jcfg := janitor.DefaultConfig()
	j := janitor.New(st, jcfg, m, logger)
	if err := j.Start(); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	defer j.Stop()

	srv := transport.NewServer(g, st)
	mux := http.NewServeMux()
	srv.RegisterHTTPHandlers("/rpc", mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{Addr: addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("callosumd listening", "addr", addr, "instance", cfg.InstanceID, "backend", cfg.Backend)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
