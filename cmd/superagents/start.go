package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/superagents/internal/audit"
	"github.com/ShayCichocki/superagents/internal/config"
	"github.com/ShayCichocki/superagents/internal/cortex"
	"github.com/ShayCichocki/superagents/internal/memory"
	"github.com/ShayCichocki/superagents/internal/messaging"
	"github.com/ShayCichocki/superagents/internal/runtime"
	"github.com/ShayCichocki/superagents/internal/server"
	"github.com/ShayCichocki/superagents/internal/session"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the supervisor with an interactive main session",
	Long: `Start the session registry, the Cortex supervisor and the health endpoint.

A main session is created and kept alive by the console loop. Lines typed
on stdin are handled by the main session (type "help"). Results from
branch sessions are printed as they arrive.

The config file is watched; supervisor and retry settings are applied at
the next tick after it changes. SIGINT or SIGTERM shuts down cleanly.`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auditLog, err := audit.OpenSQLite(cfg.Audit.Path)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	store, err := memory.Open(cfg.Memory.Path, memory.WithEvents(auditLog), memory.WithLogger(logger))
	if err != nil {
		return err
	}
	defer store.Close()

	reg := session.New(auditLog, session.WithLogger(logger), session.WithContext(ctx))

	console := messaging.NewConsole(os.Stdout, os.Stdin)
	sh := &shell{surface: console, logger: logger}
	rt, err := runtime.New(runtime.Options{
		Registry:  reg,
		Memory:    store,
		Surface:   console,
		OnInbound: sh.handle,
		Config:    cfg.RuntimeConfig(),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	sh.rt = rt

	sup, err := cortex.New(cortex.Options{
		Registry:   reg,
		Audit:      auditLog,
		Settings:   cfg.CortexSettings(),
		Logger:     logger,
		Exporter:   store,
		Dispatcher: rt,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	// The supervisor outlives the workers so their final transitions are
	// audited before it flushes and exits.
	supCtx, stopSup := context.WithCancel(context.WithoutCancel(gctx))
	defer stopSup()
	g.Go(func() error { return sup.Run(supCtx) })

	mainID := rt.StartMain(gctx)
	g.Go(func() error {
		<-gctx.Done()
		rt.Wait()
		if err := reg.Complete(mainID, "shutdown"); err != nil && !session.IsBenign(err) {
			logger.Warn("complete main session", "error", err)
		}
		stopSup()
		return nil
	})

	g.Go(func() error {
		return server.Serve(gctx, cfg.Health.Addr, server.NewRouter(sup, reg, auditLog, logger), logger, nil)
	})

	if path := watchPath(); path != "" {
		g.Go(func() error {
			return config.Watch(gctx, path, logger, func(next *config.Config) {
				if err := sup.Reconfigure(next.CortexSettings()); err != nil {
					logger.Warn("reconfigure supervisor", "error", err)
				}
			})
		})
	}

	printStatus("✓", fmt.Sprintf("Main session %s started", mainID), color.FgGreen)
	printStatus("✓", "Health endpoint on "+cfg.Health.Addr, color.FgGreen)
	fmt.Println(`Type "help" for commands. Ctrl+C to stop.`)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	printStatus("✓", "Supervisor stopped", color.FgGreen)
	return nil
}

// watchPath is the config file to watch, if one exists.
func watchPath() string {
	if configPath != "" {
		return configPath
	}
	if _, err := os.Stat(config.UserConfigPath()); err == nil {
		return config.UserConfigPath()
	}
	return ""
}
