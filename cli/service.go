package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/usagepulse/usagepulse/cli/internal/collector"
	"github.com/usagepulse/usagepulse/cli/internal/config"
	"github.com/usagepulse/usagepulse/cli/internal/scanner"
	"github.com/usagepulse/usagepulse/internal/model"
)

// collectService runs the collector on an interval and additionally soon
// after log files change, so fresh usage reaches the server without waiting
// a full period.
type collectService struct {
	interval time.Duration
	log      *slog.Logger
	cancel   context.CancelFunc
}

func (s *collectService) Start(svc service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
	return nil
}

func (s *collectService) Stop(svc service.Service) error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *collectService) run(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil || cfg.Validate() != nil {
		s.log.Error("not configured; run 'usagepulse config' first")
		return
	}

	// Debounced trigger channel: ticker and file watcher both feed it.
	trigger := make(chan struct{}, 1)
	kick := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	watcher := s.watchRoots(cfg, kick)
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	kick() // collect immediately on start
	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			kick()
		case <-trigger:
			// Short settle delay so a burst of log writes becomes one run.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(10*time.Second, func() {
				s.collectOnce(ctx, cfg)
			})
		}
	}
}

func (s *collectService) collectOnce(ctx context.Context, cfg *config.Config) {
	report, err := collector.New(cfg, s.log).Run(ctx, collector.Options{
		Granularity: model.GranularityAll,
	})
	if err != nil {
		s.log.Error("collection run failed", "error", err)
		return
	}
	for uploadType, count := range report.Counts {
		if count.Uploaded > 0 || count.Failed > 0 {
			s.log.Info("collection run finished", "type", uploadType,
				"uploaded", count.Uploaded, "skipped", count.Skipped, "failed", count.Failed)
		}
	}
}

// watchRoots sets up fsnotify on the configured log roots. Watch failures
// are non-fatal; the interval ticker still drives collection.
func (s *collectService) watchRoots(cfg *config.Config, kick func()) *fsnotify.Watcher {
	roots := cfg.LogRoots
	if len(roots) == 0 {
		roots = scanner.DefaultRoots()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("file watching unavailable", "error", err)
		return nil
	}

	watched := 0
	for _, root := range roots {
		if err := watcher.Add(root); err != nil {
			s.log.Debug("cannot watch log root", "path", root, "error", err)
			continue
		}
		watched++
	}
	if watched == 0 {
		watcher.Close()
		return nil
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					kick()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Debug("watch error", "error", err)
			}
		}
	}()
	return watcher
}

func newServiceCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:       "service [install|start|stop|uninstall|status|run]",
		Short:     "Manage the background collection service",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"install", "start", "stop", "uninstall", "status", "run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "run"
			if len(args) > 0 {
				action = args[0]
			}

			svcConfig := &service.Config{
				Name:        "usagepulse-collect",
				DisplayName: "usagepulse collection service",
				Description: "Collects AI-assistant usage aggregates and uploads them",
				Arguments:   []string{"service", "run", fmt.Sprintf("--interval=%s", interval)},
			}

			impl := &collectService{interval: interval, log: newLogger()}
			svc, err := service.New(impl, svcConfig)
			if err != nil {
				return fmt.Errorf("create service: %w", err)
			}

			switch action {
			case "install":
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("%w (run 'usagepulse config' first)", err)
				}
				if err := svc.Install(); err != nil {
					return fmt.Errorf("install service: %w", err)
				}
				if err := svc.Start(); err != nil {
					return fmt.Errorf("service installed but failed to start: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Service installed and started (interval %s).\n", interval)

			case "start":
				if err := svc.Start(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Service started.")

			case "stop":
				if err := svc.Stop(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Service stopped.")

			case "uninstall":
				svc.Stop() // ignore error, may not be running
				if err := svc.Uninstall(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Service uninstalled.")

			case "status":
				status, err := svc.Status()
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Service status: not installed or error (%v)\n", err)
					return nil
				}
				switch status {
				case service.StatusRunning:
					fmt.Fprintln(cmd.OutOrStdout(), "Service status: running")
				case service.StatusStopped:
					fmt.Fprintln(cmd.OutOrStdout(), "Service status: stopped")
				default:
					fmt.Fprintln(cmd.OutOrStdout(), "Service status: unknown")
				}

			case "run":
				if err := svc.Run(); err != nil {
					return err
				}

			default:
				return fmt.Errorf("unknown service action %q", action)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", time.Hour, "collection interval for service mode")
	return cmd
}
