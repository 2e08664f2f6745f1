package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/grovetools/buildwatch/cli"
	"github.com/grovetools/buildwatch/config"
	"github.com/grovetools/buildwatch/pathutil"
	"github.com/grovetools/buildwatch/pkg/notify"
	"github.com/grovetools/buildwatch/pkg/watchman"
)

func newProbeCmd() *cobra.Command {
	var timeoutMillis int
	var fallback bool

	cmd := &cobra.Command{
		Use:   "probe [roots...]",
		Short: "Establish a watchman session for the given project roots",
		Long: `Probe discovers the watchman daemon, negotiates capabilities, registers
the given roots (or the roots from buildwatch.yml), and prints the resulting
session descriptor. When no session can be established the build runs without
file-watch acceleration; --fallback starts a local watcher instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")
			handler := cli.NewErrorHandler(verbose)

			cfg, err := loadConfig(cmd)
			if err != nil {
				return handler.Handle(err)
			}

			roots := args
			if len(roots) == 0 {
				roots = cfg.Roots
			}
			if len(roots) == 0 {
				cwd, err := os.Getwd()
				if err != nil {
					return handler.Handle(err)
				}
				roots = []string{cwd}
			}
			for i, root := range roots {
				resolved, err := pathutil.Canonical(root)
				if err != nil {
					return handler.Handle(err)
				}
				roots[i] = resolved
			}

			timeout := time.Duration(cfg.Watchman.TimeoutMillis) * time.Millisecond
			if cmd.Flags().Changed("timeout-ms") {
				timeout = time.Duration(timeoutMillis) * time.Millisecond
			}

			params := watchman.BuildParams{
				RootPaths: roots,
				Timeout:   timeout,
				Console:   cli.GetLogger(cmd, "watchman"),
			}
			if cfg.Watchman.Executable != "" {
				params.Finder = watchman.FixedFinder(cfg.Watchman.Executable)
			}

			session := watchman.Build(cmd.Context(), params)
			if !session.Available() {
				fmt.Fprintln(os.Stderr, "watchman unavailable; builds will run without file-watch acceleration")
				if fallback {
					return runFallback(cmd, roots, cfg.Ignore)
				}
				return nil
			}

			jsonOutput, _ := cmd.Flags().GetBool("json")
			return printSession(session, jsonOutput)
		},
	}

	cmd.Flags().IntVar(&timeoutMillis, "timeout-ms", 0, "Overall establishment budget in milliseconds (0 = unbounded)")
	cmd.Flags().BoolVar(&fallback, "fallback", false, "Stream events from a local watcher when watchman is unavailable")
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return config.Load(path)
	}
	return config.LoadDefault()
}

func printSession(session *watchman.Watchman, asJSON bool) error {
	if asJSON {
		caps := make([]string, 0)
		for _, c := range session.Capabilities.List() {
			caps = append(caps, c.String())
		}
		return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
			"sockname":     session.SockPath,
			"version":      session.Version,
			"capabilities": caps,
			"clocks":       session.ClockIDs,
		})
	}

	fmt.Printf("endpoint:     %s\n", session.SockPath)
	fmt.Printf("version:      %s\n", session.Version)
	fmt.Printf("capabilities:")
	for _, c := range session.Capabilities.List() {
		fmt.Printf(" %s", c)
	}
	fmt.Println()
	for root, clock := range session.ClockIDs {
		fmt.Printf("clock:        %s = %s\n", root, clock)
	}
	return nil
}

// runFallback streams local watcher events to stdout until interrupted.
func runFallback(cmd *cobra.Command, roots, ignore []string) error {
	watcher, err := notify.NewWatcher(roots, ignore)
	if err != nil {
		return err
	}
	defer watcher.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go watcher.Start(ctx)

	for {
		select {
		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}
			fmt.Printf("%s %s\n", ev.Op, ev.Path)
		case <-ctx.Done():
			return nil
		}
	}
}
