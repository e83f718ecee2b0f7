package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/siskinc/scrapyengine"
	"github.com/siskinc/scrapyengine/config"
	"github.com/siskinc/scrapyengine/stages/downloader"
	"github.com/siskinc/scrapyengine/stages/itemprocessor"
	"github.com/siskinc/scrapyengine/stages/spider"
)

// NewRunCmd creates the run command: load an EngineOptions from YAML,
// resolve a registered Spider by identifier, start an Engine against the
// default stage implementations, and keep the process alive until a signal
// asks for shutdown.
//
// There is no separate control channel between this process and the
// running Engine the way an OTP-style CLI would reach a named remote node:
// the Engine lives in this same process, so suspend/continue/terminate are
// driven by OS signals instead of subcommands that would otherwise need
// something to talk to.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an engine from a configuration file and run it until terminated",
		Long: `Run starts an engine pipeline and keeps it running until interrupted.

Signals control the running engine:
  SIGUSR1  toggle suspend/continue
  SIGINT, SIGTERM  with --dump-to, suspend (if not already) and dump the tables; then terminate

Examples:
  scrapyenginectl run -c crawl.yaml --spider 80s-movie`,
		RunE: runRunCmd,
	}

	cmd.Flags().StringP("config", "c", "", "Engine configuration file (YAML)")
	cmd.Flags().StringP("spider", "s", "", "Registered spider identifier to run")
	cmd.Flags().StringP("dump-to", "d", "", "File base to dump tables to on shutdown")

	return cmd
}

func runRunCmd(cmd *cobra.Command, args []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	configPath, _ := cmd.Flags().GetString("config")
	spiderIdentifier, _ := cmd.Flags().GetString("spider")
	dumpTo, _ := cmd.Flags().GetString("dump-to")

	if configPath == "" {
		return fmt.Errorf("--config is required")
	}
	if spiderIdentifier == "" {
		return fmt.Errorf("--spider is required")
	}

	opts, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	spiderValue, err := spider.Resolve(spiderIdentifier)
	if err != nil {
		return err
	}

	factories := engine.Factories{
		Downloader:    downloader.New(),
		Spider:        spider.New(spiderValue),
		ItemProcessor: itemprocessor.New(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.Start(ctx, opts, factories, spiderValue, nil)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	return watchSignals(ctx, eng, dumpTo)
}

func watchSignals(ctx context.Context, eng *engine.Engine, dumpTo string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)

	for {
		select {
		case <-eng.Done():
			return eng.Err()
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				toggleSuspend(ctx, eng)
			default:
				shutdown(ctx, eng, dumpTo)
				<-eng.Done()
				return nil
			}
		}
	}
}

func toggleSuspend(ctx context.Context, eng *engine.Engine) {
	if eng.Status() == engine.StatusSuspend {
		if err := eng.Continue(ctx); err != nil {
			logrus.WithError(err).Error("continue failed")
		}
		return
	}
	if err := eng.Suspend(ctx); err != nil {
		logrus.WithError(err).Error("suspend failed")
	}
}

func shutdown(ctx context.Context, eng *engine.Engine, dumpTo string) {
	if dumpTo != "" {
		if eng.Status() != engine.StatusSuspend {
			if err := eng.Suspend(ctx); err != nil {
				logrus.WithError(err).Error("suspend before dump failed")
			}
		}
		if err := eng.Dump2FileForce(ctx, dumpTo); err != nil {
			logrus.WithError(err).Error("dump failed")
		}
	}
	eng.Terminate(nil)
}
