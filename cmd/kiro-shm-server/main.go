// Command kiro-shm-server publishes a block of memory over the
// Shared-Memory Channel and lets any number of clients mirror it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/saisasidhar/kiro/config"
	"github.com/saisasidhar/kiro/internal/logging"
	"github.com/saisasidhar/kiro/internal/rdmacore"
	"github.com/saisasidhar/kiro/shm/server"
)

var (
	cfgFile string
	fillVal uint8
	size    int
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kiro-shm-server",
		Short: "Publish a memory region over KIRO's Shared-Memory Channel",
		RunE:  run,
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	cmd.Flags().IntVar(&size, "size", 4096, "bytes to publish")
	cmd.Flags().Uint8Var(&fillVal, "fill", 0xAB, "byte value to fill the published region with")
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	v := viper.New()
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	provider, err := rdmacore.NewDefaultProvider()
	if err != nil {
		return err
	}

	memory := make([]byte, size)
	for i := range memory {
		memory[i] = fillVal
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	srv, err := server.Start(ctx, provider, cfg.Address, cfg.Port, memory, server.WithLogger(log))
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	log.Infow("shared-memory server listening", "address", cfg.Address, "port", cfg.Port, "size", size)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Errorw("server run loop failed", "error", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	log.Info("shared-memory server stopped")
	return nil
}
