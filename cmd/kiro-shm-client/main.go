// Command kiro-shm-client connects to a kiro-shm-server, mirrors its
// published region, and periodically reports a checksum of the mirror plus
// a round-trip ping time.
package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/saisasidhar/kiro/config"
	"github.com/saisasidhar/kiro/internal/logging"
	"github.com/saisasidhar/kiro/internal/rdmacore"
	"github.com/saisasidhar/kiro/shm/client"
)

var (
	cfgFile string
	period  time.Duration
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kiro-shm-client",
		Short: "Mirror a kiro-shm-server's published region",
		RunE:  run,
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	cmd.Flags().DurationVar(&period, "period", time.Second, "interval between Sync/Ping rounds")
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

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	c, err := client.Connect(ctx, provider, cfg.Address, cfg.Port, client.WithLogger(log))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	log.Infow("connected", "address", cfg.Address, "port", cfg.Port)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer stopCancel()
			if err := c.Disconnect(stopCtx); err != nil {
				return fmt.Errorf("disconnect: %w", err)
			}
			log.Info("disconnected")
			return nil

		case <-ticker.C:
			if err := c.Sync(ctx); err != nil {
				log.Errorw("sync failed", "error", err)
				continue
			}
			h := fnv.New32a()
			h.Write(c.GetMemory())
			rtt, err := c.Ping(ctx, cfg.PingTimeout)
			if err != nil {
				log.Errorw("ping failed", "error", err)
				continue
			}
			log.Infow("sync round", "size", c.GetMemorySize(), "checksum", h.Sum32(), "ping_us", rtt)
		}
	}
}
