// Command kiro-messenger runs one side of a KIRO Messenger channel,
// submitting a message if --send is given and always printing received
// messages to stdout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/saisasidhar/kiro/config"
	"github.com/saisasidhar/kiro/internal/logging"
	"github.com/saisasidhar/kiro/internal/rdmacore"
	"github.com/saisasidhar/kiro/messenger"
)

var (
	cfgFile  string
	rolePass bool
	sendText string
	sendTag  uint32
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kiro-messenger",
		Short: "Exchange arbitrary-size messages over a KIRO Messenger channel",
		RunE:  run,
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	cmd.Flags().BoolVar(&rolePass, "passive", false, "listen and accept a peer instead of dialing one")
	cmd.Flags().StringVar(&sendText, "send", "", "if set, submit this text as a message after connecting")
	cmd.Flags().Uint32Var(&sendTag, "tag", 0, "user tag to attach to --send")
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

	role := messenger.Active
	if rolePass {
		role = messenger.Passive
	}

	m, err := messenger.Start(ctx, provider, role, cfg.Address, cfg.Port, messenger.WithLogger(log))
	if err != nil {
		return fmt.Errorf("start messenger: %w", err)
	}

	sendDone := make(chan struct{})
	m.AddReceiveCallback(func(msg messenger.Message) bool {
		log.Infow("received message", "tag", msg.Tag, "size", len(msg.Payload))
		fmt.Printf("[tag=%d] %s\n", msg.Tag, string(msg.Payload))
		return false
	})
	m.AddSendCallback(func(msg messenger.Message) {
		log.Infow("send completed", "tag", msg.Tag, "status", msg.Status)
		close(sendDone)
	})

	if sendText != "" {
		if err := m.Submit(messenger.Message{Payload: []byte(sendText), Tag: sendTag}, true); err != nil {
			return fmt.Errorf("submit: %w", err)
		}
		select {
		case <-sendDone:
		case <-ctx.Done():
		}
	} else {
		<-ctx.Done()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer stopCancel()
	if err := m.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop messenger: %w", err)
	}
	log.Info("messenger stopped")
	return nil
}
