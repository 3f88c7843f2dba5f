// Command pocketd runs a Pocket daemon: the holder peer of spec.md
// §2/§3.3/§4.5, listening for pushed tokens and spent-notifications. Its one
// subcommand, serve, also performs a one-shot send when --send-to is set.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tokenforge/cryptoutil"
	"tokenforge/pkg/config"
	"tokenforge/pkg/utils"
	"tokenforge/pocket"
	"tokenforge/state"
	"tokenforge/transport"
)

func main() {
	cmd := rootCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "pocketd", Short: "run a tokenforge Pocket daemon"}
	cmd.AddCommand(serveCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		env        string
		listenAddr string
		mnemonic   string
		issuerHex  string
		sendTo     string
		sendAmount uint64
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "listen for pushed tokens and spent-notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(env, listenAddr, mnemonic, issuerHex, sendTo, sendAmount)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config environment overlay (TOKENFORGE_ENV-style merge)")
	cmd.Flags().StringVar(&listenAddr, "listen", utils.EnvOrDefault("POCKETD_LISTEN_ADDR", "/ip4/0.0.0.0/tcp/0"), "libp2p listen multiaddr")
	cmd.Flags().StringVar(&mnemonic, "mnemonic", utils.EnvOrDefault("POCKETD_MNEMONIC", ""), "BIP-39 mnemonic to restore; empty generates a fresh one on first run")
	cmd.Flags().StringVar(&issuerHex, "issuer", utils.EnvOrDefault("POCKETD_ISSUER_HEX", ""), "forge issuer public key hex; required to send")
	cmd.Flags().StringVar(&sendTo, "send-to", "", "if set, send once to this recipient public key hex and exit")
	cmd.Flags().Uint64Var(&sendAmount, "send-amount", 0, "FUNGIBLE amount for --send-to")
	return cmd
}

func serve(env, listenAddr, mnemonic, issuerHex, sendTo string, sendAmount uint64) error {
	logger := newLogger()

	if _, err := config.Load(env); err != nil {
		logger.WithError(err).Warn("no config file found, continuing with flags/env only")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	identity, err := loadOrGenerateIdentity(utils.EnvOrDefault("POCKETD_KEY_HEX", ""))
	if err != nil {
		return fmt.Errorf("load pocket identity: %w", err)
	}
	logger.WithField("pubkey", identity.PubKey().Hex()).Info("pocket identity loaded")

	relay, err := transport.NewLibP2PRelay(ctx, listenAddr, logger)
	if err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	defer relay.Close()

	// state.NewMemStorage is used here for the same reason cmd/forged uses
	// it: a durable Storage backend is an out-of-scope external
	// collaborator per spec.md §1.
	pk, err := pocket.NewPocket(identity, relay, state.NewMemStorage(), mnemonic, logger)
	if err != nil {
		return fmt.Errorf("construct pocket: %w", err)
	}
	if err := pk.Listen(ctx); err != nil {
		return fmt.Errorf("pocket listen: %w", err)
	}

	addr, err := pk.ReceiveAddress(ctx)
	if err != nil {
		return fmt.Errorf("derive receive address: %w", err)
	}
	logger.WithField("receiveAddress", addr).Info("pocket ready to receive")

	if sendTo != "" {
		if issuerHex == "" {
			return fmt.Errorf("--send-to requires --issuer")
		}
		issuerPub, err := cryptoutil.PublicKeyFromHex(issuerHex)
		if err != nil {
			return fmt.Errorf("parse issuer public key: %w", err)
		}
		if err := pk.SendFungible(ctx, issuerPub, sendTo, sendAmount); err != nil {
			return fmt.Errorf("send fungible: %w", err)
		}
		logger.WithFields(logrus.Fields{"to": sendTo, "amount": sendAmount}).Info("sent")
		return nil
	}

	logger.Info("pocketd running")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("pocketd shutting down")
	return nil
}

func loadOrGenerateIdentity(keyHex string) (*cryptoutil.PrivateKey, error) {
	if keyHex != "" {
		return cryptoutil.PrivateKeyFromHex(keyHex)
	}
	return cryptoutil.GeneratePrivateKey()
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(utils.EnvOrDefault("POCKETD_LOG_LEVEL", "info")); err == nil {
		logger.SetLevel(lvl)
	}
	return logger
}
