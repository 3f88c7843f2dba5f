// Command forged runs a Forge daemon: the authoritative issuer peer of
// spec.md §2/§4.2/§4.3, listening for forge/transfer/burn/verify requests
// over a relay and optionally exposing a read-only health endpoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tokenforge/cryptoutil"
	"tokenforge/forge"
	"tokenforge/pkg/config"
	"tokenforge/pkg/utils"
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
	var (
		env        string
		listenAddr string
		healthAddr string
		supply     uint64
	)

	cmd := &cobra.Command{
		Use:   "forged",
		Short: "run a tokenforge Forge daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(env, listenAddr, healthAddr, supply)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config environment overlay (TOKENFORGE_ENV-style merge)")
	cmd.Flags().StringVar(&listenAddr, "listen", utils.EnvOrDefault("FORGED_LISTEN_ADDR", "/ip4/0.0.0.0/tcp/0"), "libp2p listen multiaddr")
	cmd.Flags().StringVar(&healthAddr, "health-addr", utils.EnvOrDefault("FORGED_HEALTH_ADDR", ":8090"), "address for the read-only /healthz endpoint, empty to disable")
	cmd.Flags().Uint64Var(&supply, "total-supply", utils.EnvOrDefaultUint64("FORGED_TOTAL_SUPPLY", 0), "total supply cap, 0 = uncapped")
	return cmd
}

func run(env, listenAddr, healthAddr string, supply uint64) error {
	logger := newLogger()

	if _, err := config.Load(env); err != nil {
		logger.WithError(err).Warn("no config file found, continuing with flags/env only")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	identity, err := loadOrGenerateIdentity(utils.EnvOrDefault("FORGED_KEY_HEX", ""))
	if err != nil {
		return fmt.Errorf("load forge identity: %w", err)
	}
	logger.WithField("pubkey", identity.PubKey().Hex()).Info("forge identity loaded")

	relay, err := transport.NewLibP2PRelay(ctx, listenAddr, logger)
	if err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	defer relay.Close()

	// state.NewMemStorage is used here because a durable Storage backend
	// (disk, remote KV) is an out-of-scope external collaborator per
	// spec.md §1 — operators wire in their own Storage implementation by
	// constructing forge.NewForge directly rather than through this daemon.
	f, err := forge.NewForge(identity, relay, state.NewMemStorage(), supply, logger)
	if err != nil {
		return fmt.Errorf("construct forge: %w", err)
	}
	if err := f.Listen(ctx); err != nil {
		return fmt.Errorf("forge listen: %w", err)
	}
	if err := f.AuthorizeForger(identity.PubKey().Hex()); err != nil {
		logger.WithError(err).Warn("authorize owner as forger")
	}

	var healthServer *http.Server
	if healthAddr != "" {
		healthServer = startHealthServer(healthAddr, f, logger)
		defer healthServer.Close()
	}

	logger.WithFields(logrus.Fields{
		"listen": listenAddr,
		"health": healthAddr,
	}).Info("forged running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("forged shutting down")
	return nil
}

// loadOrGenerateIdentity parses keyHex if non-empty, or generates a fresh
// ephemeral identity — matching spec.md §6's "forge-keys-<pubkey>" storage
// key conceptually, though persisting the generated key across restarts is
// left to the operator's chosen Storage/secret-management layer.
func loadOrGenerateIdentity(keyHex string) (*cryptoutil.PrivateKey, error) {
	if keyHex != "" {
		return cryptoutil.PrivateKeyFromHex(keyHex)
	}
	return cryptoutil.GeneratePrivateKey()
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(utils.EnvOrDefault("FORGED_LOG_LEVEL", "info")); err == nil {
		logger.SetLevel(lvl)
	}
	return logger
}

// startHealthServer exposes a read-only /healthz endpoint reporting supply
// figures, per SPEC_FULL.md's supplemented ambient stack — mirroring the
// teacher's walletserver router/middleware split, backed here by chi
// instead of gorilla/mux.
func startHealthServer(addr string, f *forge.Forge, logger *logrus.Logger) *http.Server {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		circulating, total := f.SupplyStats()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"owner":             f.Owner(),
			"circulatingSupply": circulating,
			"totalSupply":       total,
			"relays":            f.Relays(),
		})
	})
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server stopped")
		}
	}()
	return srv
}
