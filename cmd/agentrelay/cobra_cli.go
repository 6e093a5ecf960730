// AgentRelay — Session relay control plane for containerized coding agents
// License: MIT
//
// Copyright (c) 2026 AgentRelay contributors

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/freitascorp/agentrelay/pkg/config"
	"github.com/freitascorp/agentrelay/pkg/logger"
	"github.com/freitascorp/agentrelay/pkg/relay"
	"github.com/freitascorp/agentrelay/pkg/server"
	"github.com/freitascorp/agentrelay/pkg/session"
)

// ------------------------------------------------------------------
// Global flags
// ------------------------------------------------------------------

var (
	flagDebug  bool
	flagConfig string
)

// ------------------------------------------------------------------
// Root command
// ------------------------------------------------------------------

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentrelay",
		Short: "AgentRelay — session relay for containerized coding agents",
		Long: `AgentRelay brokers traffic between containerized coding agents and the
browsers watching them.

Each session has exactly one container socket (NDJSON ingest) and any
number of browser sockets (typed event stream with replay). Session
state and conversation history persist to a pluggable store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "Enable debug logging")
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to config file")

	root.AddCommand(
		newServeCmd(),
		newVersionCmd(),
	)
	return root
}

// ------------------------------------------------------------------
// serve
// ------------------------------------------------------------------

func newServeCmd() *cobra.Command {
	var (
		flagAddr    string
		flagBackend string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(flagConfig)
			if err != nil {
				return err
			}
			if flagDebug {
				cfg.LogLevel = "debug"
			}
			if flagBackend != "" {
				cfg.Store.Backend = flagBackend
			}
			if flagAddr != "" {
				host, portStr, err := net.SplitHostPort(flagAddr)
				if err != nil {
					return fmt.Errorf("invalid --addr %q: %w", flagAddr, err)
				}
				port, err := strconv.Atoi(portStr)
				if err != nil {
					return fmt.Errorf("invalid --addr port %q: %w", portStr, err)
				}
				cfg.Server.Host = host
				cfg.Server.Port = port
			}

			log := logger.New(cfg.LogLevel)

			store, err := session.NewStore(session.StoreConfig{
				Backend:     cfg.Store.Backend,
				DataDir:     cfg.Store.DataDir,
				SQLitePath:  cfg.Store.SQLitePath,
				PostgresURL: cfg.Store.PostgresURL,
			}, log)
			if err != nil {
				return err
			}

			rec := session.NewAsyncRecorder(store, log)
			registry := relay.NewRegistry(relay.RegistryConfig{
				BufferSize:     cfg.Relay.BufferSize,
				WriteQueueSize: cfg.Relay.WriteQueueSize,
			}, rec, log)

			srv := server.New(cfg, registry, store, rec, log)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start(ctx)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				return err
			}
			rec.Flush()
			return nil
		},
	}

	cmd.Flags().StringVar(&flagAddr, "addr", "", "Listen address host:port (overrides config)")
	cmd.Flags().StringVar(&flagBackend, "store", "", "Session store backend: memory, sqlite, postgres")
	return cmd
}

// ------------------------------------------------------------------
// version
// ------------------------------------------------------------------

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}
}
