package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tradectl/config"
	"tradectl/server"
	"tradectl/store"
)

const shutdownTimeout = 5 * time.Second

func main() {
	var (
		configPath string
		envFile    string
		listenAddr string
		path       string
		driver     string
	)

	rootCmd := &cobra.Command{
		Use:           "relayd",
		Short:         "Relay trading commands from websocket clients to the key-value store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Relay.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("path") {
				cfg.Relay.Path = path
			}
			if cmd.Flags().Changed("store") {
				cfg.Relay.Store.Driver = driver
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runRelay(cfg.Relay)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "YAML config file")
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (default :6381, env RELAY_LISTEN_ADDR)")
	rootCmd.Flags().StringVar(&path, "path", "", "websocket path (default /redis, env RELAY_PATH)")
	rootCmd.Flags().StringVar(&driver, "store", "", "store driver: redis, sqlite or memory (env STORE_DRIVER)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runRelay(cfg config.RelayConfig) error {
	st, err := store.Open(cfg.Store.Options())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := st.Ping(ctx); err != nil {
		log.Printf("[relayd] store %s not reachable yet: %v", cfg.Store.Driver, err)
	}
	cancel()

	logger := log.New(os.Stderr, "", log.LstdFlags)
	relay := server.New(st, server.Options{
		Path:         cfg.Path,
		AuthToken:    cfg.Token,
		StoreTimeout: cfg.StoreTimeout.Std(),
		Logger:       logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           relay.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	log.Printf("[relayd] listening on %s%s (store %s)", cfg.ListenAddr, cfg.Path, cfg.Store.Driver)

	var runErr error
	select {
	case sig := <-sigChan:
		log.Printf("[relayd] received signal %s, shutting down...", sig)
	case runErr = <-errChan:
		log.Printf("[relayd] server error: %v", runErr)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	// Hijacked websocket connections are not tracked by Shutdown; relay.Close
	// closes them along with the store.
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[relayd] http shutdown: %v", err)
	}
	if err := relay.Close(); err != nil {
		log.Printf("[relayd] closing relay: %v", err)
	}
	log.Println("[relayd] stopped")
	return runErr
}
