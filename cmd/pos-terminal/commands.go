package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AnuragDani/pos-terminal/internal/config"
	"github.com/AnuragDani/pos-terminal/internal/logger"
	"github.com/AnuragDani/pos-terminal/internal/reconcile"
	ws "github.com/AnuragDani/pos-terminal/internal/websocket"
)

var rootCmd = &cobra.Command{
	Use:   "pos-terminal",
	Short: "Point-of-sale payment dispatch and offline sync",
	Long: `pos-terminal runs the payment side of a till: it charges through a
prioritized chain of gateways, keeps sales on the device while the back
office is unreachable, and drains them into the order ledger once the
connection returns.

Configuration comes from the environment and an optional .env file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the terminal API, cashier event feed and background sync",
	RunE:  runServe,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the offline queue into the order ledger once",
	RunE:  runSync,
}

var gatewaysCmd = &cobra.Command{
	Use:   "gateways",
	Short: "Inspect configured payment gateways",
}

var gatewaysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List gateways in priority order",
	RunE:  runGatewaysList,
}

var gatewaysTestCmd = &cobra.Command{
	Use:   "test <gateway-id>",
	Short: "Probe one gateway",
	Args:  cobra.ExactArgs(1),
	RunE:  runGatewaysTest,
}

// Execute runs the root command
func Execute() error {
	gatewaysCmd.AddCommand(gatewaysListCmd)
	gatewaysCmd.AddCommand(gatewaysTestCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(gatewaysCmd)

	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	log := logger.New("pos-terminal")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := ws.NewHub(logger.New("ws-hub").Std())
	go hub.Run(ctx)
	log.Info("WebSocket hub started")

	terminal, err := newTerminal(ctx, cfg, hub)
	if err != nil {
		return fmt.Errorf("failed to start terminal: %w", err)
	}
	defer terminal.Close()

	if err := terminal.runner.Start(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      terminal.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 3 * time.Minute,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Terminal listening", "port", cfg.Port, "terminal", cfg.TerminalID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-serverErr:
		terminal.runner.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info("Shutting down terminal...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	terminal.runner.Stop()
	cancel()

	log.Info("Terminal exiting")
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	terminal, err := newTerminal(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer terminal.Close()

	pending := terminal.store.PendingCount(ctx)
	fmt.Printf("Pending transactions: %d\n", pending)

	result, err := terminal.syncNow(ctx)
	if errors.Is(err, reconcile.ErrOffline) {
		return fmt.Errorf("order ledger is unreachable, %d transactions remain queued", pending)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Synced: %d, failed: %d\n", result.Success, result.Failed)
	if result.Failed > 0 {
		return fmt.Errorf("%d transactions could not be synced", result.Failed)
	}
	return nil
}

func runGatewaysList(cmd *cobra.Command, args []string) error {
	d, err := newDispatcher(config.Load(), nil)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PRIORITY\tID\tNAME\tTIER\tSTATUS\tRETRIES\tTIMEOUT\tADAPTER")
	for _, gw := range d.GetGatewayStatuses() {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			gw.Priority, gw.ID, gw.Name, gw.Tier, gw.Status, gw.MaxRetries, gw.Timeout, gw.Adapter)
	}
	return w.Flush()
}

func runGatewaysTest(cmd *cobra.Command, args []string) error {
	d, err := newDispatcher(config.Load(), nil)
	if err != nil {
		return err
	}

	result, err := d.TestGateway(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if !result.Success {
		return fmt.Errorf("gateway %s failed after %dms: %s", result.GatewayID, result.ResponseTimeMs, result.Error)
	}
	fmt.Printf("Gateway %s OK (%dms)\n", result.GatewayID, result.ResponseTimeMs)
	return nil
}
