// Command opencode-bridge runs the bridge between a chat front-end and
// a local opencode server, and doubles as a manager CLI for the backend
// process itself.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	bridge "github.com/wagiedev/opencode-bridge"
	"github.com/wagiedev/opencode-bridge/internal/httpapi"
)

// cleanupInterval is how often idle session records are swept while
// serving.
const cleanupInterval = time.Minute

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:           "opencode-bridge",
		Short:         "Bridge between a chat front-end and a local opencode server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		serveCmd(),
		statusCmd(),
		startCmd(),
		stopCmd(),
		restartCmd(),
		monitorCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newBridge loads configuration and builds the bridge. Manager commands
// pass strict to make backend failures hard errors regardless of config.
func newBridge(strict bool) (*bridge.Bridge, error) {
	cfg, err := bridge.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	if strict {
		cfg.Backend.Strict = true
	}

	return bridge.New(
		bridge.WithLogger(newLogger()),
		bridge.WithConfig(cfg),
	)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBridge(false)
			if err != nil {
				return err
			}
			defer b.Close()

			ctx, cancel := signalContext()
			defer cancel()

			cfg := b.Config()

			if cfg.Backend.AutoStart {
				if _, err := b.StartBackend(ctx); err != nil {
					return fmt.Errorf("start backend: %w", err)
				}
			}

			api := httpapi.New(newLogger(), b)
			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return api.Run(ctx, addr)
			})

			g.Go(func() error {
				ticker := time.NewTicker(cleanupInterval)
				defer ticker.Stop()

				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						b.CleanupSessions()
					}
				}
			})

			return g.Wait()
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backend server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBridge(false)
			if err != nil {
				return err
			}
			defer b.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			status := b.Health(ctx)
			cfg := b.Config()

			fmt.Printf("Backend:  %s:%d\n", cfg.Backend.Host, cfg.Backend.Port)
			fmt.Printf("Running:  %v\n", b.BackendRunning())
			fmt.Printf("State:    %s\n", status.BackendState)
			fmt.Printf("Healthy:  %v\n", status.BackendConnected)

			return nil
		},
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the backend server",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBridge(true)
			if err != nil {
				return err
			}
			defer b.Close()

			ctx, cancel := signalContext()
			defer cancel()

			ok, err := b.StartBackend(ctx)
			if err != nil {
				return err
			}

			if !ok {
				return fmt.Errorf("backend did not start")
			}

			fmt.Println("Backend server is up")

			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the backend server",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBridge(true)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.StopBackend(force); err != nil {
				return err
			}

			fmt.Println("Backend server stopped")

			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "kill immediately instead of graceful shutdown")

	return cmd
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the backend server",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBridge(true)
			if err != nil {
				return err
			}
			defer b.Close()

			ctx, cancel := signalContext()
			defer cancel()

			ok, err := b.RestartBackend(ctx)
			if err != nil {
				return err
			}

			if !ok {
				return fmt.Errorf("backend did not restart")
			}

			fmt.Println("Backend server restarted")

			return nil
		},
	}
}

func monitorCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch the backend and restart it when unhealthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBridge(true)
			if err != nil {
				return err
			}
			defer b.Close()

			ctx, cancel := signalContext()
			defer cancel()

			fmt.Printf("Monitoring backend every %s, ctrl-c to stop\n", interval)

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					fmt.Println("Monitor stopped")

					return nil

				case <-ticker.C:
					if b.Health(ctx).BackendConnected {
						continue
					}

					fmt.Println("Backend is unhealthy, restarting...")

					if ok, err := b.RestartBackend(ctx); err != nil || !ok {
						fmt.Println("Failed to restart backend:", err)
					} else {
						fmt.Println("Backend restarted")
					}
				}
			}
		},
	}

	cmd.Flags().DurationVarP(&interval, "interval", "i", 5*time.Second, "health check interval")

	return cmd
}
