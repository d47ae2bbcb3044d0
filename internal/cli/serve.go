package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/tripmate/pkg/backup"
	"github.com/harun/tripmate/pkg/policy"
	"github.com/harun/tripmate/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve turns over HTTP and websocket",
	Long: `Start the HTTP and websocket server. The policy directory is synced on
start and, when policy.watch is enabled, again whenever it changes. Scheduled
backups run when backup.enabled is set.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{console: true, assistant: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := a.cfg
	loader := policy.NewLoader()
	policyLog := a.log.Component("policy")

	if _, err := policy.IngestDir(ctx, a.policy, loader, cfg.Policy.Dir, policyLog); err != nil {
		a.log.Warn().Err(err).Str("dir", cfg.Policy.Dir).Msg("Initial policy sync failed")
	}

	if cfg.Policy.Watch {
		if err := os.MkdirAll(cfg.Policy.Dir, 0755); err != nil {
			return fmt.Errorf("failed to create policy directory: %w", err)
		}
		watcher, err := policy.NewWatcher(loader, time.Duration(cfg.Policy.WatchDebounce)*time.Millisecond, policyLog, func() {
			if _, err := policy.IngestDir(ctx, a.policy, loader, cfg.Policy.Dir, policyLog); err != nil {
				policyLog.Error().Err(err).Msg("Policy resync failed")
			}
		})
		if err != nil {
			return fmt.Errorf("failed to create policy watcher: %w", err)
		}
		defer watcher.Stop()
		if err := watcher.Watch(cfg.Policy.Dir); err != nil {
			return fmt.Errorf("failed to watch policy directory: %w", err)
		}
	}

	if cfg.Backup.Enabled {
		backups, err := backup.New(backup.Config{
			Dir:      cfg.Backup.Dir,
			Schedule: cfg.Backup.Schedule,
			Memory:   a.memory,
			Policy:   a.policy,
			Logger:   a.log.Component("backup"),
		})
		if err != nil {
			return err
		}
		backups.Start()
		defer backups.Stop()
	}

	srv, err := server.New(server.Options{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		RateLimit:       cfg.Server.RateLimit,
		RateWindow:      time.Duration(cfg.Server.RateWindowSeconds) * time.Second,
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second,
	}, a.assistant, a.memory, a.log.Component("server"))
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Tripmate listening on %s:%d\n", cfg.Server.Host, cfg.Server.Port)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds+5)*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
