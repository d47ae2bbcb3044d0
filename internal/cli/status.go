package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/tripmate/internal/config"
	"github.com/harun/tripmate/pkg/backup"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, index and backup status",
	Long: `Show whether the server answers its health check, what the policy index
holds and when the last backup was written.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	cfg := a.cfg

	fmt.Fprintf(out, "Config: %s\n", config.NewLoader(cfgFile).GetConfigPath())
	fmt.Fprintf(out, "Data: %s\n", cfg.DataDir)

	if profile, err := cfg.ActiveProfile(); err == nil {
		fmt.Fprintf(out, "AI profile: %s (%s)\n", profile.ID, profile.Provider)
	} else {
		fmt.Fprintln(out, "AI profile: none configured")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
	defer cancel()
	if uptime, err := serverUptime(ctx, cfg.Server); err == nil {
		fmt.Fprintf(out, "Server: running (uptime %s)\n", formatDuration(uptime))
	} else {
		fmt.Fprintln(out, "Server: stopped")
	}

	stats, err := a.policy.Stats(cmd.Context())
	if err != nil {
		fmt.Fprintf(out, "Policy: unavailable (%v)\n", err)
	} else {
		fmt.Fprintf(out, "Policy: %s backend, %d source(s), %d chunk(s)\n", stats.Backend, stats.Sources, stats.Chunks)
	}

	if name, at, ok := backup.Latest(cfg.Backup.Dir); ok {
		fmt.Fprintf(out, "Last backup: %s (%s ago)\n", name, formatDuration(time.Since(at)))
	} else {
		fmt.Fprintln(out, "Last backup: none")
	}

	return nil
}

// serverUptime asks a running server for its health.
func serverUptime(ctx context.Context, cfg config.ServerConfig) (time.Duration, error) {
	host := cfg.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	url := "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port)) + "/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("health check returned %d", resp.StatusCode)
	}

	var body struct {
		Uptime float64 `json:"uptime"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
		return 0, err
	}
	return time.Duration(body.Uptime * float64(time.Second)), nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
