package cli

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/agentrelay/internal/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service status",
	Long:  `Show whether agentrelay is running and, when it is, its health report.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pidFile := daemon.PIDFile(cfg.DataDir)
	if !daemon.IsRunning(pidFile) {
		printf(out, "Status: stopped\n")
		return nil
	}

	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return err
	}
	printf(out, "Status: running\n")
	printf(out, "PID: %d\n", pid)

	report, err := probeHealth(cfg.Server.Host, cfg.Server.Port)
	if err != nil {
		if info, statErr := os.Stat(pidFile); statErr == nil {
			printf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
		}
		printf(out, "Health: unreachable (%v)\n", err)
		return nil
	}

	printf(out, "Uptime: %s\n", formatDuration(time.Duration(report.Uptime*float64(time.Second))))
	printf(out, "Health: %s\n", report.Status)
	if len(report.Providers) > 0 {
		printf(out, "Providers: %s\n", strings.Join(report.Providers, ", "))
	}
	return nil
}

// healthReport is the subset of GET /health that status prints
type healthReport struct {
	Status    string   `json:"status"`
	Uptime    float64  `json:"uptime"`
	Providers []string `json:"providers"`
}

func probeHealth(host string, port int) (*healthReport, error) {
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/health", net.JoinHostPort(host, strconv.Itoa(port))))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health returned %s", resp.Status)
	}
	var report healthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("unreadable health report: %w", err)
	}
	return &report, nil
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
