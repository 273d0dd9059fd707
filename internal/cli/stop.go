package cli

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/agentrelay/internal/daemon"
)

// stopGrace is added to the configured shutdown timeout when --timeout is
// not given, covering the PID file removal after the drain.
const stopGrace = 5 * time.Second

var stopTimeout time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running agentrelay service",
	Long: `Stop a running agentrelay service gracefully.
Sends SIGTERM, which lets the service drain queued tasks and wait for
running ones. SIGKILL follows when the timeout expires. The default timeout
is server.shutdown_timeout plus a few seconds.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 0, "how long to wait for the service to exit")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pidFile := daemon.PIDFile(cfg.DataDir)
	if !daemon.IsRunning(pidFile) {
		return fmt.Errorf("agentrelay is not running")
	}
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return err
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	timeout := stopTimeout
	if timeout <= 0 {
		timeout = cfg.Server.ShutdownTimeout + stopGrace
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if waitForExit(ctx, pidFile, 100*time.Millisecond) {
		// A process that died without cleaning up leaves its file behind.
		_ = os.Remove(pidFile)
		printf(out, "agentrelay stopped (pid %d)\n", pid)
		return nil
	}

	printf(out, "Timeout after %s, sending SIGKILL\n", timeout)
	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}
	_ = os.Remove(pidFile)
	printf(out, "agentrelay killed (pid %d)\n", pid)
	return nil
}

// waitForExit polls the PID file until its process is gone or ctx ends
func waitForExit(ctx context.Context, pidFile string, interval time.Duration) bool {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if !daemon.IsRunning(pidFile) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
