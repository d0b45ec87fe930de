package cli

import (
	"fmt"
	"os"
	"syscall"

	"prbot/internal/daemon"
	"prbot/internal/db"

	"github.com/spf13/cobra"
)

type statusJobCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
}

type statusOutput struct {
	Running   bool            `json:"running"`
	PID       int             `json:"pid,omitempty"`
	Addr      string          `json:"addr"`
	JobCounts statusJobCounts `json:"job_counts"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and queue depth",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if jsonOut {
			printJSON(map[string]string{"version": version, "commit": commit})
			return
		}
		fmt.Printf("prbot %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, stopCmd, versionCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := statusOutput{Addr: cfg.Server.Addr()}
	if daemon.IsRunning(cfg.PIDFile) {
		out.Running = true
		out.PID, _ = daemon.ReadPID(cfg.PIDFile)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	for status, dst := range map[string]*int{
		db.StatusPending:    &out.JobCounts.Pending,
		db.StatusProcessing: &out.JobCounts.Processing,
		db.StatusDone:       &out.JobCounts.Done,
		db.StatusFailed:     &out.JobCounts.Failed,
	} {
		n, err := store.CountJobs(cmd.Context(), status)
		if err != nil {
			return err
		}
		*dst = n
	}

	if jsonOut {
		printJSON(out)
		return nil
	}
	if out.Running {
		fmt.Printf("Daemon: running (PID %d, %s)\n", out.PID, out.Addr)
	} else {
		fmt.Println("Daemon: stopped")
	}
	c := out.JobCounts
	fmt.Printf("Jobs:   %d pending · %d processing · %d done · %d failed\n", c.Pending, c.Processing, c.Done, c.Failed)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pid, err := daemon.ReadPID(cfg.PIDFile)
	if err != nil {
		return fmt.Errorf("daemon not running (no PID file)")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	// SIGTERM triggers the graceful shutdown path.
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Process might already be dead.
		daemon.RemovePID(cfg.PIDFile)
		return fmt.Errorf("signal process %d: %w", pid, err)
	}
	fmt.Printf("Stopping daemon (pid %d)...\n", pid)
	return nil
}
