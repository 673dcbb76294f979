package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <agent-id>",
	Short: "Show one agent and its sandbox",
	Args:  cobra.ExactArgs(1),
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Duration("timeout", 30*time.Second, "Overall operation deadline")
}

func runStatus(cmd *cobra.Command, args []string) {
	a := openApp(cmd)
	defer a.Stop()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	agent, host, err := a.Manager().Describe(ctx, args[0])
	if err != nil {
		Fatal("%v", err)
	}

	state := agent.State
	if agent.Unreachable {
		state += " (unreachable)"
	}

	fmt.Printf("%-12s %s\n", "agent", agent.ID)
	fmt.Printf("%-12s %s\n", "type", agent.Type)
	fmt.Printf("%-12s %s\n", "state", state)
	if agent.RuntimeID.Valid {
		fmt.Printf("%-12s %s\n", "runtime", agent.RuntimeID.String)
	}
	if agent.LastExit.Valid {
		fmt.Printf("%-12s %d\n", "last exit", agent.LastExit.Int64)
	}
	if agent.LastError.Valid && agent.LastError.String != "" {
		fmt.Printf("%-12s %s\n", "last error", agent.LastError.String)
	}
	fmt.Printf("%-12s %s\n", "created", agent.CreatedAt.Format(time.RFC3339))
	if agent.StartedAt.Valid {
		fmt.Printf("%-12s %s\n", "started", agent.StartedAt.Time.Format(time.RFC3339))
	}
	if agent.StoppedAt.Valid {
		fmt.Printf("%-12s %s\n", "stopped", agent.StoppedAt.Time.Format(time.RFC3339))
	}

	if host != nil {
		fmt.Println()
		fmt.Printf("%-12s %s (%s)\n", "host", host.ID, host.Backend)
		fmt.Printf("%-12s %s\n", "host state", host.State)
		if host.Address.Valid && host.Address.String != "" {
			fmt.Printf("%-12s %s\n", "address", host.Address.String)
		}
		if host.Dir.Valid && host.Dir.String != "" {
			fmt.Printf("%-12s %s\n", "dir", host.Dir.String)
		}
		if host.LastSeen.Valid {
			fmt.Printf("%-12s %s\n", "last seen", host.LastSeen.Time.Format(time.RFC3339))
		}
	}
}
