package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start <agent-id>",
	Short: "Start a stopped agent",
	Args:  cobra.ExactArgs(1),
	Run:   runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop <agent-id>",
	Short: "Stop a running agent, keeping its sandbox",
	Args:  cobra.ExactArgs(1),
	Run:   runStop,
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <agent-id>",
	Short: "Tear down an agent and its sandbox",
	Long: `Tear down the agent process, its sandbox, and every backend resource
behind them. The tracked record always ends up destroyed, even when the
backend can only be partially cleaned; whatever is left is reclaimed by
a later gc run.`,
	Args: cobra.ExactArgs(1),
	Run:  runDestroy,
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(destroyCmd)

	for _, c := range []*cobra.Command{startCmd, stopCmd, destroyCmd} {
		c.Flags().Duration("timeout", 2*time.Minute, "Overall operation deadline")
	}
}

func runStart(cmd *cobra.Command, args []string) {
	a := openApp(cmd)
	defer a.Stop()

	ctx, cancel := opContext(cmd)
	defer cancel()

	if err := a.Manager().Start(ctx, args[0]); err != nil {
		Fatal("starting %s: %v", args[0], err)
	}
	fmt.Printf("started %s\n", args[0])
}

func runStop(cmd *cobra.Command, args []string) {
	a := openApp(cmd)
	defer a.Stop()

	ctx, cancel := opContext(cmd)
	defer cancel()

	if err := a.Manager().Stop(ctx, args[0]); err != nil {
		Fatal("stopping %s: %v", args[0], err)
	}
	fmt.Printf("stopped %s\n", args[0])
}

func runDestroy(cmd *cobra.Command, args []string) {
	a := openApp(cmd)
	defer a.Stop()

	ctx, cancel := opContext(cmd)
	defer cancel()

	if err := a.Manager().Destroy(ctx, args[0]); err != nil {
		Fatal("destroying %s: %v", args[0], err)
	}
	fmt.Printf("destroyed %s\n", args[0])
}

// opContext builds the deadline context for a single lifecycle operation.
func opContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return context.WithTimeout(context.Background(), timeout)
}
